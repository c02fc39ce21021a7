package system

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/l1jgo/tickgraph/internal/core/event"
	"go.uber.org/zap"
)

// FrameStats describes one finished frame.
type FrameStats struct {
	Frame     uint64
	DeltaTime time.Duration
	Resolve   time.Duration // UpdateDirtyNodes
	Phases    [PhaseCount]time.Duration
	Err       error
}

// FrameObserver is told about every frame the runner finishes.
type FrameObserver interface {
	FrameDone(FrameStats)
}

// Runner drives a Scheduler frame by frame: resolve dirty nodes, then run
// every phase in order. Phase N+1 starts only after phase N returned.
type Runner struct {
	sched     *Scheduler
	bus       *event.Bus
	log       *zap.Logger
	observers []FrameObserver
	frame     uint64
	systems   int
}

// NewRunner wraps sched. bus may be nil; when set its buffers are swapped
// and dispatched at the start of every frame.
func NewRunner(sched *Scheduler, bus *event.Bus, log *zap.Logger) *Runner {
	return &Runner{sched: sched, bus: bus, log: log}
}

func (r *Runner) Observe(o FrameObserver) {
	r.observers = append(r.observers, o)
}

// RegisterSystem adapts a fixed-phase System into an enabled Updater named
// after its type and registration order, e.g. "*game.Input#0".
func (r *Runner) RegisterSystem(s System) (*Updater, error) {
	name := fmt.Sprintf("%T#%d", s, r.systems)
	r.systems++
	u := r.sched.NewUpdater(name, s.Phase(), func(dt time.Duration) error {
		s.Update(dt)
		return nil
	})
	if err := r.sched.Enable(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Frame returns the number of frames run so far.
func (r *Runner) Frame() uint64 { return r.frame }

// Tick runs one frame with the given delta time. Configuration errors from
// the dirty pass are logged and returned but do not stop the frame.
func (r *Runner) Tick(dt time.Duration) error {
	r.frame++
	stats := FrameStats{Frame: r.frame, DeltaTime: dt}

	if r.bus != nil {
		r.bus.SwapBuffers()
		r.bus.DispatchAll()
	}

	var errs []error
	start := time.Now()
	if err := r.sched.UpdateDirtyNodes(); err != nil {
		errs = append(errs, err)
	}
	stats.Resolve = time.Since(start)

	for p := Phase(0); p < PhaseCount; p++ {
		start = time.Now()
		if err := r.sched.Update(0, p, dt); err != nil {
			r.log.Warn("phase failed", zap.Stringer("phase", p), zap.Uint64("frame", r.frame), zap.Error(err))
			errs = append(errs, err)
		}
		stats.Phases[p] = time.Since(start)
	}

	stats.Err = errors.Join(errs...)
	for _, o := range r.observers {
		o.FrameDone(stats)
	}
	return stats.Err
}

// TickPhase runs only the given phase. Dirty nodes are not resolved.
func (r *Runner) TickPhase(phase Phase, dt time.Duration) error {
	return r.sched.Update(0, phase, dt)
}

// Run ticks every tickRate until ctx is done or maxFrames frames ran
// (maxFrames <= 0 means no limit). Delta time is the wall time between
// ticks. Frame errors are logged, not fatal.
func (r *Runner) Run(ctx context.Context, tickRate time.Duration, maxFrames int) error {
	if tickRate <= 0 {
		return fmt.Errorf("tick rate must be positive, got %s", tickRate)
	}
	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()

	last := time.Now()
	for n := 0; maxFrames <= 0 || n < maxFrames; n++ {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			if err := r.Tick(dt); err != nil {
				r.log.Debug("frame finished with errors", zap.Uint64("frame", r.frame), zap.Error(err))
			}
		}
	}
	return nil
}
