package system

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/l1jgo/tickgraph/internal/core/jobs"
	"go.uber.org/zap"
)

// phaseRun is the shared cursor of one phase dispatch. Drain jobs pop
// updaters from remaining; whoever finishes the last in-flight updater of a
// level advances the cursor and fans the next level out. A level is never
// exposed before the previous one has completely finished.
type phaseRun struct {
	sched   *Scheduler
	phase   Phase
	dt      time.Duration
	counter *jobs.Counter
	fanout  int

	mu        sync.Mutex
	levels    [][]*Updater
	level     int
	remaining []*Updater
	inFlight  int
	errs      []error
}

// Update runs every updater of phase, level by level, and returns once the
// whole phase has finished. The calling goroutine helps execute the phase.
// workerID identifies the caller in logs.
//
// Update may be called from inside an update callback; the nested wait runs
// jobs from the same queue, which is why that queue must not bound its
// consumers.
func (s *Scheduler) Update(workerID int, phase Phase, dt time.Duration) error {
	if !phase.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPhase, int(phase))
	}
	if limit, _ := s.pool.QueueLimit(s.queue); limit > 0 {
		return fmt.Errorf("%w: queue %q has max consumers %d", ErrBoundedQueue, s.queue, limit)
	}
	s.dispatching.Add(1)
	defer s.dispatching.Add(-1)

	levels := s.snapshot(phase)
	if len(levels) == 0 {
		return nil
	}

	var c jobs.Counter
	r := &phaseRun{
		sched:     s,
		phase:     phase,
		dt:        dt,
		counter:   &c,
		fanout:    s.pool.Workers() + 1,
		levels:    levels,
		remaining: levels[0],
	}
	if err := r.spawn(min(r.fanout, len(r.remaining))); err != nil {
		return err
	}
	s.pool.WaitForCounter(&c)

	if ce := c.Err(); ce != nil {
		r.errs = append(r.errs, ce)
	}
	if len(r.errs) > 0 {
		s.log.Debug("phase finished with errors",
			zap.Int("worker", workerID),
			zap.Stringer("phase", phase),
			zap.Int("errors", len(r.errs)))
	}
	return errors.Join(r.errs...)
}

// snapshot copies the non-empty levels of phase so dispatch never touches
// the arena, which Enable may grow concurrently.
func (s *Scheduler) snapshot(phase Phase) [][]*Updater {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]*Updater, 0, len(s.levels[phase]))
	for _, bucket := range s.levels[phase] {
		if len(bucket) == 0 {
			continue
		}
		ups := make([]*Updater, 0, len(bucket))
		for _, h := range bucket {
			if n, ok := s.nodes.Get(h); ok {
				ups = append(ups, n.updater)
			}
		}
		out = append(out, ups)
	}
	return out
}

func (r *phaseRun) spawn(n int) error {
	batch := make([]jobs.Job, n)
	for i := range batch {
		batch[i] = jobs.Job{Fn: drainJob, Payload: r}
	}
	return r.sched.pool.AddJobs(r.sched.queue, batch, r.counter)
}

func drainJob(payload any) error {
	payload.(*phaseRun).drain()
	return nil
}

func (r *phaseRun) drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if len(r.remaining) == 0 {
			if r.inFlight > 0 || r.level >= len(r.levels) {
				// The last finisher of this level moves the cursor on.
				return
			}
			r.level++
			if r.level >= len(r.levels) {
				return
			}
			r.remaining = r.levels[r.level]
			// Added while this job is still counted, so the counter
			// cannot reach zero in between.
			if extra := min(r.fanout, len(r.remaining)) - 1; extra > 0 {
				if err := r.spawn(extra); err != nil {
					r.errs = append(r.errs, err)
				}
			}
			continue
		}

		u := r.remaining[0]
		r.remaining = r.remaining[1:]
		r.inFlight++
		r.mu.Unlock()
		err := r.invoke(u)
		r.mu.Lock()
		r.inFlight--
		if err != nil {
			r.errs = append(r.errs, err)
		}
	}
}

func (r *phaseRun) invoke(u *Updater) (err error) {
	if u.fn == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = &UpdateError{Updater: u.name, Phase: r.phase, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	if e := u.fn(r.dt); e != nil {
		return &UpdateError{Updater: u.name, Phase: r.phase, Err: e}
	}
	return nil
}
