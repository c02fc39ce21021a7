package persist

import (
	"context"
	"sync"
	"time"

	"github.com/l1jgo/tickgraph/internal/core/event"
	"github.com/l1jgo/tickgraph/internal/core/system"
	"go.uber.org/zap"
)

type FrameWriter interface {
	WriteFrames(ctx context.Context, runID string, frames []FrameRecord) error
}

type TopologyWriter interface {
	SaveTopology(ctx context.Context, topo system.Topology, nodes int) error
}

const writeTimeout = 5 * time.Second

// Recorder buffers frame stats and writes them every flushEvery frames on a
// background goroutine, off the frame loop. Topology changes are written as
// they are delivered by the event bus. Writes that fail are logged and
// dropped.
type Recorder struct {
	frames     FrameWriter
	topo       TopologyWriter
	runID      string
	flushEvery int
	log        *zap.Logger

	buf     []FrameRecord
	writes  chan func(context.Context) error
	dropped int
	wg      sync.WaitGroup
	once    sync.Once
}

func NewRecorder(frames FrameWriter, topo TopologyWriter, runID string, flushEvery int, log *zap.Logger) *Recorder {
	if flushEvery <= 0 {
		flushEvery = 1
	}
	r := &Recorder{
		frames:     frames,
		topo:       topo,
		runID:      runID,
		flushEvery: flushEvery,
		log:        log,
		buf:        make([]FrameRecord, 0, flushEvery),
		writes:     make(chan func(context.Context) error, 8),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for write := range r.writes {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := write(ctx); err != nil {
			r.log.Error("persist write failed", zap.String("run", r.runID), zap.Error(err))
		}
		cancel()
	}
}

// FrameDone buffers st and hands a full buffer to the writer goroutine.
// Called from the frame loop only.
func (r *Recorder) FrameDone(st system.FrameStats) {
	r.buf = append(r.buf, frameRecord(st))
	if len(r.buf) >= r.flushEvery {
		r.flush(false)
	}
}

func (r *Recorder) flush(wait bool) {
	if len(r.buf) == 0 {
		return
	}
	batch := r.buf
	r.buf = make([]FrameRecord, 0, r.flushEvery)
	r.submit(func(ctx context.Context) error {
		return r.frames.WriteFrames(ctx, r.runID, batch)
	}, wait)
}

// submit queues a write. Without wait a full queue drops the write so a
// slow database never stalls a frame.
func (r *Recorder) submit(write func(context.Context) error, wait bool) {
	if wait {
		r.writes <- write
		return
	}
	select {
	case r.writes <- write:
	default:
		r.dropped++
		r.log.Warn("persist queue full, write dropped", zap.Int("dropped", r.dropped))
	}
}

// Subscribe saves a topology snapshot of sched on every TopologyChanged
// delivered by bus.
func (r *Recorder) Subscribe(bus *event.Bus, sched *system.Scheduler) {
	event.Subscribe(bus, func(ev event.TopologyChanged) {
		topo := sched.Topology()
		nodes := ev.Nodes
		r.submit(func(ctx context.Context) error {
			return r.topo.SaveTopology(ctx, topo, nodes)
		}, false)
	})
}

// Dropped returns how many writes were discarded because the queue was full.
func (r *Recorder) Dropped() int { return r.dropped }

// Close writes any buffered frames and waits for pending writes.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.flush(true)
		close(r.writes)
		r.wg.Wait()
	})
}
