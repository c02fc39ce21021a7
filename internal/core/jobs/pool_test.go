package jobs

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPool(t *testing.T, workers int, queues ...QueueConfig) *Pool {
	t.Helper()
	if len(queues) == 0 {
		queues = []QueueConfig{{Name: "default"}}
	}
	p, err := NewPool(workers, queues, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		p.DropQueued()
		_ = p.Close()
	})
	return p
}

// pausedPool parks the workers before pausing so none is mid-scan when jobs
// are queued.
func pausedPool(t *testing.T, workers int) *Pool {
	t.Helper()
	p, err := NewPool(workers, []QueueConfig{{Name: "default"}}, zap.NewNop())
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	p.Pause()
	return p
}

func countingJobs(n int, hits *atomic.Int64) []Job {
	jobs := make([]Job, n)
	for i := range jobs {
		jobs[i] = Job{Fn: func(any) error {
			hits.Add(1)
			return nil
		}}
	}
	return jobs
}

func TestNewPoolValidation(t *testing.T) {
	_, err := NewPool(1, nil, zap.NewNop())
	assert.Error(t, err)

	_, err = NewPool(-1, []QueueConfig{{Name: "a"}}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewPool(0, []QueueConfig{{Name: "a"}, {Name: "a"}}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewPool(0, []QueueConfig{{Name: ""}}, zap.NewNop())
	assert.Error(t, err)
}

func TestWaitForCounterRunsAllJobs(t *testing.T) {
	for _, workers := range []int{0, 1, 4} {
		p := newTestPool(t, workers)
		var hits atomic.Int64
		var c Counter
		require.NoError(t, p.AddJobs("default", countingJobs(100, &hits), &c))
		p.WaitForCounter(&c)

		assert.True(t, c.Done())
		assert.EqualValues(t, 100, hits.Load(), "workers=%d", workers)
		assert.NoError(t, c.Err())
	}
}

func TestHelpWhileWaitingWithoutWorkers(t *testing.T) {
	// No workers at all: the waiting goroutine must run everything itself.
	p := newTestPool(t, 0)
	var order []int
	var c Counter
	jobs := make([]Job, 5)
	for i := range jobs {
		jobs[i] = Job{Fn: func(payload any) error {
			order = append(order, payload.(int))
			return nil
		}, Payload: i}
	}
	require.NoError(t, p.AddJobs("default", jobs, &c))
	assert.EqualValues(t, 5, c.Value())

	p.WaitForCounter(&c)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order, "a single consumer sees FIFO order")
}

func TestNestedWaitDoesNotDeadlock(t *testing.T) {
	p := newTestPool(t, 1, QueueConfig{Name: "outer"}, QueueConfig{Name: "inner"})
	var hits atomic.Int64
	var outer Counter
	err := p.AddJobs("outer", []Job{{Fn: func(any) error {
		var inner Counter
		if err := p.AddJobs("inner", countingJobs(10, &hits), &inner); err != nil {
			return err
		}
		p.WaitForCounter(&inner)
		return nil
	}}}, &outer)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		p.WaitForCounter(&outer)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("nested wait deadlocked")
	}
	assert.EqualValues(t, 10, hits.Load())
}

func TestMaxConsumersBound(t *testing.T) {
	p := newTestPool(t, 4, QueueConfig{Name: "serial", MaxConsumers: 1})
	var running, peak atomic.Int64
	jobs := make([]Job, 50)
	for i := range jobs {
		jobs[i] = Job{Fn: func(any) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			running.Add(-1)
			return nil
		}}
	}
	var c Counter
	require.NoError(t, p.AddJobs("serial", jobs, &c))
	p.WaitForCounter(&c)
	assert.EqualValues(t, 1, peak.Load())
}

func TestQueueLimit(t *testing.T) {
	p := newTestPool(t, 1, QueueConfig{Name: "free"}, QueueConfig{Name: "serial", MaxConsumers: 1}, QueueConfig{Name: "neg", MaxConsumers: -3})

	limit, ok := p.QueueLimit("free")
	assert.True(t, ok)
	assert.Zero(t, limit)

	limit, ok = p.QueueLimit("serial")
	assert.True(t, ok)
	assert.Equal(t, 1, limit)

	limit, ok = p.QueueLimit("neg")
	assert.True(t, ok)
	assert.Zero(t, limit, "non-positive limits mean unbounded")

	_, ok = p.QueueLimit("missing")
	assert.False(t, ok)
}

func TestJobErrorsAndPanicsAreCollected(t *testing.T) {
	p := newTestPool(t, 2)
	boom := errors.New("boom")
	var c Counter
	err := p.AddJobs("default", []Job{
		{Fn: func(any) error { return boom }},
		{Fn: func(any) error { panic("kaboom") }},
		{Fn: func(any) error { return nil }},
		{},
	}, &c)
	require.NoError(t, err)
	p.WaitForCounter(&c)

	require.Error(t, c.Err())
	assert.ErrorIs(t, c.Err(), boom)
	assert.ErrorIs(t, c.Err(), ErrJobPanicked)

	c.Reset()
	assert.NoError(t, c.Err())
}

func TestUnknownQueueAndClosedPool(t *testing.T) {
	p, err := NewPool(1, []QueueConfig{{Name: "a"}}, zap.NewNop())
	require.NoError(t, err)

	var c Counter
	err = p.AddJobs("missing", []Job{{}}, &c)
	assert.ErrorIs(t, err, ErrUnknownQueue)
	assert.True(t, c.Done(), "a rejected batch must not touch the counter")

	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.AddJobs("a", []Job{{}}, &c), ErrPoolClosed)
	assert.NoError(t, p.Close(), "second close is a no-op")
}

func TestPauseStopsWorkersButNotHelpers(t *testing.T) {
	p := pausedPool(t, 2)
	t.Cleanup(func() {
		p.DropQueued()
		_ = p.Close()
	})

	var hits atomic.Int64
	var c Counter
	require.NoError(t, p.AddJobs("default", countingJobs(20, &hits), &c))
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, hits.Load(), "paused workers must not consume")
	assert.Equal(t, 20, p.Pending())

	p.WaitForCounter(&c)
	assert.EqualValues(t, 20, hits.Load())

	p.Run()
	var c2 Counter
	require.NoError(t, p.AddJobs("default", countingJobs(5, &hits), &c2))
	require.Eventually(t, c2.Done, time.Second, time.Millisecond)
}

func TestShutdownDrainOrDrop(t *testing.T) {
	t.Run("drain", func(t *testing.T) {
		p := pausedPool(t, 2)
		var hits atomic.Int64
		var c Counter
		require.NoError(t, p.AddJobs("default", countingJobs(10, &hits), &c))
		p.DrainQueued()
		assert.EqualValues(t, 10, hits.Load())
		assert.NoError(t, p.Close())
	})

	t.Run("drop", func(t *testing.T) {
		p := pausedPool(t, 2)
		var hits atomic.Int64
		var c Counter
		require.NoError(t, p.AddJobs("default", countingJobs(10, &hits), &c))
		assert.Equal(t, 10, p.DropQueued())
		assert.True(t, c.Done())
		assert.ErrorIs(t, c.Err(), ErrJobDropped)
		assert.EqualValues(t, 0, hits.Load())
		assert.NoError(t, p.Close())
	})

	t.Run("left pending", func(t *testing.T) {
		p := pausedPool(t, 1)
		var c Counter
		require.NoError(t, p.AddJobs("default", []Job{{}}, &c))
		assert.ErrorIs(t, p.Close(), ErrPendingJobs)
	})
}

type recordingObserver struct {
	mu     sync.Mutex
	queues map[string]int
	errs   int
}

func (o *recordingObserver) JobDone(queue string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queues[queue]++
	if err != nil {
		o.errs++
	}
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{queues: map[string]int{}}
	p, err := NewPool(2, []QueueConfig{{Name: "a"}, {Name: "b"}}, zap.NewNop(), WithObserver(obs))
	require.NoError(t, err)
	defer p.Close()

	var c Counter
	require.NoError(t, p.AddJobs("a", []Job{{}, {}}, &c))
	require.NoError(t, p.AddJobs("b", []Job{{Fn: func(any) error { return errors.New("x") }}}, &c))
	p.WaitForCounter(&c)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, obs.queues)
	assert.Equal(t, 1, obs.errs)
}
