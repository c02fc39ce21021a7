// Package jobs is a fixed-size worker pool fed by named FIFO queues.
//
// Producers enqueue batches of jobs against a Counter; a goroutine that needs
// the results calls WaitForCounter, which runs queued jobs itself until the
// counter reaches zero instead of blocking idle. Worker goroutines and helpers
// share one condition variable, woken whenever jobs are added, a job finishes
// or the pool changes state.
package jobs

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrUnknownQueue = errors.New("jobs: unknown queue")
	ErrPoolClosed   = errors.New("jobs: pool closed")
	ErrJobDropped   = errors.New("jobs: job dropped before it ran")
	ErrJobPanicked  = errors.New("jobs: job panicked")
	ErrPendingJobs  = errors.New("jobs: queued jobs left at close")
)

// Func is the body of a job. Returned errors are recorded on the job's Counter.
type Func func(payload any) error

// Job pairs a function with its payload.
type Job struct {
	Fn      Func
	Payload any
}

// QueueConfig declares one named queue. MaxConsumers bounds how many
// goroutines may run its jobs concurrently; zero means no bound beyond the
// number of goroutines touching the pool.
type QueueConfig struct {
	Name         string
	MaxConsumers int
}

// Observer is notified after every job runs (or is dropped).
type Observer interface {
	JobDone(queue string, d time.Duration, err error)
}

type Option func(*Pool)

func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

// Pool runs jobs from its queues on a fixed set of worker goroutines.
type Pool struct {
	log      *zap.Logger
	observer Observer
	workers  int
	queues   []*queue
	byName   map[string]*queue

	// mu guards paused/closed and is held while bumping seq so waiters
	// cannot miss a wakeup between checking seq and sleeping.
	mu     sync.Mutex
	cond   *sync.Cond
	seq    atomic.Uint64
	paused bool
	closed atomic.Bool

	wg sync.WaitGroup
}

// NewPool creates the queues and starts workers goroutines. A pool with zero
// workers is valid: jobs then only run inside WaitForCounter or DrainQueued.
func NewPool(workers int, queues []QueueConfig, log *zap.Logger, opts ...Option) (*Pool, error) {
	if workers < 0 {
		return nil, fmt.Errorf("jobs: negative worker count %d", workers)
	}
	if len(queues) == 0 {
		return nil, errors.New("jobs: at least one queue is required")
	}
	p := &Pool{
		log:     log,
		workers: workers,
		byName:  make(map[string]*queue, len(queues)),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	for _, qc := range queues {
		if qc.Name == "" {
			return nil, errors.New("jobs: queue name is empty")
		}
		if _, dup := p.byName[qc.Name]; dup {
			return nil, fmt.Errorf("jobs: duplicate queue %q", qc.Name)
		}
		q := newQueue(qc.Name, qc.MaxConsumers)
		p.queues = append(p.queues, q)
		p.byName[qc.Name] = q
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	log.Debug("job pool started", zap.Int("workers", workers), zap.Int("queues", len(p.queues)))
	return p, nil
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return p.workers }

// QueueLimit returns the MaxConsumers configured for the named queue, zero
// when it is unbounded. ok is false for an unknown queue.
func (p *Pool) QueueLimit(queueName string) (limit int, ok bool) {
	q, ok := p.byName[queueName]
	if !ok {
		return 0, false
	}
	return q.maxConsumers, true
}

// AddJobs enqueues jobs on the named queue as one batch and adds len(jobs)
// to c before any of them can run.
func (p *Pool) AddJobs(queueName string, jobs []Job, c *Counter) error {
	if len(jobs) == 0 {
		return nil
	}
	if p.closed.Load() {
		return ErrPoolClosed
	}
	q, ok := p.byName[queueName]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownQueue, queueName)
	}
	c.add(len(jobs))
	q.push(jobs, c)
	p.wake()
	return nil
}

// WaitForCounter returns once c reaches zero. Until then the caller runs
// queued jobs itself and only sleeps when nothing is runnable. It may be
// called from inside a job, provided the waited-on jobs live in a queue
// whose consumer slots the caller is not exhausting.
func (p *Pool) WaitForCounter(c *Counter) {
	for {
		if c.Done() {
			return
		}
		seq := p.seq.Load()
		if p.runOne() {
			continue
		}
		p.mu.Lock()
		for p.seq.Load() == seq && !c.Done() {
			p.cond.Wait()
		}
		p.mu.Unlock()
	}
}

// Pause stops workers from taking new jobs. Running jobs finish; helpers in
// WaitForCounter keep draining.
func (p *Pool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.seq.Add(1)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Run resumes worker consumption after Pause.
func (p *Pool) Run() {
	p.mu.Lock()
	p.paused = false
	p.seq.Add(1)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Pending returns the number of queued jobs that have not started.
func (p *Pool) Pending() int {
	n := 0
	for _, q := range p.queues {
		n += q.len()
	}
	return n
}

// DrainQueued runs every queued job on the calling goroutine (workers may
// still take some) and returns when no queued job is left.
func (p *Pool) DrainQueued() {
	for {
		seq := p.seq.Load()
		if p.runOne() {
			continue
		}
		if p.Pending() == 0 {
			return
		}
		// jobs exist but every consumer slot is busy
		p.mu.Lock()
		for p.seq.Load() == seq {
			p.cond.Wait()
		}
		p.mu.Unlock()
	}
}

// DropQueued discards queued jobs, completing their counters with
// ErrJobDropped. Returns how many were dropped.
func (p *Pool) DropQueued() int {
	dropped := 0
	for _, q := range p.queues {
		for _, it := range q.takeAll() {
			it.counter.complete(fmt.Errorf("%w (queue %s)", ErrJobDropped, q.name))
			if p.observer != nil {
				p.observer.JobDone(q.name, 0, ErrJobDropped)
			}
			dropped++
		}
	}
	if dropped > 0 {
		p.wake()
	}
	return dropped
}

// Close stops and joins the workers. Queued jobs must be drained or dropped
// first; any left behind are reported with ErrPendingJobs and never run.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.wake()
	p.wg.Wait()
	if n := p.Pending(); n > 0 {
		p.log.Warn("job pool closed with queued jobs", zap.Int("pending", n))
		return fmt.Errorf("%w: %d", ErrPendingJobs, n)
	}
	p.log.Debug("job pool stopped")
	return nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.paused && !p.closed.Load() {
			p.cond.Wait()
		}
		if p.closed.Load() {
			p.mu.Unlock()
			return
		}
		seq := p.seq.Load()
		p.mu.Unlock()

		if p.runOne() {
			continue
		}

		p.mu.Lock()
		for p.seq.Load() == seq && !p.closed.Load() {
			p.cond.Wait()
		}
		p.mu.Unlock()
	}
}

// runOne runs at most one job, scanning queues in registration order.
func (p *Pool) runOne() bool {
	for _, q := range p.queues {
		it, ok := q.tryPop()
		if !ok {
			continue
		}
		p.execute(q, it)
		return true
	}
	return false
}

func (p *Pool) execute(q *queue, it queued) {
	start := time.Now()
	err := call(it.job)
	q.release()
	if err != nil && errors.Is(err, ErrJobPanicked) {
		p.log.Error("job panicked", zap.String("queue", q.name), zap.Error(err))
	}
	if p.observer != nil {
		p.observer.JobDone(q.name, time.Since(start), err)
	}
	it.counter.complete(err)
	// A finished job frees a consumer slot and may have zeroed a counter.
	p.wake()
}

func (p *Pool) wake() {
	p.mu.Lock()
	p.seq.Add(1)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// call runs the job, turning a panic into an error so it never unwinds
// into the worker loop.
func call(j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	if j.Fn == nil {
		return nil
	}
	return j.Fn(j.Payload)
}
