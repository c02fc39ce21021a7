package jobs

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

type queued struct {
	job     Job
	counter *Counter
}

// queue is a named FIFO of jobs. Its mutex guards the items, the semaphore
// bounds how many goroutines may run jobs taken from it at once.
type queue struct {
	name         string
	maxConsumers int // as configured, 0 = unbounded
	sem          *semaphore.Weighted

	mu    sync.Mutex
	items []queued
	head  int
}

func newQueue(name string, maxConsumers int) *queue {
	limit := maxConsumers
	if limit <= 0 {
		// every worker plus any number of helpers
		limit = 1 << 30
	}
	return &queue{
		name:         name,
		maxConsumers: max(maxConsumers, 0),
		sem:          semaphore.NewWeighted(int64(limit)),
		items:        make([]queued, 0, 64),
	}
}

func (q *queue) push(jobs []Job, c *Counter) {
	q.mu.Lock()
	for _, j := range jobs {
		q.items = append(q.items, queued{job: j, counter: c})
	}
	q.mu.Unlock()
}

// tryPop takes the oldest job and a consumer slot. The caller must release
// the slot once the job has run.
func (q *queue) tryPop() (queued, bool) {
	if !q.sem.TryAcquire(1) {
		return queued{}, false
	}
	q.mu.Lock()
	if q.head == len(q.items) {
		q.mu.Unlock()
		q.sem.Release(1)
		return queued{}, false
	}
	it := q.items[q.head]
	q.items[q.head] = queued{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	q.mu.Unlock()
	return it, true
}

func (q *queue) release() { q.sem.Release(1) }

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// takeAll empties the queue and returns what was in it.
func (q *queue) takeAll() []queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queued, len(q.items)-q.head)
	copy(out, q.items[q.head:])
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	return out
}
