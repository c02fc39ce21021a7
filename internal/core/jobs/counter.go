package jobs

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Counter tracks outstanding jobs. AddJobs increments it, each job decrements
// it exactly once on completion. Errors returned by jobs are kept on the
// counter so the waiter can inspect them after WaitForCounter returns.
type Counter struct {
	n atomic.Int64

	mu   sync.Mutex
	errs []error
}

// Value returns the number of jobs still outstanding.
func (c *Counter) Value() int64 { return c.n.Load() }

// Done reports whether every job added to the counter has completed.
func (c *Counter) Done() bool { return c.n.Load() == 0 }

// Err joins the errors of all completed jobs, or nil.
func (c *Counter) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(c.errs...)
}

// Reset clears recorded errors. Only valid while the counter is zero.
func (c *Counter) Reset() {
	c.mu.Lock()
	c.errs = nil
	c.mu.Unlock()
}

func (c *Counter) add(n int) {
	c.n.Add(int64(n))
}

// complete records err and decrements. Returns true on the transition to zero.
func (c *Counter) complete(err error) bool {
	if err != nil {
		c.mu.Lock()
		c.errs = append(c.errs, err)
		c.mu.Unlock()
	}
	return c.n.Add(-1) == 0
}
