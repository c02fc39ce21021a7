package system

import (
	"time"

	"github.com/l1jgo/tickgraph/internal/core/arena"
)

// UpdateFunc is an updater's per-frame callback.
type UpdateFunc func(dt time.Duration) error

// Updater is one schedulable unit: an entity, component or system. It is
// created by a Scheduler and all of its mutable state is guarded by that
// scheduler's graph lock. A nil callback makes a pure grouping node.
type Updater struct {
	sched *Scheduler
	name  string
	fn    UpdateFunc

	phase      Phase
	after      []*Updater // prerequisites, in declaration order
	dependents []*Updater // updaters that update after this one
	enabled    bool
	handle     arena.Handle // zero while not enabled
}

func (u *Updater) Name() string { return u.name }

// Phase returns the declared phase. The resolved phase may be later; see
// Scheduler.Placement.
func (u *Updater) Phase() Phase {
	u.sched.mu.RLock()
	defer u.sched.mu.RUnlock()
	return u.phase
}

func (u *Updater) Enabled() bool {
	u.sched.mu.RLock()
	defer u.sched.mu.RUnlock()
	return u.enabled
}

// After returns the names of the declared prerequisites.
func (u *Updater) After() []string {
	u.sched.mu.RLock()
	defer u.sched.mu.RUnlock()
	names := make([]string, len(u.after))
	for i, p := range u.after {
		names[i] = p.name
	}
	return names
}

func (u *Updater) dependsOn(other *Updater) bool {
	for _, p := range u.after {
		if p == other {
			return true
		}
	}
	return false
}

func removeUpdater(list []*Updater, u *Updater) []*Updater {
	for i, x := range list {
		if x == u {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
