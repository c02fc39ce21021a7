package system

import (
	"errors"

	"github.com/l1jgo/tickgraph/internal/core/arena"
	"github.com/l1jgo/tickgraph/internal/core/event"
	"go.uber.org/zap"
)

// markDirtyLocked queues h and everything transitively downstream of it.
// Caller holds s.mu for writing.
func (s *Scheduler) markDirtyLocked(h arena.Handle) {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()

	work := []arena.Handle{h}
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]
		n, ok := s.nodes.Get(cur)
		if !ok || n.dirty {
			continue
		}
		n.dirty = true
		s.dirty = append(s.dirty, cur)
		for _, d := range n.updater.dependents {
			if d.enabled && s.nodes.Alive(d.handle) {
				work = append(work, d.handle)
			}
		}
	}
}

// UpdateDirtyNodes collects pending disables and re-levels every dirty node.
// Call it once per frame before dispatching phases; it refuses to run while
// a phase is dispatching. Returned errors are ConfigErrors found during the
// pass; the level table is consistent either way.
func (s *Scheduler) UpdateDirtyNodes() error {
	if s.dispatching.Load() > 0 {
		return ErrDispatchActive
	}

	s.disableMu.Lock()
	pending := s.pendingDisable
	s.pendingDisable = nil
	s.disableMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, u := range pending {
		if u.enabled {
			continue // re-enabled before collection
		}
		if s.removeLocked(u) {
			removed++
		}
	}

	s.dirtyMu.Lock()
	list := s.dirty
	s.dirty = make([]arena.Handle, 0, cap(list))
	s.dirtyMu.Unlock()

	var errs []error
	resolved := 0
	for _, h := range list {
		n, ok := s.nodes.Get(h)
		if !ok || !n.dirty {
			continue // freed this pass, or resolved as someone's prerequisite
		}
		resolved += s.resolveLocked(h, &errs)
	}
	s.trimLevelsLocked()

	s.passes++
	s.lastResolved = resolved
	s.lastRemoved = removed

	for _, err := range errs {
		s.log.Warn("scheduler config error", zap.Error(err))
	}
	if resolved > 0 || removed > 0 {
		s.log.Debug("levels updated",
			zap.Int("resolved", resolved),
			zap.Int("removed", removed),
			zap.Int("nodes", s.nodes.Len()))
		if s.bus != nil {
			event.Emit(s.bus, event.TopologyChanged{
				Pass:        s.passes,
				Resolved:    resolved,
				Removed:     removed,
				Nodes:       s.nodes.Len(),
				Fingerprint: s.topologyLocked().Fingerprint,
			})
		}
	}
	if s.bus != nil {
		for _, err := range errs {
			event.Emit(s.bus, event.ConfigErrorRaised{Err: err})
		}
	}
	return errors.Join(errs...)
}

// removeLocked frees u's node. Dependents are marked dirty first; the
// generation bump on Remove tombstones any dirty-list entry for u.
func (s *Scheduler) removeLocked(u *Updater) bool {
	h := u.handle
	n, ok := s.nodes.Get(h)
	if !ok {
		u.handle = 0
		return false
	}
	for _, d := range u.dependents {
		if d.enabled && s.nodes.Alive(d.handle) {
			s.markDirtyLocked(d.handle)
		}
	}
	s.unplaceLocked(n)
	s.nodes.Remove(h)
	u.handle = 0
	return true
}

type resolveFrame struct {
	h        arena.Handle
	expanded bool
}

// resolveLocked levels h after its dirty prerequisites, depth first with an
// explicit stack. Expanded frames are exactly the current path, so meeting a
// node that is still resolving means a cycle. Returns nodes leveled.
func (s *Scheduler) resolveLocked(h arena.Handle, errs *[]error) int {
	count := 0
	stack := []resolveFrame{{h: h}}
	for len(stack) > 0 {
		top := len(stack) - 1
		fr := stack[top]
		n, ok := s.nodes.Get(fr.h)
		if !ok {
			stack = stack[:top]
			continue
		}

		if !fr.expanded {
			if !n.dirty {
				stack = stack[:top]
				continue
			}
			stack[top].expanded = true
			n.resolving = true
			for _, p := range n.updater.after {
				if !p.enabled {
					continue
				}
				pn, ok := s.nodes.Get(p.handle)
				if !ok {
					continue
				}
				if pn.resolving {
					*errs = append(*errs, newConfigError(KindCycle, n.updater, p))
					continue
				}
				if pn.dirty {
					stack = append(stack, resolveFrame{h: p.handle})
				}
			}
			continue
		}

		s.placeLocked(fr.h, n)
		n.resolving = false
		n.dirty = false
		count++
		stack = stack[:top]
	}
	return count
}

// placeLocked computes the phase and level of n from its prerequisites and
// moves it into that bucket.
func (s *Scheduler) placeLocked(h arena.Handle, n *node) {
	u := n.updater
	phase := u.phase
	var prereqs []*node
	for _, p := range u.after {
		if !p.enabled {
			continue
		}
		pn, ok := s.nodes.Get(p.handle)
		if !ok || !pn.placed || pn == n {
			continue
		}
		prereqs = append(prereqs, pn)
		if pn.phase > phase {
			phase = pn.phase
		}
	}
	level := 0
	for _, pn := range prereqs {
		if pn.phase == phase && pn.level+1 > level {
			level = pn.level + 1
		}
	}

	if n.placed && n.phase == phase && n.level == level {
		return
	}
	s.unplaceLocked(n)
	s.insertLocked(h, n, phase, level)
}
