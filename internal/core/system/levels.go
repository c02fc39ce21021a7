package system

import "github.com/l1jgo/tickgraph/internal/core/arena"

func (s *Scheduler) insertLocked(h arena.Handle, n *node, phase Phase, level int) {
	lv := s.levels[phase]
	for len(lv) <= level {
		lv = append(lv, nil)
	}
	n.phase = phase
	n.level = level
	n.slot = len(lv[level])
	n.placed = true
	lv[level] = append(lv[level], h)
	s.levels[phase] = lv
}

// unplaceLocked swap-removes n from its bucket.
func (s *Scheduler) unplaceLocked(n *node) {
	if !n.placed {
		return
	}
	bucket := s.levels[n.phase][n.level]
	last := len(bucket) - 1
	if n.slot != last {
		moved := bucket[last]
		bucket[n.slot] = moved
		if mn, ok := s.nodes.Get(moved); ok {
			mn.slot = n.slot
		}
	}
	s.levels[n.phase][n.level] = bucket[:last]
	n.placed = false
	n.level = -1
}

func (s *Scheduler) trimLevelsLocked() {
	for p := range s.levels {
		lv := s.levels[p]
		for len(lv) > 0 && len(lv[len(lv)-1]) == 0 {
			lv = lv[:len(lv)-1]
		}
		s.levels[p] = lv
	}
}
