package system

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// PhaseLayout lists updater names per level of one phase. Names inside a
// level are sorted, so equal graphs produce equal layouts.
type PhaseLayout struct {
	Phase  Phase
	Levels [][]string
}

// Topology is a snapshot of the current leveling.
type Topology struct {
	Phases      [PhaseCount]PhaseLayout
	Fingerprint uint64
}

// Topology returns the leveling as of the last UpdateDirtyNodes.
func (s *Scheduler) Topology() Topology {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topologyLocked()
}

func (s *Scheduler) topologyLocked() Topology {
	var t Topology
	d := xxhash.New()
	var buf [8]byte
	for p := range s.levels {
		layout := PhaseLayout{Phase: Phase(p)}
		for _, bucket := range s.levels[p] {
			names := make([]string, 0, len(bucket))
			for _, h := range bucket {
				if n, ok := s.nodes.Get(h); ok {
					names = append(names, n.updater.name)
				}
			}
			sort.Strings(names)
			layout.Levels = append(layout.Levels, names)
		}
		t.Phases[p] = layout

		binary.LittleEndian.PutUint64(buf[:], uint64(len(layout.Levels)))
		_, _ = d.Write(buf[:])
		for _, names := range layout.Levels {
			binary.LittleEndian.PutUint64(buf[:], uint64(len(names)))
			_, _ = d.Write(buf[:])
			for _, name := range names {
				_, _ = d.WriteString(name)
				_, _ = d.Write([]byte{0})
			}
		}
	}
	t.Fingerprint = d.Sum64()
	return t
}

// Levels returns the names per level of one phase.
func (t Topology) Levels(p Phase) [][]string {
	if !p.Valid() {
		return nil
	}
	return t.Phases[p].Levels
}
