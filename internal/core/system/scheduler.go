// Package system schedules per-frame updaters.
//
// Updaters declare a phase and "update after" prerequisites. The scheduler
// keeps, per phase, a list of levels such that no two updaters of one level
// depend on each other; levels run one after another and the updaters of a
// level run in parallel on the job pool. Graph edits only mark nodes dirty;
// the leveling is repaired incrementally by UpdateDirtyNodes, which the frame
// loop calls once per frame before dispatching any phase.
package system

import (
	"sync"
	"sync/atomic"

	"github.com/l1jgo/tickgraph/internal/core/arena"
	"github.com/l1jgo/tickgraph/internal/core/event"
	"github.com/l1jgo/tickgraph/internal/core/jobs"
	"go.uber.org/zap"
)

const DefaultQueue = "update"

// node is the arena record of an enabled updater.
type node struct {
	updater   *Updater
	phase     Phase
	level     int
	slot      int // index inside levels[phase][level]
	placed    bool
	dirty     bool
	resolving bool
}

type Option func(*Scheduler)

// WithQueue selects the job queue phase dispatch runs on.
func WithQueue(name string) Option {
	return func(s *Scheduler) { s.queue = name }
}

// WithBus publishes topology changes and every rejected graph request on b.
func WithBus(b *event.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// Scheduler owns the updater graph and dispatches phases on a job pool.
type Scheduler struct {
	log   *zap.Logger
	pool  *jobs.Pool
	queue string
	bus   *event.Bus

	// mu guards the arena, the level table and every Updater's fields.
	mu     sync.RWMutex
	nodes  *arena.Arena[node]
	levels [PhaseCount][][]arena.Handle

	dirtyMu sync.Mutex
	dirty   []arena.Handle

	disableMu      sync.Mutex
	pendingDisable []*Updater

	dispatching atomic.Int32

	// enabled updaters by name, guarded by mu
	names map[string]*Updater

	passes       uint64
	lastResolved int
	lastRemoved  int
}

func New(pool *jobs.Pool, log *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		log:   log,
		pool:  pool,
		queue: DefaultQueue,
		nodes: arena.New[node](256),
		dirty: make([]arena.Handle, 0, 64),
		names: make(map[string]*Updater),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewUpdater creates a disabled updater bound to this scheduler. Names need
// not be unique among disabled updaters, but Enable refuses a name another
// enabled updater already uses, so topology layouts stay unambiguous.
func (s *Scheduler) NewUpdater(name string, phase Phase, fn UpdateFunc) *Updater {
	return &Updater{sched: s, name: name, phase: phase, fn: fn}
}

// Enable allocates a node for u and queues it for leveling.
func (s *Scheduler) Enable(u *Updater) error {
	if u.sched != s {
		return s.reject(newConfigError(KindForeignUpdater, u, nil))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.enabled {
		return s.reject(newConfigError(KindAlreadyEnabled, u, nil))
	}
	if !u.phase.Valid() {
		return s.reject(newConfigError(KindInvalidPhase, u, nil))
	}
	if other, taken := s.names[u.name]; taken && other != u {
		return s.reject(newConfigError(KindDuplicateName, u, nil))
	}
	s.names[u.name] = u
	u.enabled = true
	// Disabled earlier this frame and not yet collected: keep the node.
	if !s.nodes.Alive(u.handle) {
		u.handle = s.nodes.Emplace(node{updater: u, level: -1})
	}
	s.markDirtyLocked(u.handle)
	return nil
}

// Disable marks u disabled. The node stays scheduled until the next
// UpdateDirtyNodes, so disabling during a phase never edits the level table
// under a running dispatch.
func (s *Scheduler) Disable(u *Updater) error {
	if u.sched != s {
		return s.reject(newConfigError(KindForeignUpdater, u, nil))
	}
	s.mu.Lock()
	if !u.enabled {
		s.mu.Unlock()
		return s.reject(newConfigError(KindAlreadyDisabled, u, nil))
	}
	u.enabled = false
	if s.names[u.name] == u {
		delete(s.names, u.name)
	}
	s.mu.Unlock()

	s.disableMu.Lock()
	s.pendingDisable = append(s.pendingDisable, u)
	s.disableMu.Unlock()
	return nil
}

// UpdateAfter declares that u runs after prereq. Edges that would close a
// cycle are rejected.
func (s *Scheduler) UpdateAfter(u, prereq *Updater) error {
	if u.sched != s {
		return s.reject(newConfigError(KindForeignUpdater, u, nil))
	}
	if prereq.sched != s {
		return s.reject(newConfigError(KindForeignUpdater, prereq, nil))
	}
	if u == prereq {
		return s.reject(newConfigError(KindSelfEdge, u, prereq))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.dependsOn(prereq) {
		return s.reject(newConfigError(KindDuplicateEdge, u, prereq))
	}
	if reaches(prereq, u) {
		return s.reject(newConfigError(KindCycle, u, prereq))
	}
	u.after = append(u.after, prereq)
	prereq.dependents = append(prereq.dependents, u)
	if u.enabled {
		s.markDirtyLocked(u.handle)
	}
	return nil
}

// RemoveUpdateAfter drops an edge added by UpdateAfter.
func (s *Scheduler) RemoveUpdateAfter(u, prereq *Updater) error {
	if u.sched != s || prereq.sched != s {
		return s.reject(newConfigError(KindForeignUpdater, u, prereq))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !u.dependsOn(prereq) {
		return s.reject(newConfigError(KindUnknownEdge, u, prereq))
	}
	u.after = removeUpdater(u.after, prereq)
	prereq.dependents = removeUpdater(prereq.dependents, u)
	if u.enabled {
		s.markDirtyLocked(u.handle)
	}
	return nil
}

// SetUpdatePhase changes the declared phase of u.
func (s *Scheduler) SetUpdatePhase(u *Updater, phase Phase) error {
	if u.sched != s {
		return s.reject(newConfigError(KindForeignUpdater, u, nil))
	}
	if !phase.Valid() {
		return s.reject(newConfigError(KindInvalidPhase, u, nil))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.phase == phase {
		return nil
	}
	u.phase = phase
	if u.enabled {
		s.markDirtyLocked(u.handle)
	}
	return nil
}

// reject publishes a configuration error on the bus, if any, and returns it.
func (s *Scheduler) reject(err *ConfigError) error {
	if s.bus != nil {
		event.Emit(s.bus, event.ConfigErrorRaised{Err: err})
	}
	return err
}

// Placement returns the resolved phase and level of u. ok is false when u
// is disabled or has not been leveled yet.
func (s *Scheduler) Placement(u *Updater) (phase Phase, level int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, alive := s.nodes.Get(u.handle)
	if !alive || !n.placed {
		return 0, 0, false
	}
	return n.phase, n.level, true
}

// Stats is a point-in-time summary of the graph.
type Stats struct {
	Nodes           int
	Dirty           int
	PendingDisables int
	Passes          uint64
	LastResolved    int // nodes leveled by the last UpdateDirtyNodes
	LastRemoved     int // nodes freed by the last UpdateDirtyNodes
	Levels          [PhaseCount]int
}

func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	st := Stats{
		Nodes:        s.nodes.Len(),
		Passes:       s.passes,
		LastResolved: s.lastResolved,
		LastRemoved:  s.lastRemoved,
	}
	for p := range s.levels {
		st.Levels[p] = len(s.levels[p])
	}
	s.mu.RUnlock()

	s.dirtyMu.Lock()
	st.Dirty = len(s.dirty)
	s.dirtyMu.Unlock()
	s.disableMu.Lock()
	st.PendingDisables = len(s.pendingDisable)
	s.disableMu.Unlock()
	return st
}

// reaches reports whether target is a (transitive) prerequisite of from.
func reaches(from, target *Updater) bool {
	seen := map[*Updater]bool{from: true}
	stack := []*Updater{from}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if u == target {
			return true
		}
		for _, p := range u.after {
			if !seen[p] {
				seen[p] = true
				stack = append(stack, p)
			}
		}
	}
	return false
}
