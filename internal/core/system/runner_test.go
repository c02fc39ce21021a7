package system

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/l1jgo/tickgraph/internal/core/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type phaseRecorder struct {
	mu    sync.Mutex
	order []Phase
}

func (r *phaseRecorder) add(p Phase) {
	r.mu.Lock()
	r.order = append(r.order, p)
	r.mu.Unlock()
}

type fixedSystem struct {
	phase Phase
	rec   *phaseRecorder
}

func (s *fixedSystem) Phase() Phase { return s.phase }
func (s *fixedSystem) Update(time.Duration) {
	s.rec.add(s.phase)
}

type statsCollector struct {
	frames []FrameStats
}

func (c *statsCollector) FrameDone(st FrameStats) { c.frames = append(c.frames, st) }

func TestRunnerTicksPhasesInOrder(t *testing.T) {
	s := newTestScheduler(t, 2)
	r := NewRunner(s, nil, zap.NewNop())
	rec := &phaseRecorder{}
	for _, p := range []Phase{PhaseLate, PhaseInput, PhasePhysics} {
		_, err := r.RegisterSystem(&fixedSystem{phase: p, rec: rec})
		require.NoError(t, err)
	}
	stats := &statsCollector{}
	r.Observe(stats)

	require.NoError(t, r.Tick(16*time.Millisecond))
	assert.Equal(t, []Phase{PhaseInput, PhasePhysics, PhaseLate}, rec.order)

	require.Len(t, stats.frames, 1)
	assert.Equal(t, uint64(1), stats.frames[0].Frame)
	assert.Equal(t, 16*time.Millisecond, stats.frames[0].DeltaTime)
	assert.NoError(t, stats.frames[0].Err)
	assert.Equal(t, uint64(1), r.Frame())
}

func TestRunnerTickPhase(t *testing.T) {
	s := newTestScheduler(t, 1)
	r := NewRunner(s, nil, zap.NewNop())
	rec := &phaseRecorder{}
	_, err := r.RegisterSystem(&fixedSystem{phase: PhaseInput, rec: rec})
	require.NoError(t, err)
	_, err = r.RegisterSystem(&fixedSystem{phase: PhaseLate, rec: rec})
	require.NoError(t, err)
	require.NoError(t, s.UpdateDirtyNodes())

	require.NoError(t, r.TickPhase(PhaseInput, time.Millisecond))
	assert.Equal(t, []Phase{PhaseInput}, rec.order)
}

func TestRunnerReportsErrorsButFinishesFrame(t *testing.T) {
	s := newTestScheduler(t, 1)
	r := NewRunner(s, nil, zap.NewNop())
	boom := errors.New("boom")
	require.NoError(t, s.Enable(s.NewUpdater("bad", PhaseInput, func(time.Duration) error { return boom })))
	rec := &phaseRecorder{}
	_, err := r.RegisterSystem(&fixedSystem{phase: PhaseLate, rec: rec})
	require.NoError(t, err)

	stats := &statsCollector{}
	r.Observe(stats)
	err = r.Tick(time.Millisecond)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []Phase{PhaseLate}, rec.order, "later phases still run")
	require.Len(t, stats.frames, 1)
	assert.ErrorIs(t, stats.frames[0].Err, boom)
}

func TestRunnerDeliversTopologyEvents(t *testing.T) {
	bus := event.NewBus()
	s := newTestScheduler(t, 1, WithBus(bus))
	r := NewRunner(s, bus, zap.NewNop())

	var changes []event.TopologyChanged
	var cfgErrs []error
	event.Subscribe(bus, func(ev event.TopologyChanged) { changes = append(changes, ev) })
	event.Subscribe(bus, func(ev event.ConfigErrorRaised) { cfgErrs = append(cfgErrs, ev.Err) })

	a := s.NewUpdater("a", PhasePhysics, nil)
	require.NoError(t, s.Enable(a))

	require.NoError(t, r.Tick(time.Millisecond))
	assert.Empty(t, changes, "emitted during frame 1, delivered in frame 2")

	require.NoError(t, r.Tick(time.Millisecond))
	require.Len(t, changes, 1)
	assert.Equal(t, 1, changes[0].Resolved)
	assert.Equal(t, 1, changes[0].Nodes)
	assert.Equal(t, s.Topology().Fingerprint, changes[0].Fingerprint)
	assert.Empty(t, cfgErrs)

	require.NoError(t, r.Tick(time.Millisecond))
	assert.Len(t, changes, 1, "a pass without changes emits nothing")
}

func TestRunnerDeliversRejectedRequestsNextFrame(t *testing.T) {
	bus := event.NewBus()
	s := newTestScheduler(t, 2, WithBus(bus))
	r := NewRunner(s, bus, zap.NewNop())

	var cfgErrs []error
	event.Subscribe(bus, func(ev event.ConfigErrorRaised) { cfgErrs = append(cfgErrs, ev.Err) })

	a := enabled(t, s, "a", PhasePhysics)
	b := enabled(t, s, "b", PhasePhysics)
	require.NoError(t, s.UpdateAfter(b, a))
	require.NoError(t, r.Tick(time.Millisecond))

	assert.ErrorIs(t, s.UpdateAfter(a, b), ErrCycle)
	require.NoError(t, s.Disable(b))
	assert.ErrorIs(t, s.Disable(b), ErrAlreadyDisabled)
	assert.Empty(t, cfgErrs, "not delivered before the next frame")

	require.NoError(t, r.Tick(time.Millisecond))
	require.Len(t, cfgErrs, 2)
	var ce *ConfigError
	require.ErrorAs(t, cfgErrs[0], &ce)
	assert.Equal(t, ConfigError{Kind: KindCycle, Updater: "a", Other: "b"}, *ce)
	assert.ErrorIs(t, cfgErrs[1], ErrAlreadyDisabled)

	require.NoError(t, r.Tick(time.Millisecond))
	assert.Len(t, cfgErrs, 2, "each rejection is reported once")
}

func TestRegisterSystemNamesAreUnique(t *testing.T) {
	s := newTestScheduler(t, 1)
	r := NewRunner(s, nil, zap.NewNop())
	rec := &phaseRecorder{}
	first, err := r.RegisterSystem(&fixedSystem{phase: PhaseInput, rec: rec})
	require.NoError(t, err)
	second, err := r.RegisterSystem(&fixedSystem{phase: PhaseInput, rec: rec})
	require.NoError(t, err)
	assert.Equal(t, "*system.fixedSystem#0", first.Name())
	assert.Equal(t, "*system.fixedSystem#1", second.Name())
}

func TestRunnerRunStopsAfterMaxFrames(t *testing.T) {
	s := newTestScheduler(t, 1)
	r := NewRunner(s, nil, zap.NewNop())
	require.NoError(t, r.Run(context.Background(), time.Millisecond, 3))
	assert.Equal(t, uint64(3), r.Frame())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx, time.Hour, 0))

	assert.Error(t, r.Run(context.Background(), 0, 1))
}
