package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/l1jgo/tickgraph/internal/core/event"
	"github.com/l1jgo/tickgraph/internal/core/jobs"
	"github.com/l1jgo/tickgraph/internal/core/system"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newScheduler(t *testing.T, obs jobs.Observer) *system.Scheduler {
	t.Helper()
	var opts []jobs.Option
	if obs != nil {
		opts = append(opts, jobs.WithObserver(obs))
	}
	pool, err := jobs.NewPool(1, []jobs.QueueConfig{{Name: system.DefaultQueue}}, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return system.New(pool, zap.NewNop())
}

func TestRecorderTracksFramesAndLayout(t *testing.T) {
	Reset()
	s := newScheduler(t, nil)
	rec := NewRecorder(s)
	r := system.NewRunner(s, nil, zap.NewNop())
	r.Observe(rec)

	a := s.NewUpdater("a", system.PhasePhysics, nil)
	b := s.NewUpdater("b", system.PhasePhysics, nil)
	require.NoError(t, s.Enable(a))
	require.NoError(t, s.Enable(b))
	require.NoError(t, s.UpdateAfter(b, a))

	frames := testutil.ToFloat64(framesTotal)
	require.NoError(t, r.Tick(time.Millisecond))
	require.NoError(t, r.Tick(time.Millisecond))

	assert.Equal(t, frames+2, testutil.ToFloat64(framesTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(enabledNodes))
	assert.Equal(t, float64(2), testutil.ToFloat64(phaseLevels.WithLabelValues("physics")))
	assert.Equal(t, float64(0), testutil.ToFloat64(phaseLevels.WithLabelValues("late")))
	assert.Equal(t, int(system.PhaseCount), testutil.CollectAndCount(phaseDuration))
}

func TestRecorderCountsFailedFrames(t *testing.T) {
	s := newScheduler(t, nil)
	r := system.NewRunner(s, nil, zap.NewNop())
	r.Observe(NewRecorder(s))
	require.NoError(t, s.Enable(s.NewUpdater("bad", system.PhaseInput, func(time.Duration) error {
		return errors.New("boom")
	})))

	before := testutil.ToFloat64(frameErrorsTotal)
	assert.Error(t, r.Tick(time.Millisecond))
	assert.Equal(t, before+1, testutil.ToFloat64(frameErrorsTotal))
}

func TestJobDoneByQueue(t *testing.T) {
	Reset()
	rec := NewRecorder(nil)
	s := newScheduler(t, rec)
	for _, name := range []string{"x", "y", "z"} {
		require.NoError(t, s.Enable(s.NewUpdater(name, system.PhaseInput, func(time.Duration) error { return nil })))
	}
	require.NoError(t, s.UpdateDirtyNodes())
	require.NoError(t, s.Update(0, system.PhaseInput, 0))

	assert.Positive(t, testutil.ToFloat64(jobsTotal.WithLabelValues(system.DefaultQueue)))
	assert.Zero(t, testutil.ToFloat64(jobErrorsTotal.WithLabelValues(system.DefaultQueue)))

	rec.JobDone("background", 0, jobs.ErrJobDropped)
	assert.Equal(t, float64(1), testutil.ToFloat64(jobErrorsTotal.WithLabelValues("background")))
	assert.Equal(t, 1, testutil.CollectAndCount(jobDuration), "dropped jobs have no duration sample")
}

func TestConfigErrorsByKind(t *testing.T) {
	Reset()
	bus := event.NewBus()
	NewRecorder(nil).Subscribe(bus)

	event.Emit(bus, event.ConfigErrorRaised{Err: &system.ConfigError{Kind: system.KindCycle, Updater: "a", Other: "b"}})
	event.Emit(bus, event.ConfigErrorRaised{Err: errors.New("plain")})
	bus.SwapBuffers()
	bus.DispatchAll()

	assert.Equal(t, float64(1), testutil.ToFloat64(configErrorsTotal.WithLabelValues("cycle")))
	assert.Equal(t, float64(1), testutil.ToFloat64(configErrorsTotal.WithLabelValues("other")))
}

func TestRegisterExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	assert.NotPanics(t, func() { Register(reg) })

	for _, name := range []string{"tickgraph_frames_total", "tickgraph_enabled_updaters", "tickgraph_resolve_duration_seconds"} {
		n, err := testutil.GatherAndCount(reg, name)
		require.NoError(t, err)
		assert.Equal(t, 1, n, name)
	}
}

func TestRegisterOnEachRegistry(t *testing.T) {
	for i := 0; i < 2; i++ {
		reg := prometheus.NewRegistry()
		Register(reg)
		n, err := testutil.GatherAndCount(reg, "tickgraph_frames_total")
		require.NoError(t, err)
		assert.Equal(t, 1, n, "registry %d", i)
	}
}

func TestRegisterPanicsOnConflictingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "Someone else's counter.",
	}))
	assert.Panics(t, func() { Register(reg) })
}
