// Package metrics exposes scheduler and job pool activity as Prometheus
// collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/l1jgo/tickgraph/internal/core/event"
	"github.com/l1jgo/tickgraph/internal/core/jobs"
	"github.com/l1jgo/tickgraph/internal/core/system"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tickgraph"

var (
	framesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames run by the frame loop.",
		},
	)
	frameErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Frames in which at least one updater failed.",
		},
	)
	resolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Time spent in the dirty pass at the start of a frame.",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
	)
	phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time of one phase dispatch.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.002, 0.004, 0.008, 0.016, 0.033, 0.1},
		},
		[]string{"phase"},
	)
	phaseLevels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_levels",
			Help:      "Number of levels currently in each phase.",
		},
		[]string{"phase"},
	)
	enabledNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "enabled_updaters",
			Help:      "Updaters currently enabled in the scheduler.",
		},
	)
	configErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_errors_total",
			Help:      "Rejected graph requests and cycles reported by the scheduler, by kind.",
		},
		[]string{"kind"},
	)
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "executed_total",
			Help:      "Jobs finished, by queue.",
		},
		[]string{"queue"},
	)
	jobErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "errors_total",
			Help:      "Jobs that returned an error, panicked or were dropped, by queue.",
		},
		[]string{"queue"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job run time, by queue.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		},
		[]string{"queue"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		framesTotal,
		frameErrorsTotal,
		resolveDuration,
		phaseDuration,
		phaseLevels,
		enabledNodes,
		configErrorsTotal,
		jobsTotal,
		jobErrorsTotal,
		jobDuration,
	}
}

// Register adds every collector to reg. Registering again on the same
// registry is a no-op; any other registration error panics, like
// MustRegister.
func Register(reg prometheus.Registerer) {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) && are.ExistingCollector == c {
				continue
			}
			panic(err)
		}
	}
}

// Reset zeroes the labelled collectors.
func Reset() {
	phaseDuration.Reset()
	phaseLevels.Reset()
	configErrorsTotal.Reset()
	jobsTotal.Reset()
	jobErrorsTotal.Reset()
	jobDuration.Reset()
}

// Recorder feeds the collectors from a running scheduler. It is a
// system.FrameObserver and a jobs.Observer.
type Recorder struct {
	sched *system.Scheduler
}

// NewRecorder returns a recorder sampling sched after each frame. sched may
// be nil and set later with Track, since the job pool observer has to exist
// before the scheduler does.
func NewRecorder(sched *system.Scheduler) *Recorder {
	return &Recorder{sched: sched}
}

// Track sets the scheduler sampled by FrameDone. Call before the first frame.
func (r *Recorder) Track(sched *system.Scheduler) {
	r.sched = sched
}

// FrameDone records frame timings and samples the scheduler's layout.
func (r *Recorder) FrameDone(st system.FrameStats) {
	framesTotal.Inc()
	if st.Err != nil {
		frameErrorsTotal.Inc()
	}
	resolveDuration.Observe(st.Resolve.Seconds())
	for p := system.Phase(0); p < system.PhaseCount; p++ {
		phaseDuration.WithLabelValues(p.String()).Observe(st.Phases[p].Seconds())
	}
	if r.sched == nil {
		return
	}
	stats := r.sched.Stats()
	enabledNodes.Set(float64(stats.Nodes))
	for p, n := range stats.Levels {
		phaseLevels.WithLabelValues(system.Phase(p).String()).Set(float64(n))
	}
}

func (r *Recorder) JobDone(queue string, d time.Duration, err error) {
	jobsTotal.WithLabelValues(queue).Inc()
	if err != nil {
		jobErrorsTotal.WithLabelValues(queue).Inc()
	}
	if !errors.Is(err, jobs.ErrJobDropped) {
		jobDuration.WithLabelValues(queue).Observe(d.Seconds())
	}
}

// Subscribe counts configuration errors published on bus.
func (r *Recorder) Subscribe(bus *event.Bus) {
	event.Subscribe(bus, func(ev event.ConfigErrorRaised) {
		RecordConfigError(ev.Err)
	})
}

// RecordConfigError counts err under its ConfigError kind, or "other".
func RecordConfigError(err error) {
	kind := "other"
	var ce *system.ConfigError
	if errors.As(err, &ce) {
		kind = string(ce.Kind)
	}
	configErrorsTotal.WithLabelValues(kind).Inc()
}
