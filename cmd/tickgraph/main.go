package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l1jgo/tickgraph/internal/config"
	"github.com/l1jgo/tickgraph/internal/core/event"
	"github.com/l1jgo/tickgraph/internal/core/jobs"
	"github.com/l1jgo/tickgraph/internal/core/system"
	"github.com/l1jgo/tickgraph/internal/metrics"
	"github.com/l1jgo/tickgraph/internal/persist"
	"github.com/l1jgo/tickgraph/internal/scene"
	"github.com/l1jgo/tickgraph/internal/scripting"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const defaultConfigPath = "config/tickgraph.toml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(sceneName string, workers int) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m             tickgraph  v0.1.0             \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m    phased dependency-graph frame runner   \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mscene:\033[0m %s \033[90m(workers: %d)\033[0m\n\n", sceneName, workers)
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, value string) {
	dotsLen := 42 - len(label) - len(value)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), value)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main loop ──────────────────────────────────────────────────────

type options struct {
	configPath string
	scenePath  string
	frames     int
	dump       bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("tickgraph", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "config file (default $TICKGRAPH_CONFIG or "+defaultConfigPath+")")
	fs.StringVar(&o.scenePath, "scene", "", "scene file, overrides [scene] path")
	fs.IntVar(&o.frames, "frames", -1, "frames to run, overrides [loop] max_frames (0 = until signalled)")
	fs.BoolVar(&o.dump, "dump", false, "print the resolved level layout and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	return o, nil
}

// loadConfig resolves the config path from the flag, then the environment.
// A missing default file falls back to built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
		if p := os.Getenv("TICKGRAPH_CONFIG"); p != "" {
			path = p
			explicit = true
		}
	}
	if _, err := os.Stat(path); err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run() error {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	// 1. Load config
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.scenePath != "" {
		cfg.Scene.Path = opts.scenePath
	}
	if opts.frames >= 0 {
		cfg.Loop.MaxFrames = opts.frames
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	sceneFile, err := scene.LoadFile(cfg.Scene.Path)
	if err != nil {
		return fmt.Errorf("scene: %w", err)
	}

	workers := cfg.WorkerCount()
	if !opts.dump {
		printBanner(sceneFile.Name, workers)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Metrics
	var recorder *metrics.Recorder
	var poolOpts []jobs.Option
	if cfg.Metrics.Enabled && !opts.dump {
		metrics.Register(prometheus.DefaultRegisterer)
		recorder = metrics.NewRecorder(nil)
		poolOpts = append(poolOpts, jobs.WithObserver(recorder))
		srv := serveMetrics(cfg.Metrics.BindAddress, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// 4. Job pool, scheduler, runner
	queues := make([]jobs.QueueConfig, len(cfg.Jobs.Queues))
	for i, q := range cfg.Jobs.Queues {
		queues[i] = jobs.QueueConfig{Name: q.Name, MaxConsumers: q.MaxConsumers}
	}
	pool, err := jobs.NewPool(workers, queues, log.Named("jobs"), poolOpts...)
	if err != nil {
		return fmt.Errorf("job pool: %w", err)
	}
	defer func() {
		pool.Pause()
		pool.DrainQueued()
		if err := pool.Close(); err != nil {
			log.Warn("job pool closed with pending jobs", zap.Error(err))
		}
	}()

	bus := event.NewBus()
	sched := system.New(pool, log.Named("scheduler"),
		system.WithQueue(cfg.Scheduler.Queue),
		system.WithBus(bus))
	runner := system.NewRunner(sched, bus, log)
	subscribeLogging(bus, log)

	summary := &frameSummary{}
	runner.Observe(summary)
	if recorder != nil {
		recorder.Track(sched)
		recorder.Subscribe(bus)
		runner.Observe(recorder)
	}

	// 5. Scripts and scene
	engine := scripting.NewEngine(log.Named("lua"))
	defer engine.Close()

	sc, err := sceneFile.Build(sched, engine, cfg.Scripting.Dir, log)
	if err != nil {
		// Rejected updaters and edges are reported; the rest of the scene runs.
		log.Warn("scene built with errors", zap.Error(err))
	}
	if err := sched.UpdateDirtyNodes(); err != nil {
		log.Warn("initial resolve reported errors", zap.Error(err))
	}

	if opts.dump {
		dumpTopology(sched.Topology())
		return nil
	}

	printSection("scene")
	printStat("updaters", fmt.Sprint(sc.Len()))
	printStat("scripts", fmt.Sprint(engine.Scripts()))
	st := sched.Stats()
	for p := system.Phase(0); p < system.PhaseCount; p++ {
		printStat(p.String()+" levels", fmt.Sprint(st.Levels[p]))
	}
	fmt.Println()

	// 6. Persistence
	if cfg.Database.Enabled {
		printSection("database")
		dbCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		db, err := persist.Open(dbCtx, cfg.Database, log.Named("db"))
		if err != nil {
			cancel()
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		printOK("PostgreSQL connected")
		if err := db.Migrate(dbCtx); err != nil {
			cancel()
			return fmt.Errorf("migrations: %w", err)
		}
		cancel()
		printOK("migrations applied")
		fmt.Println()

		runID := time.Now().UTC().Format("20060102T150405Z")
		rec := persist.NewRecorder(persist.NewFrameRepo(db), persist.NewTopologyRepo(db), runID, cfg.Database.FlushFrames, log.Named("persist"))
		rec.Subscribe(bus, sched)
		runner.Observe(rec)
		defer rec.Close() // before db.Close
	}

	if cfg.Loop.MaxFrames > 0 {
		printReady(fmt.Sprintf("frame loop started (tick: %s, frames: %d)", cfg.Loop.TickRate, cfg.Loop.MaxFrames))
	} else {
		printReady(fmt.Sprintf("frame loop started (tick: %s)", cfg.Loop.TickRate))
	}

	start := time.Now()
	if err := runner.Run(ctx, cfg.Loop.TickRate, cfg.Loop.MaxFrames); err != nil {
		return err
	}
	if ctx.Err() != nil {
		log.Info("shutdown signal received")
	}
	summary.print(time.Since(start), sched.Stats())
	return nil
}

func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	log.Info("metrics listening", zap.String("addr", addr))
	return srv
}

func subscribeLogging(bus *event.Bus, log *zap.Logger) {
	event.Subscribe(bus, func(ev event.TopologyChanged) {
		log.Info("topology changed",
			zap.Uint64("pass", ev.Pass),
			zap.Int("resolved", ev.Resolved),
			zap.Int("removed", ev.Removed),
			zap.Int("nodes", ev.Nodes),
			zap.String("fingerprint", fmt.Sprintf("%016x", ev.Fingerprint)))
	})
	event.Subscribe(bus, func(ev event.ConfigErrorRaised) {
		log.Warn("configuration error", zap.Error(ev.Err))
	})
}

func dumpTopology(topo system.Topology) {
	fmt.Printf("fingerprint %016x\n", topo.Fingerprint)
	for p := system.Phase(0); p < system.PhaseCount; p++ {
		levels := topo.Levels(p)
		fmt.Printf("%s (%d levels)\n", p, len(levels))
		for i, names := range levels {
			fmt.Printf("  %d: %s\n", i, strings.Join(names, " "))
		}
	}
}

// frameSummary accumulates per-phase timings for the exit report.
type frameSummary struct {
	frames    uint64
	failed    uint64
	resolve   time.Duration
	phases    [system.PhaseCount]time.Duration
	maxPhases [system.PhaseCount]time.Duration
}

func (s *frameSummary) FrameDone(st system.FrameStats) {
	s.frames++
	if st.Err != nil {
		s.failed++
	}
	s.resolve += st.Resolve
	for p, d := range st.Phases {
		s.phases[p] += d
		if d > s.maxPhases[p] {
			s.maxPhases[p] = d
		}
	}
}

func (s *frameSummary) print(elapsed time.Duration, st system.Stats) {
	pr := message.NewPrinter(language.English)
	fmt.Println()
	printSection("summary")
	printStat("frames", pr.Sprintf("%d", s.frames))
	printStat("frames with errors", pr.Sprintf("%d", s.failed))
	printStat("dirty passes", pr.Sprintf("%d", st.Passes))
	printStat("elapsed", elapsed.Round(time.Millisecond).String())
	if s.frames == 0 {
		return
	}
	n := time.Duration(s.frames)
	printStat("avg resolve", (s.resolve / n).String())
	for p := system.Phase(0); p < system.PhaseCount; p++ {
		printStat(p.String()+" avg/max",
			pr.Sprintf("%v / %v", (s.phases[p]/n).Round(time.Microsecond), s.maxPhases[p].Round(time.Microsecond)))
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
