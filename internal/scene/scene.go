// Package scene builds updater graphs from YAML scene descriptions.
package scene

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/l1jgo/tickgraph/internal/core/system"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// UpdaterEntry describes one updater of a scene file.
type UpdaterEntry struct {
	Name    string        `yaml:"name"`
	Phase   string        `yaml:"phase"`
	After   []string      `yaml:"after"`
	Script  string        `yaml:"script"`  // Lua file, relative to the script dir
	Work    time.Duration `yaml:"work"`    // simulated busy time per frame
	Enabled *bool         `yaml:"enabled"` // default true
}

type File struct {
	Name     string         `yaml:"name"`
	Updaters []UpdaterEntry `yaml:"updaters"`
}

// ScriptLoader turns a script path into an update callback.
type ScriptLoader interface {
	Load(name, path string) (system.UpdateFunc, error)
}

// Scene is a built graph, addressable by updater name.
type Scene struct {
	Name     string
	updaters map[string]*system.Updater
	order    []string
}

func (s *Scene) Get(name string) (*system.Updater, bool) {
	u, ok := s.updaters[name]
	return u, ok
}

// Names returns updater names in file order.
func (s *Scene) Names() []string { return s.order }

func (s *Scene) Len() int { return len(s.order) }

// Parse decodes and validates a scene file.
func Parse(raw []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse scene: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile reads and validates a scene file.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scene %s: %w", path, err)
	}
	f, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func (f *File) validate() error {
	names := make(map[string]bool, len(f.Updaters))
	for i, u := range f.Updaters {
		if u.Name == "" {
			return fmt.Errorf("updater #%d has no name", i)
		}
		if names[u.Name] {
			return fmt.Errorf("duplicate updater %q", u.Name)
		}
		names[u.Name] = true
		if _, err := system.ParsePhase(u.Phase); err != nil {
			return fmt.Errorf("updater %q: %w", u.Name, err)
		}
		if u.Work < 0 {
			return fmt.Errorf("updater %q: negative work %s", u.Name, u.Work)
		}
	}
	for _, u := range f.Updaters {
		for _, dep := range u.After {
			if !names[dep] {
				return fmt.Errorf("updater %q: unknown prerequisite %q", u.Name, dep)
			}
		}
	}
	return nil
}

// Build creates the file's updaters on sched, wires their edges and enables
// those marked enabled. scripts may be nil when no entry has a script;
// scriptDir is joined to relative script paths. An updater that fails to
// build is logged and left out; the rest of the scene is still built.
func (f *File) Build(sched *system.Scheduler, scripts ScriptLoader, scriptDir string, log *zap.Logger) (*Scene, error) {
	sc := &Scene{
		Name:     f.Name,
		updaters: make(map[string]*system.Updater, len(f.Updaters)),
	}
	var errs []error
	for _, e := range f.Updaters {
		phase, _ := system.ParsePhase(e.Phase)
		fn, err := f.callback(e, scripts, scriptDir)
		if err != nil {
			log.Error("updater not created", zap.String("updater", e.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("updater %q: %w", e.Name, err))
			continue
		}
		sc.updaters[e.Name] = sched.NewUpdater(e.Name, phase, fn)
		sc.order = append(sc.order, e.Name)
	}

	for _, e := range f.Updaters {
		u, ok := sc.updaters[e.Name]
		if !ok {
			continue
		}
		for _, dep := range e.After {
			p, ok := sc.updaters[dep]
			if !ok {
				continue // prerequisite failed to build, already reported
			}
			if err := sched.UpdateAfter(u, p); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, e := range f.Updaters {
		u, ok := sc.updaters[e.Name]
		if !ok || (e.Enabled != nil && !*e.Enabled) {
			continue
		}
		if err := sched.Enable(u); err != nil {
			errs = append(errs, err)
		}
	}
	log.Info("scene built",
		zap.String("scene", f.Name),
		zap.Int("updaters", len(sc.order)),
		zap.Int("errors", len(errs)))
	return sc, errors.Join(errs...)
}

func (f *File) callback(e UpdaterEntry, scripts ScriptLoader, scriptDir string) (system.UpdateFunc, error) {
	var script system.UpdateFunc
	if e.Script != "" {
		if scripts == nil {
			return nil, errors.New("script given but scripting is not available")
		}
		path := e.Script
		if !filepath.IsAbs(path) {
			path = filepath.Join(scriptDir, path)
		}
		fn, err := scripts.Load(e.Name, path)
		if err != nil {
			return nil, err
		}
		script = fn
	}
	work := e.Work
	switch {
	case script == nil && work == 0:
		return nil, nil // grouping node
	case work == 0:
		return script, nil
	}
	return func(dt time.Duration) error {
		busy(work)
		if script != nil {
			return script(dt)
		}
		return nil
	}, nil
}

// busy spins for d to simulate CPU-bound work without yielding the thread.
func busy(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}
