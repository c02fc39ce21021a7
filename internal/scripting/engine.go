package scripting

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/l1jgo/tickgraph/internal/core/system"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

const apiVersion = 1

// Engine loads Lua updater scripts. Each script gets its own VM, so scripted
// updaters in the same level can run on different workers.
type Engine struct {
	log *zap.Logger

	mu     sync.Mutex
	vms    []*lua.LState
	closed bool
}

func NewEngine(log *zap.Logger) *Engine {
	return &Engine{log: log}
}

// scriptVM is one loaded script. An LState is not goroutine-safe; the updater
// runs at most once per frame but the mutex keeps stray callers out.
type scriptVM struct {
	mu     sync.Mutex
	name   string
	vm     *lua.LState
	update lua.LValue
}

// Load runs the script at path and returns a callback invoking its global
// update(dt) function, dt in seconds. The script sees the globals
// UPDATER (its updater name), API_VERSION and log(msg). If the script
// defines init() it is called once here.
//
// update may return nothing or true for success; false or a string reports
// a failed update.
func (e *Engine) Load(name, path string) (system.UpdateFunc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("scripting engine closed")
	}

	vm := lua.NewState()
	vm.SetGlobal("API_VERSION", lua.LNumber(apiVersion))
	vm.SetGlobal("UPDATER", lua.LString(name))
	vm.SetGlobal("log", vm.NewFunction(e.luaLog(name)))

	if err := vm.DoFile(path); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	fn := vm.GetGlobal("update")
	if fn.Type() != lua.LTFunction {
		vm.Close()
		return nil, fmt.Errorf("load %s: no update function", path)
	}
	if initFn := vm.GetGlobal("init"); initFn.Type() == lua.LTFunction {
		if err := vm.CallByParam(lua.P{Fn: initFn, NRet: 0, Protect: true}); err != nil {
			vm.Close()
			return nil, fmt.Errorf("init %s: %w", path, err)
		}
	}

	e.vms = append(e.vms, vm)
	e.log.Debug("loaded lua script", zap.String("updater", name), zap.String("file", path))
	s := &scriptVM{name: name, vm: vm, update: fn}
	return s.call, nil
}

func (s *scriptVM) call(dt time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.vm.CallByParam(lua.P{
		Fn:      s.update,
		NRet:    1,
		Protect: true,
	}, lua.LNumber(dt.Seconds())); err != nil {
		return fmt.Errorf("lua %s: %w", s.name, err)
	}
	ret := s.vm.Get(-1)
	s.vm.Pop(1)

	switch v := ret.(type) {
	case lua.LString:
		return fmt.Errorf("lua %s: %s", s.name, string(v))
	case lua.LBool:
		if !bool(v) {
			return fmt.Errorf("lua %s: update returned false", s.name)
		}
	}
	return nil
}

func (e *Engine) luaLog(name string) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)
		e.log.Info(msg, zap.String("updater", name))
		return 0
	}
}

// Scripts reports how many scripts are loaded.
func (e *Engine) Scripts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vms)
}

// Close shuts down every Lua VM. Callbacks returned by Load must not be
// invoked afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, vm := range e.vms {
		vm.Close()
	}
	e.vms = nil
	e.closed = true
}
