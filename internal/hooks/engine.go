// Package hooks runs user Lua scripts on orchestrator state transitions.
// Typical scripts blink a status LED or poke a local notifier when the
// device changes mode. Scripts are strictly observers: a failing or slow
// script never affects a transition.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"provisiond/internal/orchestrator"
)

// Config holds hook engine configuration.
type Config struct {
	ScriptsDir    string
	ExecAllowlist []string
	ExecTimeout   time.Duration
}

// hookVM is one loaded script with its registered transition callback.
type hookVM struct {
	name  string
	state *lua.LState
	fn    *lua.LFunction
	mu    sync.Mutex // serializes Lua access
}

// Engine loads scripts and dispatches transition events to them.
type Engine struct {
	orch   *orchestrator.Orchestrator
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	vms   []*hookVM
	unsub func()
}

// NewEngine creates a hook engine.
func NewEngine(orch *orchestrator.Orchestrator, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		orch:   orch,
		cfg:    cfg,
		logger: logger.With("component", "hooks"),
	}
}

// Start loads every .lua file in the scripts directory and subscribes to
// transition events. A script that fails to load is skipped with a log.
func (e *Engine) Start() error {
	entries, err := os.ReadDir(e.cfg.ScriptsDir)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Info("scripts directory absent, hooks disabled", "dir", e.cfg.ScriptsDir)
			return nil
		}
		return fmt.Errorf("read scripts dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		vm, err := e.loadScript(filepath.Join(e.cfg.ScriptsDir, entry.Name()))
		if err != nil {
			e.logger.Error("load hook script", "script", entry.Name(), "err", err)
			continue
		}
		if vm != nil {
			e.mu.Lock()
			e.vms = append(e.vms, vm)
			e.mu.Unlock()
		}
	}

	e.unsub = e.orch.Events().On(orchestrator.EventStateTransition, e.dispatch)
	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("hook engine started", "scripts", n)
	return nil
}

// Stop unsubscribes and closes all VMs.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, vm := range e.vms {
		vm.mu.Lock()
		vm.state.Close()
		vm.mu.Unlock()
	}
	e.vms = nil
	e.logger.Info("hook engine stopped")
}

// loadScript runs the script's top level, which registers its callback via
// provision.on_transition(fn). Scripts that register nothing are dropped.
func (e *Engine) loadScript(path string) (*hookVM, error) {
	L := lua.NewState()
	vm := &hookVM{name: filepath.Base(path), state: L}

	e.registerAPI(L, vm)

	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, err
	}
	if vm.fn == nil {
		e.logger.Warn("hook script registered no on_transition handler", "script", vm.name)
		L.Close()
		return nil, nil
	}
	return vm, nil
}

func (e *Engine) registerAPI(L *lua.LState, vm *hookVM) {
	provision := L.NewTable()
	L.SetGlobal("provision", provision)
	L.SetField(provision, "on_transition", L.NewFunction(func(L *lua.LState) int {
		vm.fn = L.CheckFunction(1)
		return 0
	}))

	system := L.NewTable()
	L.SetGlobal("system", system)
	L.SetField(system, "log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("hook: "+L.CheckString(1), "script", vm.name)
		return 0
	}))
	L.SetField(system, "exec", L.NewFunction(func(L *lua.LState) int {
		return e.luaExec(L, vm)
	}))
}

// luaExec runs an allowlisted command and returns its stdout. Commands
// outside the allowlist are refused and return the empty string.
func (e *Engine) luaExec(L *lua.LState, vm *hookVM) int {
	cmdline := L.CheckString(1)
	parts := strings.Fields(cmdline)
	if len(parts) == 0 {
		L.Push(lua.LString(""))
		return 1
	}
	binary := parts[0]

	allowed := false
	for _, a := range e.cfg.ExecAllowlist {
		if a == binary {
			allowed = true
			break
		}
	}
	if !allowed {
		e.logger.Warn("hook exec blocked: not in allowlist", "script", vm.name, "cmd", binary)
		L.Push(lua.LString(""))
		return 1
	}

	timeout := e.cfg.ExecTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary, parts[1:]...)
	stdout, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			e.logger.Warn("hook exec timeout", "script", vm.name, "cmd", binary)
		} else {
			e.logger.Warn("hook exec failed", "script", vm.name, "cmd", binary, "err", err)
		}
		L.Push(lua.LString(""))
		return 1
	}

	// Cap output at 64KB
	if len(stdout) > 65536 {
		stdout = stdout[:65536]
	}
	L.Push(lua.LString(string(stdout)))
	return 1
}

// dispatch invokes every registered callback with (from, to, trigger).
func (e *Engine) dispatch(evt orchestrator.Event) {
	data, ok := evt.Data.(orchestrator.TransitionData)
	if !ok {
		return
	}

	e.mu.Lock()
	vms := make([]*hookVM, len(e.vms))
	copy(vms, e.vms)
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		L := vm.state
		err := L.CallByParam(lua.P{Fn: vm.fn, NRet: 0, Protect: true},
			lua.LString(data.From), lua.LString(data.To), lua.LString(data.Trigger))
		vm.mu.Unlock()
		if err != nil {
			e.logger.Error("hook script error", "script", vm.name, "err", err)
		}
	}
}
