package runtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/oro-computer/sage/cmdqueue"
	"github.com/oro-computer/sage/fsapi"
	"github.com/oro-computer/sage/metrics"
	"github.com/oro-computer/sage/modules"
)

func newTestPlugin(t *testing.T, pluginSrc string) *Plugin {
	t.Helper()
	dataRoot := t.TempDir()
	t.Setenv("XDG_STATE_HOME", dataRoot)

	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.js")
	if err := os.WriteFile(path, []byte(pluginSrc), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}

	logger := zap.NewNop()
	p, err := New(Deps{
		Path:         path,
		Registry:     modules.NewRegistry(),
		Limits:       &Limits{MemLimitMB: 64, StackLimitKB: 1024},
		Timeouts:     &Timeouts{LoadMS: 500, EventMS: 50},
		AppVersion:   "test-1.0",
		QJSVersion:   "otto-0.4.0",
		ConsoleLevel: 4,
		PluginLog:    logger,
		ScriptLog:    logger,
		ConsoleLogFn: func(string) *zap.Logger { return logger },
		Queue:        cmdqueue.New(),
		Allowlist:    fsapi.NewAllowlist(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestBootstrapCapturesEmitHook(t *testing.T) {
	p := newTestPlugin(t, "globalThis.__ready = true;")
	if err := p.EvalBootstrap(`globalThis.__sage_emit = function(event, payload) { globalThis.__lastEvent = event; };`); err != nil {
		t.Fatalf("EvalBootstrap: %v", err)
	}
	if p.Disabled() {
		t.Fatal("plugin should not be disabled")
	}
}

func TestBootstrapMissingEmitDisables(t *testing.T) {
	p := newTestPlugin(t, "")
	err := p.EvalBootstrap(`globalThis.__notEmit = 1;`)
	if err == nil {
		t.Fatal("expected error for missing __sage_emit")
	}
	if !p.Disabled() {
		t.Fatal("expected plugin to be disabled")
	}
}

func TestLoadAndEmitOpen(t *testing.T) {
	p := newTestPlugin(t, `
		globalThis.__opens = [];
		globalThis.__sage_cmd = function(name, args) { return false; };
	`)
	if err := p.EvalBootstrap(`globalThis.__sage_emit = function(event, payload) {
		if (event === "open") { globalThis.__opens.push(payload.path); }
	};`); err != nil {
		t.Fatalf("EvalBootstrap: %v", err)
	}
	if err := p.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := p.EmitOpen(OpenPayload{Path: "/tmp/a.txt", Tab: 0, TabCount: 1}); err != nil {
		t.Fatalf("EmitOpen: %v", err)
	}
	v, err := p.vm.Run(`globalThis.__opens[0]`)
	if err != nil || v.String() != "/tmp/a.txt" {
		t.Fatalf("opens[0] = %v, %v", v, err)
	}
}

func TestCommandDispatchHandled(t *testing.T) {
	p := newTestPlugin(t, "")
	if err := p.EvalBootstrap(`
		globalThis.__sage_emit = function() {};
		globalThis.__sage_cmd = function(name, args) { return name === "save"; };
	`); err != nil {
		t.Fatalf("EvalBootstrap: %v", err)
	}
	handled, err := p.Command("save", nil)
	if err != nil || !handled {
		t.Fatalf("Command(save) = %v, %v", handled, err)
	}
	handled, err = p.Command("other", nil)
	if err != nil || handled {
		t.Fatalf("Command(other) = %v, %v", handled, err)
	}
}

func TestExecEnqueuesToHostQueue(t *testing.T) {
	p := newTestPlugin(t, "")
	if err := p.EvalBootstrap(`globalThis.__sage_emit = function() {};`); err != nil {
		t.Fatalf("EvalBootstrap: %v", err)
	}
	if _, err := p.vm.Run(`__sage_exec("echo hi")`); err != nil {
		t.Fatalf("__sage_exec: %v", err)
	}
	if p.queue.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", p.queue.Len())
	}
}

func TestDisableClosesInFlightSubprocesses(t *testing.T) {
	p := newTestPlugin(t, "")
	if err := p.EvalBootstrap(`globalThis.__sage_emit = function() {};`); err != nil {
		t.Fatalf("EvalBootstrap: %v", err)
	}
	if _, err := p.StartExec("sleep 5", 0, 0); err != nil {
		t.Fatalf("StartExec: %v", err)
	}
	p.disable("test disable")
	p.mu.Lock()
	n := len(p.subprocesses)
	p.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected subprocesses cleared, got %d", n)
	}
}

func TestRequireResolvesRelativeModule(t *testing.T) {
	dataRoot := t.TempDir()
	t.Setenv("XDG_STATE_HOME", dataRoot)
	dir := t.TempDir()
	helperPath := filepath.Join(dir, "helper.js")
	if err := os.WriteFile(helperPath, []byte(`module.exports = { greet: function() { return "hi"; } };`), 0o644); err != nil {
		t.Fatalf("write helper: %v", err)
	}
	pluginPath := filepath.Join(dir, "plugin.js")
	src := `
		globalThis.__sage_greeting = require("./helper.js").greet();
		globalThis.__sage_cmd = function() { return false; };
	`
	if err := os.WriteFile(pluginPath, []byte(src), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}

	logger := zap.NewNop()
	p, err := New(Deps{
		Path:         pluginPath,
		Registry:     modules.NewRegistry(),
		Limits:       &Limits{MemLimitMB: 64, StackLimitKB: 1024},
		Timeouts:     &Timeouts{LoadMS: 500, EventMS: 50},
		AppVersion:   "test-1.0",
		QJSVersion:   "otto-0.4.0",
		ConsoleLevel: 4,
		PluginLog:    logger,
		ScriptLog:    logger,
		ConsoleLogFn: func(string) *zap.Logger { return logger },
		Queue:        cmdqueue.New(),
		Allowlist:    fsapi.NewAllowlist(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.EvalBootstrap(`globalThis.__sage_emit = function() {};`); err != nil {
		t.Fatalf("EvalBootstrap: %v", err)
	}
	if err := p.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	v, err := p.vm.Run(`globalThis.__sage_greeting`)
	if err != nil || v.String() != "hi" {
		t.Fatalf("greeting = %v, %v", v, err)
	}
}

// TestBusyLoopEventDisablesWithinBudget drives a while(true){} event handler
// through armInterrupt/runProtected end to end: the handler never returns on
// its own, so the only thing that can stop it is the deadline watchdog
// firing the VM interrupt, which must disable the plugin within
// event_timeout_ms plus slack for the watchdog's own polling granularity.
func TestBusyLoopEventDisablesWithinBudget(t *testing.T) {
	dataRoot := t.TempDir()
	t.Setenv("XDG_STATE_HOME", dataRoot)
	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.js")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}

	const eventMS = 25
	logger := zap.NewNop()
	m := metrics.New()
	p, err := New(Deps{
		Path:         path,
		Registry:     modules.NewRegistry(),
		Limits:       &Limits{MemLimitMB: 64, StackLimitKB: 1024},
		Timeouts:     &Timeouts{LoadMS: 500, EventMS: eventMS},
		AppVersion:   "test-1.0",
		QJSVersion:   "otto-0.4.0",
		ConsoleLevel: 4,
		PluginLog:    logger,
		ScriptLog:    logger,
		ConsoleLogFn: func(string) *zap.Logger { return logger },
		Queue:        cmdqueue.New(),
		Allowlist:    fsapi.NewAllowlist(),
		Metrics:      m,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.EvalBootstrap(`globalThis.__sage_emit = function(event, payload) { while (true) {} };`); err != nil {
		t.Fatalf("EvalBootstrap: %v", err)
	}

	start := time.Now()
	err = p.EmitOpen(OpenPayload{Path: "/tmp/a.txt", Tab: 0, TabCount: 1})
	elapsed := time.Since(start)

	const slack = 500 * time.Millisecond
	if elapsed > eventMS*time.Millisecond+slack {
		t.Fatalf("busy loop ran for %v, want disabled within %dms + slack", elapsed, eventMS)
	}
	if err == nil {
		t.Fatal("expected timeout error from busy loop")
	}
	if !p.Disabled() {
		t.Fatal("expected plugin to be disabled after deadline-triggered interrupt")
	}
}

func TestModuleEscapeRejected(t *testing.T) {
	dataRoot := t.TempDir()
	t.Setenv("XDG_STATE_HOME", dataRoot)
	root := t.TempDir()
	pluginDir := filepath.Join(root, "plugindir")
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "secret.js"), []byte("module.exports = {}"), 0o644); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	pluginPath := filepath.Join(pluginDir, "plugin.js")
	if err := os.WriteFile(pluginPath, []byte(`require("../secret.js");`), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}

	logger := zap.NewNop()
	p, err := New(Deps{
		Path:         pluginPath,
		Registry:     modules.NewRegistry(),
		Limits:       &Limits{MemLimitMB: 64, StackLimitKB: 1024},
		Timeouts:     &Timeouts{LoadMS: 500, EventMS: 50},
		PluginLog:    logger,
		ScriptLog:    logger,
		ConsoleLogFn: func(string) *zap.Logger { return logger },
		Queue:        cmdqueue.New(),
		Allowlist:    fsapi.NewAllowlist(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.EvalBootstrap(`globalThis.__sage_emit = function() {};`); err != nil {
		t.Fatalf("EvalBootstrap: %v", err)
	}
	if err := p.Load(); err == nil {
		t.Fatal("expected module escape error")
	}
}
