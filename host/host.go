// Package host implements the process-wide facade (spec §2 component 12,
// §4.10, §4.11, §6): it aggregates plugin runtimes, owns shared state
// (allowlist, command queue, builtin module registry, bootstrap text, log
// router, timeouts, limits), fans events out to every plugin in insertion
// order, dispatches commands, and drives the poll loop that delivers
// async subprocess/fetch completions. The embedder-facing method names
// follow spec §6 directly ("External interfaces"), repurposing the
// teacher's rpc.go request/response idiom as plain Go method signatures
// rather than a net/rpc service.
package host

import (
	"errors"
	"fmt"
	"os"
	"sync"

	roerrors "github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/oro-computer/sage/cmdqueue"
	"github.com/oro-computer/sage/config"
	"github.com/oro-computer/sage/fsapi"
	"github.com/oro-computer/sage/logrouter"
	"github.com/oro-computer/sage/metrics"
	"github.com/oro-computer/sage/modules"
	"github.com/oro-computer/sage/runtime"
)

// AppVersion / QJSVersion are surfaced to __sage_app_version /
// __sage_qjs_version; QJSVersion names the embedded VM even though it is
// otto, not quickjs, preserving the spec's function name as a stable ABI
// surface (spec §4.8 names the function, not a specific engine).
const (
	AppVersion = "sage-plugin-host/0.1.0"
	QJSVersion = "otto/v0.4.0"
)

// Host owns every plugin and all shared state (spec §3 "Host").
type Host struct {
	mu sync.Mutex

	verbose  bool
	disabled bool
	hadError bool

	plugins  []*runtime.Plugin
	reserved int

	queue     *cmdqueue.Queue
	allowlist *fsapi.Allowlist
	registry  *modules.Registry
	logs      *logrouter.Router
	metrics   *metrics.Metrics

	bootstrapSrc string

	limits   runtime.Limits
	timeouts runtime.Timeouts
}

// New constructs a Host (spec §6 "new(verbose)").
func New(verbose bool) *Host {
	h := &Host{
		verbose:   verbose,
		queue:     cmdqueue.New(),
		allowlist: fsapi.NewAllowlist(),
		registry:  modules.NewRegistry(),
		logs:      logrouter.New("", false, verbose),
		metrics:   metrics.New(),
	}
	h.timeouts = runtime.Timeouts{LoadMS: 500, EventMS: 50}
	h.limits = runtime.Limits{MemLimitMB: 64, StackLimitKB: 1024}
	return h
}

// Free tears down every plugin, cancelling and joining all in-flight work
// before returning (spec §8 invariant 5 "no orphans"); the command queue's
// unread tail is freed, matching §4.3's "freeing the host frees only the
// unread tail".
func (h *Host) Free() {
	h.mu.Lock()
	plugins := h.plugins
	h.plugins = nil
	h.mu.Unlock()

	for _, p := range plugins {
		if !p.Disabled() {
			p.EmitQuit()
		}
	}
	h.queue.Free()
	_ = h.logs.Close()
}

// SetTimeoutsMs sets the plugin load and event budgets, in milliseconds
// (spec §6 "set_timeouts_ms").
func (h *Host) SetTimeoutsMs(load, event int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeouts = runtime.Timeouts{LoadMS: load, EventMS: event}
}

// SetLimits sets the VM memory (MB) and stack (KB) caps (spec §6
// "set_limits").
func (h *Host) SetLimits(memMB, stackKB int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.limits = runtime.Limits{MemLimitMB: memMB, StackLimitKB: stackKB}
}

// SetLogPath redirects the log router (spec §6 "set_log_path").
func (h *Host) SetLogPath(path string) {
	h.logs.SetPath(path)
}

// AllowFSReadPath registers a canonical absolute path in the read
// allowlist (spec §6 "allow_fs_read_path").
func (h *Host) AllowFSReadPath(path string) error {
	const op = roerrors.Op("host_allow_fs_read_path")
	if err := h.allowlist.Add(path); err != nil {
		h.latchError()
		return roerrors.E(op, err)
	}
	return nil
}

// ReservePlugins must be called before any plugin is loaded (spec §6,
// §9 "pointer stability vs growable plugin list"); it pre-sizes the
// backing slice so appends never reallocate once a plugin has registered
// back-pointers into the container.
func (h *Host) ReservePlugins(n int) error {
	const op = roerrors.Op("host_reserve_plugins")
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.plugins) > 0 {
		return roerrors.E(op, errors.New("reserve_plugins called after a plugin was already loaded"))
	}
	h.plugins = make([]*runtime.Plugin, 0, n)
	h.reserved = n
	return nil
}

// AddBuiltinModule registers a builtin module (spec §6
// "add_builtin_module", name must begin with `sage:`).
func (h *Host) AddBuiltinModule(name string, src []byte) error {
	const op = roerrors.Op("host_add_builtin_module")
	if err := h.registry.Add(name, src); err != nil {
		h.latchError()
		return roerrors.E(op, err)
	}
	return nil
}

// EvalBootstrap validates the bootstrap text by running it once in a
// throwaway plugin (spec §6 "eval_bootstrap"), then stores it as the
// source every subsequently loaded plugin bootstraps with.
func (h *Host) EvalBootstrap(src string) error {
	const op = roerrors.Op("host_eval_bootstrap")
	// runtime.New realpaths its plugin path, so the throwaway plugin needs
	// a file that exists; an empty temporary script serves as that path.
	probeFile, err := os.CreateTemp("", "sage-bootstrap-probe-*.js")
	if err != nil {
		h.latchError()
		return roerrors.E(op, err)
	}
	probePath := probeFile.Name()
	_ = probeFile.Close()
	defer os.Remove(probePath)

	probe, err := h.newPlugin(probePath)
	if err != nil {
		h.latchError()
		return roerrors.E(op, err)
	}
	if err := probe.EvalBootstrap(src); err != nil {
		h.latchError()
		return roerrors.E(op, err)
	}
	h.mu.Lock()
	h.bootstrapSrc = src
	h.mu.Unlock()
	return nil
}

// EvalFile loads a plugin source file as a new plugin: bootstraps it with
// the stored bootstrap text, then loads the plugin module itself
// (spec §6 "eval_file").
func (h *Host) EvalFile(path string) error {
	const op = roerrors.Op("host_eval_file")
	h.mu.Lock()
	bootstrapSrc := h.bootstrapSrc
	h.mu.Unlock()

	p, err := h.newPlugin(path)
	if err != nil {
		h.latchError()
		return roerrors.E(op, err)
	}
	if err := p.EvalBootstrap(bootstrapSrc); err != nil {
		h.latchError()
		return roerrors.E(op, err)
	}
	if err := p.Load(); err != nil {
		h.latchError()
		return roerrors.E(op, err)
	}

	h.mu.Lock()
	h.plugins = append(h.plugins, p)
	h.mu.Unlock()
	h.metrics.PluginsLoaded.Set(float64(len(h.plugins)))
	return nil
}

// newPlugin constructs one runtime.Plugin wired to this host's shared
// state, wiring its had_error hook back to Host.latchError.
func (h *Host) newPlugin(path string) (*runtime.Plugin, error) {
	h.mu.Lock()
	limits := h.limits
	timeouts := h.timeouts
	h.mu.Unlock()

	p, err := runtime.New(runtime.Deps{
		Path:         path,
		Registry:     h.registry,
		Limits:       &limits,
		Timeouts:     &timeouts,
		Verbose:      h.verbose,
		AppVersion:   AppVersion,
		QJSVersion:   QJSVersion,
		ConsoleLevel: config.ConsoleLevelFromEnv(h.verbose),
		PluginLog:    h.logs.PluginLogger(path),
		ScriptLog:    h.logs.ScriptLogger(path),
		ConsoleLogFn: func(level string) *zap.Logger { return h.logs.ConsoleLogger(level, path) },
		Queue:        h.queue,
		Allowlist:    h.allowlist,
		Metrics:      h.metrics,
	})
	if err != nil {
		return nil, err
	}
	p.SetHadErrorHook(h.latchError)
	return p, nil
}

func (h *Host) latchError() {
	h.mu.Lock()
	h.hadError = true
	h.mu.Unlock()
}

// TakeError returns 1 and clears the latched error bit if set, else 0
// (spec §6 "take_error").
func (h *Host) TakeError() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	v := h.hadError
	h.hadError = false
	return v
}

// --- events (spec §6 "Event payloads") ---

func (h *Host) EmitOpen(path string, tab, tabCount int64) {
	h.forEachEnabled(func(p *runtime.Plugin) {
		_ = p.EmitOpen(runtime.OpenPayload{Path: path, Tab: tab, TabCount: tabCount})
	})
}

func (h *Host) EmitTabChange(from, to, tabCount int64) {
	h.forEachEnabled(func(p *runtime.Plugin) {
		_ = p.EmitTabChange(runtime.TabChangePayload{From: from, To: to, TabCount: tabCount})
	})
}

func (h *Host) EmitSearch(query string, regex, ignoreCase bool) {
	h.forEachEnabled(func(p *runtime.Plugin) {
		_ = p.EmitSearch(runtime.SearchPayload{Query: query, Regex: regex, IgnoreCase: ignoreCase})
	})
}

func (h *Host) EmitCopy(bytes int64) {
	h.forEachEnabled(func(p *runtime.Plugin) {
		_ = p.EmitCopy(bytes)
	})
}

func (h *Host) EmitQuit() {
	h.forEachEnabled(func(p *runtime.Plugin) {
		_ = p.EmitQuit()
	})
}

func (h *Host) forEachEnabled(fn func(*runtime.Plugin)) {
	h.mu.Lock()
	plugins := append([]*runtime.Plugin(nil), h.plugins...)
	h.mu.Unlock()
	for _, p := range plugins {
		if p.Disabled() {
			continue
		}
		fn(p)
	}
}

// Command dispatches name/args to every enabled plugin's command hook,
// returning true if any plugin handled it (spec §6 "command" → logical OR
// across plugins).
func (h *Host) Command(name string, args []string) bool {
	handled := false
	h.forEachEnabled(func(p *runtime.Plugin) {
		ok, err := p.Command(name, args)
		if err == nil && ok {
			handled = true
		}
	})
	return handled
}

// Poll iterates plugins (skipping disabled), polling subprocesses then
// fetches for each (spec §4.10).
func (h *Host) Poll() {
	h.mu.Lock()
	plugins := append([]*runtime.Plugin(nil), h.plugins...)
	h.mu.Unlock()
	for _, p := range plugins {
		if p.Disabled() {
			continue
		}
		p.Poll()
	}
	h.metrics.QueueDepth.Set(float64(h.queue.Len()))
}

// TakeExecCmd implements spec §6 "take_exec_cmd(buf, cap)" via Go's
// return-by-value idiom (cmdqueue.Queue.Take): returns ("", 0, nil) when
// empty, (cmd, len(cmd), nil) when dequeued, or ("", 0, err) when the head
// entry exceeds capBytes, with err naming the required buffer size — the
// entry stays queued and the caller should retry with a larger buffer,
// mirroring the original's negative-length retry protocol.
func (h *Host) TakeExecCmd(capBytes int) (cmd string, length int, err error) {
	s, needed, _ := h.queue.Take(capBytes)
	if needed < 0 {
		h.metrics.QueueRejected.Inc()
		return "", 0, fmt.Errorf("host: command requires a %d-byte buffer", -needed)
	}
	return s, needed, nil
}

// Metrics exposes the host's Prometheus collectors, matching the teacher's
// plugin.go accessor pattern (there named via initMetrics/MetricsCollector).
func (h *Host) Metrics() *metrics.Metrics { return h.metrics }
