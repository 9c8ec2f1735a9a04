// Package runtime implements the per-plugin VM runtime (spec §4.9): otto
// construction, the deadline/interrupt pair wrapped around every VM
// entry, bootstrap/load lifecycle, event emit and command dispatch, and
// poll-driven completion delivery for in-flight subprocesses and fetches.
// It generalizes the teacher's plugin.go acquire/execute/watchdog shape
// from a pooled-VM-per-request model to one persistent VM per plugin.
package runtime

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robertkrimen/otto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oro-computer/sage/clockrand"
	"github.com/oro-computer/sage/cmdqueue"
	"github.com/oro-computer/sage/fetch"
	"github.com/oro-computer/sage/fsapi"
	"github.com/oro-computer/sage/hostapi"
	"github.com/oro-computer/sage/metrics"
	"github.com/oro-computer/sage/modules"
	"github.com/oro-computer/sage/pathutil"
	"github.com/oro-computer/sage/procexec"
)

// Limits bounds a plugin's VM resource use (spec §5). otto has no native
// memory/stack cap hook; MemLimitMB and StackLimitKB are carried for
// parity with the spec's data model but are not enforced, and are not
// exposed to scripts. The only bound on a runaway script is the
// deadline-based preemption that otto does support via its Interrupt
// channel.
type Limits struct {
	MemLimitMB   int
	StackLimitKB int
}

// Timeouts bounds the load and per-event VM budgets, in milliseconds.
type Timeouts struct {
	LoadMS  int
	EventMS int
}

// EventPayload builders match spec §6 "Event payloads" field names.
type OpenPayload struct {
	Path     string
	Tab      int64
	TabCount int64
}

type TabChangePayload struct {
	From, To, TabCount int64
}

type SearchPayload struct {
	Query      string
	Regex      bool
	IgnoreCase bool
}

// Plugin is one loaded plugin: its VM, module root, captured hooks, and
// in-flight subprocess/fetch bookkeeping (spec §3 "Plugin runtime").
type Plugin struct {
	mu sync.Mutex

	id         string
	vm         *otto.Otto
	path       string
	moduleRoot string
	loader     *modules.Loader

	emitFn otto.Value
	cmdFn  otto.Value
	hasCmd bool

	limits   *Limits
	timeouts *Timeouts

	deadlineNS int64
	timedOut   bool
	disabled   bool
	hadError   func()

	verbose       bool
	appVersion    string
	qjsVersion    string
	consoleLevel  int
	pluginLog     *zap.Logger
	scriptLog     *zap.Logger
	consoleLogFn  func(level string) *zap.Logger

	queue    *cmdqueue.Queue
	env      map[string]string
	envMu    sync.Mutex
	fs       *fsapi.FS
	dataDir  *fsapi.DataDir
	fetchSup *fetch.Supervisor

	metrics *metrics.Metrics

	subprocesses []*procexec.Record
	fetches      []*fetch.Record

	execStart  map[*procexec.Record]int64
	fetchStart map[*fetch.Record]int64
}

// Deps bundles everything a Plugin needs from the host facade, kept
// separate from Plugin's fields so New's signature stays readable.
type Deps struct {
	Path         string
	Registry     *modules.Registry
	Limits       *Limits
	Timeouts     *Timeouts
	Verbose      bool
	AppVersion   string
	QJSVersion   string
	ConsoleLevel int
	PluginLog    *zap.Logger
	ScriptLog    *zap.Logger
	ConsoleLogFn func(level string) *zap.Logger
	Queue        *cmdqueue.Queue
	Allowlist    *fsapi.Allowlist
	Metrics      *metrics.Metrics
}

// New constructs a plugin runtime: a fresh VM, its module loader confined
// to the plugin's root (dirname of the realpath'd source, spec §3), and
// the full host API surface injected (spec §4.9 "Init").
func New(deps Deps) (*Plugin, error) {
	real, err := pathutil.Realpath(deps.Path)
	if err != nil {
		return nil, fmt.Errorf("runtime: resolve plugin path: %w", err)
	}

	id := uuid.New().String()
	p := &Plugin{
		id:           id,
		vm:           otto.New(),
		path:         real,
		moduleRoot:   parentDir(real),
		limits:       deps.Limits,
		timeouts:     deps.Timeouts,
		emitFn:       otto.UndefinedValue(),
		cmdFn:        otto.UndefinedValue(),
		verbose:      deps.Verbose,
		appVersion:   deps.AppVersion,
		qjsVersion:   deps.QJSVersion,
		consoleLevel: deps.ConsoleLevel,
		pluginLog:    deps.PluginLog.With(zap.String("plugin_id", id)),
		scriptLog:    deps.ScriptLog.With(zap.String("plugin_id", id)),
		consoleLogFn: deps.ConsoleLogFn,
		queue:        deps.Queue,
		env:          make(map[string]string),
		fetchSup:     fetch.NewSupervisor(),
		metrics:      deps.Metrics,
		execStart:    make(map[*procexec.Record]int64),
		fetchStart:   make(map[*fetch.Record]int64),
	}
	p.loader = modules.NewLoader(p.moduleRoot, deps.Registry)
	p.dataDir = fsapi.NewDataDir(fsapi.PluginID(real))
	p.fs = fsapi.New(deps.Allowlist, p.dataDir)

	p.vm.Interrupt = make(chan func(), 1)

	if err := hostapi.New(p).Inject(p.vm); err != nil {
		return nil, fmt.Errorf("runtime: inject host API: %w", err)
	}
	return p, nil
}

func parentDir(path string) string {
	dir := path
	for i := len(dir) - 1; i >= 0; i-- {
		if dir[i] == '/' {
			return dir[:i]
		}
	}
	return "."
}

// SetHadErrorHook wires the host facade's had_error latch (spec §3 Host
// flag `had_error`), called whenever this plugin disables itself.
func (p *Plugin) SetHadErrorHook(fn func()) { p.hadError = fn }

// Disabled reports whether this plugin has been permanently disabled.
func (p *Plugin) Disabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled
}

// ID returns this plugin instance's correlation ID, attached to every
// pluginLog/scriptLog line so entries from concurrently loaded plugins can
// be told apart.
func (p *Plugin) ID() string { return p.id }

// --- deadline-based preemption (spec §4.1) ---

func (p *Plugin) beginBudget(ms int) {
	p.timedOut = false
	if ms <= 0 {
		p.deadlineNS = 0
		return
	}
	p.deadlineNS = clockrand.NowNS() + int64(ms)*1_000_000
}

func (p *Plugin) endBudget() {
	p.deadlineNS = 0
}

// armInterrupt installs a one-shot watchdog goroutine that fires the VM's
// interrupt hook once the plugin's deadline passes. Every VM entry point
// must call this immediately before invoking the VM and stop it via the
// returned func immediately after, matching spec §4.1's begin/end pairing
// and §9's note that any re-entrant host→VM call must install its own
// budget (this function is the mechanism every entry point below uses).
func (p *Plugin) armInterrupt() func() {
	if p.deadlineNS == 0 {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
				if clockrand.NowNS() >= p.deadlineNS {
					p.timedOut = true
					select {
					case p.vm.Interrupt <- func() {
						panic("runtime: deadline exceeded")
					}:
					default:
					}
					return
				}
			}
		}
	}()
	return func() {
		close(stop)
		// Drain a stale interrupt func that may have been sent just as
		// the entry finished on its own, so it cannot misfire on a later,
		// unrelated VM entry (the channel is buffered size 1).
		select {
		case <-p.vm.Interrupt:
		default:
		}
	}
}

// runProtected evaluates fn under the current deadline, recovering the
// otto interrupt panic and any other script panic into an error, mirroring
// the interrupt-driven abort in sage_qjs_interrupt_handler.
func (p *Plugin) runProtected(fn func() (otto.Value, error)) (val otto.Value, err error) {
	defer func() {
		if caught := recover(); caught != nil {
			if p.timedOut {
				err = fmt.Errorf("runtime: timed out")
				return
			}
			err = fmt.Errorf("runtime: panic: %v", caught)
		}
	}()
	return fn()
}

// afterEntry implements spec §4.9's "After every VM entry" checklist:
// check timed_out and disable, check exception and dump, drain jobs
// (otto has no microtask queue to drain; this is a documented no-op
// retained for parity with the spec's contract), end budget.
func (p *Plugin) afterEntry(err error) {
	if p.timedOut {
		p.disable("timed out")
	}
	if err != nil && !p.disabled {
		p.dumpException(err)
	}
	p.endBudget()
}

func (p *Plugin) dumpException(err error) {
	if p.hadError != nil {
		p.hadError()
	}
	p.pluginLog.Error("exception", zap.Error(err))
}

// disable implements spec §4.11: log once, set disabled, latch had_error,
// release all in-flight work. Irreversible for the session.
func (p *Plugin) disable(reason string) {
	p.mu.Lock()
	if p.disabled {
		p.mu.Unlock()
		return
	}
	p.disabled = true
	p.mu.Unlock()

	p.pluginLog.Error("plugin disabled", zap.String("reason", reason), zap.String("path", p.path))
	if p.metrics != nil {
		p.metrics.PluginsDisabled.WithLabelValues(reason).Inc()
	}
	if p.hadError != nil {
		p.hadError()
	}
	p.queue.Disable()
	p.closeInFlight()
}

// closeInFlight cancels and joins all fetches and kills all subprocesses,
// matching spec §4.11 "close()".
func (p *Plugin) closeInFlight() {
	p.mu.Lock()
	subs := p.subprocesses
	p.subprocesses = nil
	fetches := p.fetches
	p.fetches = nil
	for _, r := range subs {
		delete(p.execStart, r)
	}
	for _, r := range fetches {
		delete(p.fetchStart, r)
	}
	p.mu.Unlock()

	for _, r := range subs {
		r.Kill()
	}
	for _, r := range fetches {
		p.fetchSup.Abort(r.ID)
		r.Join()
	}
}

// --- bootstrap / load (spec §4.9) ---

// EvalBootstrap evaluates the host-supplied bootstrap text under the load
// budget, then captures globalThis.__sage_emit / globalThis.__sage_cmd.
// A missing or non-callable emit hook disables the plugin (spec §4.9).
func (p *Plugin) EvalBootstrap(source string) error {
	if p.Disabled() {
		return fmt.Errorf("runtime: plugin already disabled")
	}

	p.beginBudget(p.timeouts.LoadMS)
	stop := p.armInterrupt()
	_, err := p.runProtected(func() (otto.Value, error) {
		return p.vm.Run(source)
	})
	stop()
	p.afterEntry(err)
	if p.Disabled() {
		return err
	}
	if err != nil {
		return err
	}

	emit, emitErr := p.vm.Get("__sage_emit")
	if emitErr != nil || !emit.IsFunction() {
		p.disable("bootstrap missing __sage_emit")
		return fmt.Errorf("runtime: bootstrap missing __sage_emit")
	}
	p.emitFn = emit

	if cmd, cmdErr := p.vm.Get("__sage_cmd"); cmdErr == nil && cmd.IsFunction() {
		p.cmdFn = cmd
		p.hasCmd = true
	}
	return nil
}

// Load compiles and evaluates the plugin source as a module (conceptually
// — otto has no ES module support, so "compile as module" is translated
// to otto.Compile + Run against the plugin's own file; relative imports
// inside it resolve through require(), wired below). Spec §4.9 "top-level
// await" has no analog in otto (no native Promise machinery at all), so
// that disable condition can never trigger here; documented rather than
// implemented, since otto scripts cannot produce a pending promise value.
func (p *Plugin) Load() error {
	if p.Disabled() {
		return fmt.Errorf("runtime: plugin already disabled")
	}

	src, err := os.ReadFile(p.path)
	if err != nil {
		p.pluginLog.Error("failed to read plugin", zap.String("path", p.path), zap.Error(err))
		if p.hadError != nil {
			p.hadError()
		}
		return err
	}

	script, err := p.vm.Compile(p.path, src)
	if err != nil {
		return fmt.Errorf("runtime: compile %s: %w", p.path, err)
	}

	if err := p.installRequire(); err != nil {
		return err
	}

	p.beginBudget(p.timeouts.LoadMS)
	stop := p.armInterrupt()
	_, runErr := p.runProtected(func() (otto.Value, error) {
		return p.vm.Run(script)
	})
	stop()
	p.afterEntry(runErr)
	if runErr != nil && !p.Disabled() {
		return runErr
	}
	return nil
}

// installRequire wires a CommonJS-style require(specifier) global as the
// idiomatic otto stand-in for ES module import/export, since otto's
// parser (goja/otto both target ES5) does not accept `import`/`export`
// syntax. Plugins written against SPEC_FULL.md's module semantics use
// require() for both builtin ("sage:...") and relative specifiers; the
// loader does the same normalization/containment work spec §4.4
// describes regardless of which syntax form reaches it.
func (p *Plugin) installRequire() error {
	cache := make(map[string]otto.Value)
	fn := func(call otto.FunctionCall) otto.Value {
		specifier := call.Argument(0).String()
		resolved, err := p.loader.Normalize(p.path, specifier)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		key := resolved.Name
		if !resolved.Builtin {
			key = resolved.Path
		}
		if v, ok := cache[key]; ok {
			return v
		}
		src, err := p.loader.Load(resolved)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		moduleObj, _ := call.Otto.Object(`({exports: {}})`)
		cache[key] = otto.UndefinedValue() // break require cycles before eval
		// "require" is already a VM global (set once below), so the wrapper
		// only needs to shadow module/exports — the inner script's calls to
		// require(...) resolve through the same global closure.
		wrapped := "(function(module, exports) {\n" + string(src) + "\n})"
		wrapperFn, err := call.Otto.Run(wrapped)
		if err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		exportsVal, _ := moduleObj.Get("exports")
		if _, err := wrapperFn.Call(otto.UndefinedValue(), moduleObj, exportsVal); err != nil {
			panic(call.Otto.MakeCustomError("Error", err.Error()))
		}
		result, _ := moduleObj.Get("exports")
		cache[key] = result
		return result
	}
	return p.vm.Set("require", fn)
}

// --- event emit / command dispatch (spec §4.9 "Event emit") ---

func (p *Plugin) emit(event string, payload func(*otto.Otto) otto.Value) error {
	if p.Disabled() || !p.emitFn.IsFunction() {
		return nil
	}

	start := clockrand.NowNS()
	p.beginBudget(p.timeouts.EventMS)
	stop := p.armInterrupt()
	_, err := p.runProtected(func() (otto.Value, error) {
		var pv otto.Value
		if payload != nil {
			pv = payload(p.vm)
		} else {
			pv = otto.UndefinedValue()
		}
		return p.emitFn.Call(otto.UndefinedValue(), event, pv)
	})
	stop()
	p.afterEntry(err)
	p.recordEvent(event, err, start)
	return err
}

// recordEvent wires spec §2's Prometheus parity commitment: every emitted
// event and command dispatch counts toward EventsTotal/EventDuration,
// labeled by outcome so a scrape can distinguish a steady disable rate from
// a transient error spike.
func (p *Plugin) recordEvent(event string, err error, startNS int64) {
	if p.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.EventsTotal.WithLabelValues(event, status).Inc()
	p.metrics.EventDuration.WithLabelValues(event).Observe(float64(clockrand.NowNS()-startNS) / 1e9)
}

func (p *Plugin) EmitOpen(payload OpenPayload) error {
	return p.emit("open", func(vm *otto.Otto) otto.Value {
		o, _ := vm.Object(`({})`)
		_ = o.Set("path", payload.Path)
		_ = o.Set("tab", payload.Tab)
		_ = o.Set("tab_count", payload.TabCount)
		return o.Value()
	})
}

func (p *Plugin) EmitTabChange(payload TabChangePayload) error {
	return p.emit("tab_change", func(vm *otto.Otto) otto.Value {
		o, _ := vm.Object(`({})`)
		_ = o.Set("from", payload.From)
		_ = o.Set("to", payload.To)
		_ = o.Set("tab_count", payload.TabCount)
		return o.Value()
	})
}

func (p *Plugin) EmitSearch(payload SearchPayload) error {
	return p.emit("search", func(vm *otto.Otto) otto.Value {
		o, _ := vm.Object(`({})`)
		_ = o.Set("query", payload.Query)
		_ = o.Set("regex", payload.Regex)
		_ = o.Set("ignore_case", payload.IgnoreCase)
		return o.Value()
	})
}

func (p *Plugin) EmitCopy(bytes int64) error {
	return p.emit("copy", func(vm *otto.Otto) otto.Value {
		o, _ := vm.Object(`({})`)
		_ = o.Set("bytes", bytes)
		return o.Value()
	})
}

func (p *Plugin) EmitQuit() error {
	return p.emit("quit", nil)
}

// Command dispatches (name, args) to the optional command hook, returning
// whether this plugin "handled" it (spec §4.9 "Command dispatch").
func (p *Plugin) Command(name string, args []string) (handled bool, err error) {
	if p.Disabled() || !p.hasCmd {
		return false, nil
	}

	start := clockrand.NowNS()
	p.beginBudget(p.timeouts.EventMS)
	stop := p.armInterrupt()
	val, runErr := p.runProtected(func() (otto.Value, error) {
		argv, _ := p.vm.ToValue(args)
		return p.cmdFn.Call(otto.UndefinedValue(), name, argv)
	})
	stop()
	p.afterEntry(runErr)
	p.recordEvent("command:"+name, runErr, start)
	if runErr != nil {
		return false, runErr
	}
	return val.ToBoolean(), nil
}

// --- poll-driven completion (spec §4.10) ---

// Poll drains subprocesses then fetches for this plugin, in that order,
// delivering completions as further calls to the captured __sage_emit hook
// (the otto stand-in for native promise resolution — otto has no microtask
// queue): a finished subprocess is emitted as "exec_resolve" or
// "exec_reject" with its result payload, and a finished fetch as
// "fetch_resolve" or "fetch_reject" with its fetch id and payload.
func (p *Plugin) Poll() {
	if p.Disabled() {
		return
	}
	p.pollSubprocesses()
	p.pollFetches()
}

func (p *Plugin) pollSubprocesses() {
	p.mu.Lock()
	subs := append([]*procexec.Record(nil), p.subprocesses...)
	p.mu.Unlock()

	var remaining []*procexec.Record
	for _, r := range subs {
		if r.Poll() {
			p.completeExec(r)
			continue
		}
		remaining = append(remaining, r)
	}
	p.mu.Lock()
	p.subprocesses = remaining
	p.mu.Unlock()
}

func (p *Plugin) completeExec(r *procexec.Record) {
	res, reject := r.Result()
	p.recordExec(r, res.TimedOut, reject)
	if p.Disabled() {
		return
	}
	p.beginBudget(p.timeouts.EventMS)
	stop := p.armInterrupt()
	_, err := p.runProtected(func() (otto.Value, error) {
		payload, _ := p.vm.Object(`({})`)
		_ = payload.Set("code", res.Code)
		_ = payload.Set("stdout", string(res.Stdout))
		_ = payload.Set("stderr", string(res.Stderr))
		_ = payload.Set("timedOut", res.TimedOut)
		_ = payload.Set("truncated", res.Truncated)
		_ = payload.Set("signal", res.Signal)
		eventName := "exec_resolve"
		if reject {
			eventName = "exec_reject"
		}
		if !p.emitFn.IsFunction() {
			return otto.UndefinedValue(), nil
		}
		return p.emitFn.Call(otto.UndefinedValue(), eventName, payload)
	})
	stop()
	p.afterEntry(err)
}

// recordExec wires ExecTotal/ExecDuration at the single choke point where
// every subprocess completion passes through, regardless of whether the
// plugin is still alive to receive the exec_resolve/exec_reject callback.
func (p *Plugin) recordExec(r *procexec.Record, timedOut, reject bool) {
	p.mu.Lock()
	start, ok := p.execStart[r]
	delete(p.execStart, r)
	p.mu.Unlock()
	if p.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case timedOut:
		status = "timeout"
	case reject:
		status = "error"
	}
	p.metrics.ExecTotal.WithLabelValues(status).Inc()
	if ok {
		p.metrics.ExecDuration.Observe(float64(clockrand.NowNS()-start) / 1e9)
	}
}

func (p *Plugin) pollFetches() {
	p.mu.Lock()
	fetches := append([]*fetch.Record(nil), p.fetches...)
	p.mu.Unlock()

	var remaining []*fetch.Record
	for _, r := range fetches {
		if !r.Done() {
			remaining = append(remaining, r)
			continue
		}
		p.completeFetch(r)
	}
	p.mu.Lock()
	p.fetches = remaining
	p.mu.Unlock()
}

func (p *Plugin) completeFetch(r *fetch.Record) {
	if p.Disabled() {
		return
	}
	resp, errMsg, aborted := r.Outcome()
	p.recordFetch(r, errMsg != "")
	p.beginBudget(p.timeouts.EventMS)
	stop := p.armInterrupt()
	_, err := p.runProtected(func() (otto.Value, error) {
		if errMsg != "" {
			payload, _ := p.vm.Object(`({})`)
			_ = payload.Set("status", resp.Status)
			_ = payload.Set("url", resp.URL)
			_ = payload.Set("truncated", resp.Truncated)
			if aborted {
				_ = payload.Set("name", "AbortError")
			}
			_ = payload.Set("message", errMsg)
			if !p.emitFn.IsFunction() {
				return otto.UndefinedValue(), nil
			}
			return p.emitFn.Call(otto.UndefinedValue(), "fetch_reject", r.ID, payload)
		}
		payload, _ := p.vm.Object(`({})`)
		_ = payload.Set("status", resp.Status)
		_ = payload.Set("statusText", resp.StatusText)
		_ = payload.Set("url", resp.URL)
		headers, _ := p.vm.Object(`([])`)
		for i, h := range resp.Headers {
			pair, _ := p.vm.Object(`([])`)
			_ = pair.Set("0", h.Name)
			_ = pair.Set("1", h.Value)
			_ = headers.Set(fmt.Sprintf("%d", i), pair)
		}
		_ = payload.Set("headers", headers)
		_ = payload.Set("body", string(resp.Body))
		_ = payload.Set("truncated", resp.Truncated)
		if !p.emitFn.IsFunction() {
			return otto.UndefinedValue(), nil
		}
		return p.emitFn.Call(otto.UndefinedValue(), "fetch_resolve", r.ID, payload)
	})
	stop()
	p.afterEntry(err)
	p.fetchSup.Forget(r.ID)
}

// recordFetch wires FetchTotal/FetchDuration at the single choke point
// every fetch completion passes through.
func (p *Plugin) recordFetch(r *fetch.Record, failed bool) {
	p.mu.Lock()
	start, ok := p.fetchStart[r]
	delete(p.fetchStart, r)
	p.mu.Unlock()
	if p.metrics == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
	}
	p.metrics.FetchTotal.WithLabelValues(status).Inc()
	if ok {
		p.metrics.FetchDuration.Observe(float64(clockrand.NowNS()-start) / 1e9)
	}
}

// --- hostapi.Host implementation ---

func (p *Plugin) ConsoleLogger(level string) *zap.Logger { return p.consoleLogFn(level) }
func (p *Plugin) ScriptLogger() *zap.Logger              { return p.scriptLog }
func (p *Plugin) ConsoleThreshold() int                  { return p.consoleLevel }

func (p *Plugin) ReportException(v otto.Value) {
	if p.hadError != nil {
		p.hadError()
	}
	msg := v.String()
	if p.verbose {
		if obj := v; obj.IsObject() {
			if stack, err := obj.Object().Get("stack"); err == nil && stack.IsDefined() {
				p.pluginLog.Error("exception", zap.String("value", msg), zap.String("stack", stack.String()))
				return
			}
		}
	}
	p.pluginLog.Error("exception", zap.String("value", msg))
}

func (p *Plugin) EnvGet(name string) (string, bool) {
	p.envMu.Lock()
	defer p.envMu.Unlock()
	if v, ok := p.env[name]; ok {
		return v, true
	}
	v, ok := os.LookupEnv(name)
	return v, ok
}

func (p *Plugin) EnvSet(name, value string, overwrite bool) bool {
	p.envMu.Lock()
	defer p.envMu.Unlock()
	if !overwrite {
		if _, ok := p.env[name]; ok {
			return false
		}
		if _, ok := os.LookupEnv(name); ok {
			return false
		}
	}
	p.env[name] = value
	return true
}

func (p *Plugin) EnvUnset(name string) {
	p.envMu.Lock()
	defer p.envMu.Unlock()
	delete(p.env, name)
}

func (p *Plugin) AppVersion() string { return p.appVersion }
func (p *Plugin) QJSVersion() string { return p.qjsVersion }

func (p *Plugin) ProcessPID() int  { return os.Getpid() }
func (p *Plugin) ProcessPPID() int { return os.Getppid() }
func (p *Plugin) ProcessCWD() (string, error) { return os.Getwd() }

func (p *Plugin) Enqueue(cmd string) error {
	return p.queue.Enqueue(cmd)
}

func (p *Plugin) StartExec(cmd string, timeoutMs, maxBytes int) (*procexec.Record, error) {
	r, err := procexec.Start(cmd, timeoutMs, maxBytes)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.subprocesses = append(p.subprocesses, r)
	p.execStart[r] = clockrand.NowNS()
	p.mu.Unlock()
	return r, nil
}

func (p *Plugin) SubmitFetch(req fetch.Request) *fetch.Record {
	r := p.fetchSup.Submit(req)
	p.mu.Lock()
	p.fetches = append(p.fetches, r)
	p.fetchStart[r] = clockrand.NowNS()
	p.mu.Unlock()
	return r
}

func (p *Plugin) AbortFetch(id uint64) bool {
	return p.fetchSup.Abort(id)
}

func (p *Plugin) FS() *fsapi.FS { return p.fs }

func (p *Plugin) DataDir() (string, error) {
	return p.fs.DataDirPath()
}
