// Package hostapi injects the fixed host API surface (spec §4.8) into a
// plugin's otto VM global object, generalizing the teacher's
// Bindings/*Binding struct-per-concern injection pattern from {log,
// metrics} to console, log, exec, env, version, random, clock, process,
// fetch, and the scoped filesystem.
package hostapi

import (
	"fmt"
	"strings"

	"github.com/robertkrimen/otto"
	"go.uber.org/zap"

	"github.com/oro-computer/sage/clockrand"
	"github.com/oro-computer/sage/fetch"
	"github.com/oro-computer/sage/fsapi"
	"github.com/oro-computer/sage/procexec"
)

// Host is the subset of a plugin runtime's state the bindings need. It is
// satisfied by *runtime.Plugin; kept as an interface here so hostapi does
// not import runtime (which imports hostapi), avoiding a cycle.
type Host interface {
	ConsoleLogger(level string) *zap.Logger
	ScriptLogger() *zap.Logger
	ReportException(v otto.Value)
	ConsoleThreshold() int

	EnvGet(name string) (string, bool)
	EnvSet(name, value string, overwrite bool) bool
	EnvUnset(name string)

	AppVersion() string
	QJSVersion() string

	ProcessPID() int
	ProcessPPID() int
	ProcessCWD() (string, error)

	// Enqueue pushes a shell-command string onto the host's command queue
	// (spec §4.8 __sage_exec), distinct from StartExec's subprocess fork.
	Enqueue(cmd string) error

	StartExec(cmd string, timeoutMs, maxBytes int) (*procexec.Record, error)

	SubmitFetch(req fetch.Request) *fetch.Record
	AbortFetch(id uint64) bool

	FS() *fsapi.FS
	DataDir() (string, error)
}

// Bindings holds every function group injected into one plugin's VM.
type Bindings struct {
	host Host
}

// New constructs the bindings for one plugin runtime.
func New(host Host) *Bindings {
	return &Bindings{host: host}
}

// Inject defines every name in spec §4.8 directly on the VM's global
// object under its flat "__sage_*" name (the spec requires exactly these
// names on the global, not nested under an object, unlike the teacher's
// `log.info` sub-object convention).
func (b *Bindings) Inject(vm *otto.Otto) error {
	sets := map[string]interface{}{
		"__sage_console":             b.console,
		"__sage_log":                 b.log,
		"__sage_report_exception":    b.reportException,
		"__sage_exec":                b.exec,
		"__sage_env_get":             b.envGet,
		"__sage_env_set":             b.envSet,
		"__sage_env_unset":           b.envUnset,
		"__sage_app_version":         b.appVersion,
		"__sage_qjs_version":         b.qjsVersion,
		"__sage_crypto_random_bytes": b.cryptoRandomBytes,
		"__sage_performance_now":     b.performanceNow,
		"__sage_process_pid":         b.processPID,
		"__sage_process_ppid":        b.processPPID,
		"__sage_process_cwd":         b.processCWD,
		"__sage_process_exec":        b.processExec,
		"__sage_fetch":               b.fetch,
		"__sage_fetch_abort":         b.fetchAbort,
		"__sage_fs_data_dir":         b.fsDataDir,
		"__sage_fs_exists":           b.fsExists,
		"__sage_fs_read_text":        b.fsReadText,
		"__sage_fs_read_bytes":       b.fsReadBytes,
		"__sage_fs_read_data_text":   b.fsReadDataText,
		"__sage_fs_read_data_bytes":  b.fsReadDataBytes,
		"__sage_fs_write_data_text":  b.fsWriteDataText,
		"__sage_fs_write_data_bytes": b.fsWriteDataBytes,
		"__sage_fs_list_data":        b.fsListData,
	}
	for name, fn := range sets {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("hostapi: inject %s: %w", name, err)
		}
	}
	return nil
}

// --- console / log ---

var consoleLevelNames = []string{"error", "warn", "info", "verbose", "debug"}

// console implements __sage_console(level, ...args): level is an integer
// 0..4 (error..debug); messages above the configured threshold are
// suppressed entirely (spec §4.8).
func (b *Bindings) console(call otto.FunctionCall) otto.Value {
	level := int(call.Argument(0).ToInteger())
	if level < 0 || level > 4 || level > b.host.ConsoleThreshold() {
		return otto.UndefinedValue()
	}
	name := "log"
	if level >= 0 && level < len(consoleLevelNames) {
		name = consoleLevelNames[level]
	}
	msg := joinArgs(call.ArgumentList[1:])
	logger := b.host.ConsoleLogger(name)
	switch {
	case level == 0:
		logger.Error(msg)
	case level == 1:
		logger.Warn(msg)
	default:
		logger.Info(msg)
	}
	return otto.UndefinedValue()
}

// log implements __sage_log(...args): unconditional script-originated
// logging, distinct from the threshold-gated console (spec §4.8, §4.2
// "sage[js:<path>]").
func (b *Bindings) log(call otto.FunctionCall) otto.Value {
	b.host.ScriptLogger().Info(joinArgs(call.ArgumentList))
	return otto.UndefinedValue()
}

// reportException implements __sage_report_exception(err?): routes an
// in-script caught exception through the same dump path as an uncaught
// one (spec §4.9 "Exception dump").
func (b *Bindings) reportException(call otto.FunctionCall) otto.Value {
	b.host.ReportException(call.Argument(0))
	return otto.UndefinedValue()
}

func joinArgs(args []otto.Value) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, " ")
}

// --- exec / env / version / random / clock / process ---

// exec implements __sage_exec(cmd): enqueues a shell command for the
// embedder to drain via take_exec_cmd (spec §4.3), distinct from the
// subprocess fork performed by __sage_process_exec.
func (b *Bindings) exec(call otto.FunctionCall) otto.Value {
	cmd := call.Argument(0).String()
	if err := b.host.Enqueue(cmd); err != nil {
		panic(call.Otto.MakeCustomError("Error", err.Error()))
	}
	return otto.UndefinedValue()
}

func (b *Bindings) envGet(call otto.FunctionCall) otto.Value {
	name := call.Argument(0).String()
	v, ok := b.host.EnvGet(name)
	if !ok {
		return otto.UndefinedValue()
	}
	val, _ := call.Otto.ToValue(v)
	return val
}

func (b *Bindings) envSet(call otto.FunctionCall) otto.Value {
	name := call.Argument(0).String()
	value := call.Argument(1).String()
	overwrite := true
	if len(call.ArgumentList) > 2 {
		overwrite = call.Argument(2).ToBoolean()
	}
	ok := b.host.EnvSet(name, value, overwrite)
	val, _ := call.Otto.ToValue(ok)
	return val
}

func (b *Bindings) envUnset(call otto.FunctionCall) otto.Value {
	b.host.EnvUnset(call.Argument(0).String())
	return otto.UndefinedValue()
}

func (b *Bindings) appVersion(call otto.FunctionCall) otto.Value {
	v, _ := call.Otto.ToValue(b.host.AppVersion())
	return v
}

func (b *Bindings) qjsVersion(call otto.FunctionCall) otto.Value {
	v, _ := call.Otto.ToValue(b.host.QJSVersion())
	return v
}

// cryptoRandomBytes implements __sage_crypto_random_bytes(len): returns a
// VM-accounted byte buffer (an otto ArrayBuffer-less VM represents it as
// an Array of byte values, since otto predates typed arrays; §4.8 caps len
// at 1 MiB).
func (b *Bindings) cryptoRandomBytes(call otto.FunctionCall) otto.Value {
	const maxLen = 1 << 20
	n := int(call.Argument(0).ToInteger())
	if n < 0 {
		n = 0
	}
	if n > maxLen {
		n = maxLen
	}
	buf, err := clockrand.RandomBytes(n)
	if err != nil {
		panic(call.Otto.MakeCustomError("Error", err.Error()))
	}
	return bytesToOttoArray(call.Otto, buf)
}

func (b *Bindings) performanceNow(call otto.FunctionCall) otto.Value {
	v, _ := call.Otto.ToValue(clockrand.PerformanceNowMS())
	return v
}

func (b *Bindings) processPID(call otto.FunctionCall) otto.Value {
	v, _ := call.Otto.ToValue(b.host.ProcessPID())
	return v
}

func (b *Bindings) processPPID(call otto.FunctionCall) otto.Value {
	v, _ := call.Otto.ToValue(b.host.ProcessPPID())
	return v
}

func (b *Bindings) processCWD(call otto.FunctionCall) otto.Value {
	cwd, err := b.host.ProcessCWD()
	if err != nil {
		panic(call.Otto.MakeCustomError("Error", err.Error()))
	}
	v, _ := call.Otto.ToValue(cwd)
	return v
}

// processExec implements __sage_process_exec(cmd, timeoutMs?, maxBytes?):
// starts a subprocess via procexec and registers it with the runtime for
// poll-driven completion. otto has no native Promise, so this binding only
// starts the record and returns the child's PID; the result arrives later,
// during the runtime's Poll, as an "exec_resolve" or "exec_reject" event on
// __sage_emit. That event's payload does not include the PID.
func (b *Bindings) processExec(call otto.FunctionCall) otto.Value {
	cmd := call.Argument(0).String()
	timeoutMs := 0
	if len(call.ArgumentList) > 1 && !call.Argument(1).IsUndefined() {
		timeoutMs = int(call.Argument(1).ToInteger())
	}
	maxBytes := 0
	if len(call.ArgumentList) > 2 && !call.Argument(2).IsUndefined() {
		maxBytes = int(call.Argument(2).ToInteger())
	}
	rec, err := b.host.StartExec(cmd, timeoutMs, maxBytes)
	if err != nil {
		panic(call.Otto.MakeCustomError("Error", err.Error()))
	}
	v, _ := call.Otto.ToValue(rec.PID())
	return v
}

// fetch implements __sage_fetch(url, opts?): validates and submits the
// request, returning its monotonic fetch id; resolution happens later via
// the runtime's callback-invocation poll tick (spec §4.6, §5 "promises
// resolve later, during a subsequent poll() tick").
func (b *Bindings) fetch(call otto.FunctionCall) otto.Value {
	url := call.Argument(0).String()
	opts := call.Argument(1)

	method := "GET"
	var headers []fetch.Header
	var body []byte
	timeoutMs, maxBytes := 0, 0
	followRedirects, followSet := true, false

	if opts.IsObject() {
		o := opts.Object()
		if v, err := o.Get("method"); err == nil && !v.IsUndefined() {
			method = v.String()
		}
		if v, err := o.Get("headers"); err == nil && v.IsObject() {
			headers = parseHeaders(v)
		}
		if v, err := o.Get("body"); err == nil && !v.IsUndefined() {
			if v.IsString() {
				body = []byte(v.String())
			} else if v.IsObject() && v.Object().Class() == "Array" {
				body = ottoArrayToBytes(v)
			} else {
				panic(call.Otto.MakeCustomError("Error", "fetch: body must be a string or a byte array"))
			}
		}
		if v, err := o.Get("timeoutMs"); err == nil && !v.IsUndefined() {
			timeoutMs = int(v.ToInteger())
		}
		if v, err := o.Get("maxBytes"); err == nil && !v.IsUndefined() {
			maxBytes = int(v.ToInteger())
		}
		if v, err := o.Get("followRedirects"); err == nil && !v.IsUndefined() {
			followRedirects = v.ToBoolean()
			followSet = true
		}
	}

	req, err := fetch.NormalizeRequest(url, method, headers, body, timeoutMs, maxBytes, followRedirects, followSet)
	if err != nil {
		panic(call.Otto.MakeCustomError("Error", err.Error()))
	}

	rec := b.host.SubmitFetch(req)
	v, _ := call.Otto.ToValue(rec.ID)
	return v
}

func parseHeaders(v otto.Value) []fetch.Header {
	obj := v.Object()
	var out []fetch.Header
	if obj.Class() == "Array" {
		length, _ := obj.Get("length")
		n := int(length.ToInteger())
		for i := 0; i < n; i++ {
			pair, err := obj.Get(fmt.Sprintf("%d", i))
			if err != nil || !pair.IsObject() {
				continue
			}
			po := pair.Object()
			nameV, _ := po.Get("0")
			valV, _ := po.Get("1")
			out = append(out, fetch.Header{Name: nameV.String(), Value: valV.String()})
		}
		return out
	}
	for _, key := range obj.Keys() {
		val, err := obj.Get(key)
		if err != nil {
			continue
		}
		out = append(out, fetch.Header{Name: key, Value: val.String()})
	}
	return out
}

func (b *Bindings) fetchAbort(call otto.FunctionCall) otto.Value {
	id := uint64(call.Argument(0).ToInteger())
	ok := b.host.AbortFetch(id)
	v, _ := call.Otto.ToValue(ok)
	return v
}

// --- scoped filesystem ---

func (b *Bindings) fsDataDir(call otto.FunctionCall) otto.Value {
	dir, err := b.host.DataDir()
	if err != nil {
		panicFSError(call, err)
	}
	v, _ := call.Otto.ToValue(dir)
	return v
}

func (b *Bindings) fsExists(call otto.FunctionCall) otto.Value {
	path := call.Argument(0).String()
	v, _ := call.Otto.ToValue(b.host.FS().Exists(path))
	return v
}

func (b *Bindings) fsReadText(call otto.FunctionCall) otto.Value {
	path := call.Argument(0).String()
	maxBytes := argInt(call, 1)
	text, err := b.host.FS().ReadText(path, maxBytes)
	if err != nil {
		panicFSError(call, err)
	}
	v, _ := call.Otto.ToValue(text)
	return v
}

func (b *Bindings) fsReadBytes(call otto.FunctionCall) otto.Value {
	path := call.Argument(0).String()
	maxBytes := argInt(call, 1)
	data, err := b.host.FS().ReadBytes(path, maxBytes)
	if err != nil {
		panicFSError(call, err)
	}
	return bytesToOttoArray(call.Otto, data)
}

func (b *Bindings) fsReadDataText(call otto.FunctionCall) otto.Value {
	rel := call.Argument(0).String()
	maxBytes := argInt(call, 1)
	text, err := b.host.FS().ReadDataText(rel, maxBytes)
	if err != nil {
		panicFSError(call, err)
	}
	v, _ := call.Otto.ToValue(text)
	return v
}

func (b *Bindings) fsReadDataBytes(call otto.FunctionCall) otto.Value {
	rel := call.Argument(0).String()
	maxBytes := argInt(call, 1)
	data, err := b.host.FS().ReadDataBytes(rel, maxBytes)
	if err != nil {
		panicFSError(call, err)
	}
	return bytesToOttoArray(call.Otto, data)
}

func (b *Bindings) fsWriteDataText(call otto.FunctionCall) otto.Value {
	rel := call.Argument(0).String()
	text := call.Argument(1).String()
	if err := b.host.FS().WriteDataText(rel, text); err != nil {
		panicFSError(call, err)
	}
	return otto.UndefinedValue()
}

func (b *Bindings) fsWriteDataBytes(call otto.FunctionCall) otto.Value {
	rel := call.Argument(0).String()
	data := ottoArrayToBytes(call.Argument(1))
	if err := b.host.FS().WriteDataBytes(rel, data); err != nil {
		panicFSError(call, err)
	}
	return otto.UndefinedValue()
}

func (b *Bindings) fsListData(call otto.FunctionCall) otto.Value {
	names, err := b.host.FS().ListData()
	if err != nil {
		panicFSError(call, err)
	}
	arr, _ := call.Otto.Object(`([])`)
	for i, n := range names {
		_ = arr.Set(fmt.Sprintf("%d", i), n)
	}
	return arr.Value()
}

func argInt(call otto.FunctionCall, i int) int {
	if len(call.ArgumentList) <= i || call.Argument(i).IsUndefined() {
		return 0
	}
	return int(call.Argument(i).ToInteger())
}

func panicFSError(call otto.FunctionCall, err error) {
	panic(call.Otto.MakeCustomError("Error", err.Error()))
}

// bytesToOttoArray represents a []byte as an otto Array of numbers: otto
// is an ES5 engine with no ArrayBuffer/Uint8Array support, so this is the
// idiomatic otto stand-in for a "VM-accounted byte buffer" (spec §4.8).
func bytesToOttoArray(vm *otto.Otto, data []byte) otto.Value {
	arr, _ := vm.Object(`([])`)
	for i, b := range data {
		_ = arr.Set(fmt.Sprintf("%d", i), int(b))
	}
	return arr.Value()
}

// ottoArrayToBytes converts an Array of numbers (or a string) back into a
// []byte, the inverse of bytesToOttoArray.
func ottoArrayToBytes(v otto.Value) []byte {
	if v.IsString() {
		return []byte(v.String())
	}
	if !v.IsObject() {
		return nil
	}
	obj := v.Object()
	length, _ := obj.Get("length")
	n := int(length.ToInteger())
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		elem, err := obj.Get(fmt.Sprintf("%d", i))
		if err != nil {
			continue
		}
		out[i] = byte(elem.ToInteger())
	}
	return out
}
