// Package logrouter resolves and opens the plugin host's log destination
// per spec §4.2: an opt-in stderr mirror, else a per-user log file opened
// on demand, else a null sink so a TUI embedder is never corrupted by
// stray writes to stdout/stderr.
package logrouter

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oro-computer/sage/pathutil"
)

// DefaultPath resolves the default log path from SAGE_PLUGIN_LOG, then
// $XDG_CACHE_HOME/sage/plugins.log, then $HOME/.cache/sage/plugins.log,
// returning "" if none of those can be determined.
func DefaultPath() string {
	if p := os.Getenv("SAGE_PLUGIN_LOG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "sage", "plugins.log")
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".cache", "sage", "plugins.log")
	}
	return ""
}

// Router owns the log file handle and produces named *zap.Logger instances
// for each component, all backed by the same underlying stream.
type Router struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	logStderr bool
	verbose   bool

	core   zapcore.Core
	logger *zap.Logger
}

// New constructs a Router. path may be empty, in which case DefaultPath()
// is used. Unless logStderr is set, the log file is opened (creating its
// parent directories) here, when the Router is built, not on first write.
func New(path string, logStderr, verbose bool) *Router {
	r := &Router{path: path, logStderr: logStderr, verbose: verbose}
	r.rebuild()
	return r
}

// SetPath changes the log file path, closing any currently-open file. An
// empty path reverts to DefaultPath() resolution.
func (r *Router) SetPath(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	r.path = path
	r.rebuild()
}

// rebuild recomputes the zapcore.Core backing this router's logger. Must be
// called with mu held.
func (r *Router) rebuild() {
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     encodeSageName,
	})

	level := zapcore.InfoLevel
	if r.verbose {
		level = zapcore.DebugLevel
	}

	var core zapcore.Core
	switch {
	case r.logStderr:
		core = zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), level)
	default:
		f := r.openLocked()
		if f != nil {
			core = zapcore.NewCore(enc, zapcore.AddSync(f), level)
		} else {
			// Null sink: preserves a TUI embedder by never writing to
			// stdout/stderr when no log file could be opened.
			core = zapcore.NewNopCore()
		}
	}
	r.core = core
	r.logger = zap.New(core)
}

// encodeSageName renders a .Named(...) logger name as spec §4.2's
// "sage[...]" bracket prefix. zap's built-in name encoders just join
// nested Named() segments with dots and emit the name bare, so this is
// required to reproduce the exact prefix format instead of NameKey's
// default rendering.
func encodeSageName(loggerName string, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(fmt.Sprintf("sage[%s]", loggerName))
}

// openLocked opens (creating parent directories) the configured log file,
// caching the handle. Must be called with mu held.
func (r *Router) openLocked() *os.File {
	if r.file != nil {
		return r.file
	}
	path := r.path
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		_ = pathutil.MkdirAll(dir, 0o755)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	r.file = f
	return f
}

// Named returns a *zap.Logger scoped to name, formatted the way spec §4.2
// prefixes messages: "sage[plugin:<path>]", "sage[js:<path>]",
// "sage[console:<level>:<path>]".
func (r *Router) Named(name string) *zap.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logger.Named(name)
}

// PluginLogger returns the logger used for plugin lifecycle messages:
// "sage[plugin:<path>]".
func (r *Router) PluginLogger(pluginPath string) *zap.Logger {
	return r.Named(fmt.Sprintf("plugin:%s", pluginPath))
}

// ScriptLogger returns the logger used for __sage_log: "sage[js:<path>]".
func (r *Router) ScriptLogger(pluginPath string) *zap.Logger {
	return r.Named(fmt.Sprintf("js:%s", pluginPath))
}

// ConsoleLogger returns the logger used for console.*:
// "sage[console:<level>:<path>]".
func (r *Router) ConsoleLogger(level, pluginPath string) *zap.Logger {
	return r.Named(fmt.Sprintf("console:%s:%s", level, pluginPath))
}

// Close releases the underlying log file, if one was opened.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
