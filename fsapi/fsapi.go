// Package fsapi implements the two-capability scoped filesystem surface
// plugins see (spec §4.7): allowlist reads against caller-supplied
// absolute paths, and data-root I/O confined to the plugin's own private
// directory via openat-based traversal protection.
package fsapi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/oro-computer/sage/pathutil"
)

const (
	// DefaultReadCap / MaxReadCap bound allowlist and data-root reads.
	DefaultReadCap = 256 * 1024
	MaxReadCap     = 4 * 1024 * 1024
	// MaxWriteCap bounds data-root writes.
	MaxWriteCap = 4 * 1024 * 1024
)

var ErrAccessDenied = errors.New("fsapi: access denied")
var ErrNotRegularFile = errors.New("fsapi: not a regular file")

// Allowlist is the host-level set of canonical absolute paths readable by
// the scoped FS read API (spec §3 "Host").
type Allowlist struct {
	mu    sync.RWMutex
	paths map[string]struct{}
}

func NewAllowlist() *Allowlist {
	return &Allowlist{paths: make(map[string]struct{})}
}

// Add canonicalizes and registers path.
func (a *Allowlist) Add(path string) error {
	real, err := pathutil.Realpath(path)
	if err != nil {
		return fmt.Errorf("fsapi: allow_fs_read_path: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paths[real] = struct{}{}
	return nil
}

func (a *Allowlist) contains(real string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.paths[real]
	return ok
}

// DataDir resolves and lazily creates a plugin's private data directory,
// per spec §4.7: $XDG_STATE_HOME/sage/plugins/<id>, then
// $HOME/.local/state/sage/plugins/<id>, then $TMPDIR/sage/plugins/<id>.
// id is derived from the plugin's source path.
type DataDir struct {
	mu   sync.Mutex
	path string // realpath'd once created
	id   string
}

var idSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// PluginID derives the data-dir id from a plugin source path: the
// basename with its script extension stripped, non [A-Za-z0-9._-]
// characters mapped to '_', clamped to 96 chars, defaulting to "plugin"
// when empty.
func PluginID(pluginPath string) string {
	base := filepath.Base(pluginPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = idSanitizer.ReplaceAllString(base, "_")
	if len(base) > 96 {
		base = base[:96]
	}
	if base == "" {
		base = "plugin"
	}
	return base
}

// NewDataDir builds a DataDir handle for the given plugin id; the
// directory itself is created lazily on first use.
func NewDataDir(id string) *DataDir {
	return &DataDir{id: id}
}

// candidateRoots returns the three fallback bases in priority order.
func candidateRoots() []string {
	var roots []string
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		roots = append(roots, filepath.Join(xdg, "sage", "plugins"))
	}
	if home := os.Getenv("HOME"); home != "" {
		roots = append(roots, filepath.Join(home, ".local", "state", "sage", "plugins"))
	}
	tmp := os.Getenv("TMPDIR")
	if tmp == "" {
		tmp = os.TempDir()
	}
	roots = append(roots, filepath.Join(tmp, "sage", "plugins"))
	return roots
}

// Path returns the realpath'd data directory, creating it (mode 0700) on
// first call.
func (d *DataDir) Path() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.path != "" {
		return d.path, nil
	}

	var lastErr error
	for _, root := range candidateRoots() {
		dir := filepath.Join(root, d.id)
		if err := pathutil.MkdirAll(dir, 0o700); err != nil {
			lastErr = err
			continue
		}
		real, err := pathutil.Realpath(dir)
		if err != nil {
			lastErr = err
			continue
		}
		d.path = real
		return real, nil
	}
	if lastErr == nil {
		lastErr = errors.New("fsapi: no data directory candidate available")
	}
	return "", lastErr
}

// FS is the per-plugin scoped filesystem facade combining allowlist reads
// and data-root I/O.
type FS struct {
	allow *Allowlist
	data  *DataDir
}

func New(allow *Allowlist, data *DataDir) *FS {
	return &FS{allow: allow, data: data}
}

// DataDirPath returns the realpath'd data directory, creating it on first
// call (spec §4.8 __sage_fs_data_dir).
func (f *FS) DataDirPath() (string, error) {
	return f.data.Path()
}

// checkAllowlistPath realpaths path and verifies it is permitted either by
// exact allowlist match or by lying under the plugin data dir.
func (f *FS) checkAllowlistPath(path string) (string, error) {
	real, err := pathutil.Realpath(path)
	if err != nil {
		return "", ErrAccessDenied
	}
	if f.allow.contains(real) {
		return real, nil
	}
	if dataPath, err := f.data.Path(); err == nil && pathutil.Contains(dataPath, real) {
		return real, nil
	}
	return "", ErrAccessDenied
}

// Exists reports whether an allowlist read of path would be permitted —
// it does not reveal filesystem existence beyond that.
func (f *FS) Exists(path string) bool {
	real, err := f.checkAllowlistPath(path)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(real)
	return statErr == nil
}

// ReadText / ReadBytes read an allowlisted path, capped at
// min(maxBytes, MaxReadCap) with DefaultReadCap when maxBytes <= 0.
func (f *FS) ReadBytes(path string, maxBytes int) ([]byte, error) {
	real, err := f.checkAllowlistPath(path)
	if err != nil {
		return nil, err
	}
	return readRegularCapped(real, effectiveCap(maxBytes))
}

func (f *FS) ReadText(path string, maxBytes int) (string, error) {
	b, err := f.ReadBytes(path, maxBytes)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func effectiveCap(maxBytes int) int64 {
	if maxBytes <= 0 {
		return DefaultReadCap
	}
	if maxBytes > MaxReadCap {
		return MaxReadCap
	}
	return int64(maxBytes)
}

func readRegularCapped(path string, capBytes int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotRegularFile
	}
	if info.Size() > capBytes {
		return nil, pathutil.ErrTooLarge
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return pathutil.ReadCapped(f, capBytes)
}

// --- data-root I/O ---

// ReadDataBytes/ReadDataText read rel from the plugin's data root, via
// openat-based traversal protection.
func (f *FS) ReadDataBytes(rel string, maxBytes int) ([]byte, error) {
	if err := pathutil.ValidateRelative(rel); err != nil {
		return nil, err
	}
	root, err := f.data.Path()
	if err != nil {
		return nil, err
	}
	rootFd, err := unix.Open(root, unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, fmt.Errorf("fsapi: open data root: %w", err)
	}
	defer unix.Close(rootFd)

	fd, err := pathutil.OpenatNoFollow(rootFd, rel, unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return nil, ErrNotRegularFile
	}
	capBytes := effectiveCap(maxBytes)
	if st.Size > capBytes {
		return nil, pathutil.ErrTooLarge
	}
	// os.File takes Close ownership of the fd; dup it so the caller's
	// deferred unix.Close(fd) above stays correct.
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, err
	}
	dupFile := os.NewFile(uintptr(dup), rel)
	defer dupFile.Close()
	return pathutil.ReadCapped(dupFile, capBytes)
}

func (f *FS) ReadDataText(rel string, maxBytes int) (string, error) {
	b, err := f.ReadDataBytes(rel, maxBytes)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteDataBytes/WriteDataText write rel under the plugin's data root,
// creating intermediate directories (mode 0700) as needed, capped at
// MaxWriteCap.
func (f *FS) WriteDataBytes(rel string, data []byte) error {
	if err := pathutil.ValidateRelative(rel); err != nil {
		return err
	}
	if len(data) > MaxWriteCap {
		return pathutil.ErrTooLarge
	}
	root, err := f.data.Path()
	if err != nil {
		return err
	}
	rootFd, err := unix.Open(root, unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return fmt.Errorf("fsapi: open data root: %w", err)
	}
	defer unix.Close(rootFd)

	if err := pathutil.MkdiratAll(rootFd, rel, 0o700); err != nil {
		return err
	}

	fd, err := pathutil.OpenatNoFollow(rootFd, rel, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	dup, err := unix.Dup(fd)
	if err != nil {
		return err
	}
	dupFile := os.NewFile(uintptr(dup), rel)
	defer dupFile.Close()
	_, err = dupFile.Write(data)
	return err
}

func (f *FS) WriteDataText(rel, text string) error {
	return f.WriteDataBytes(rel, []byte(text))
}

// ListData returns the names of entries directly inside the plugin's data
// root (spec §8 end-to-end scenario: "listData() contains 'a'").
func (f *FS) ListData() ([]string, error) {
	root, err := f.data.Path()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
