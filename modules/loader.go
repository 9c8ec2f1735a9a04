package modules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oro-computer/sage/pathutil"
)

// MaxJoinedPathLength bounds the joined base+specifier path length before
// it is even realpath'd, per spec §4.4.
const MaxJoinedPathLength = 8192

// ErrEscapesRoot is returned when a resolved module path falls outside the
// plugin's module root.
var ErrEscapesRoot = errors.New("modules: escapes plugin root")

// ErrBuiltinImportsRelative is returned when a builtin module attempts a
// relative import; builtins may not reach outside the registry.
var ErrBuiltinImportsRelative = errors.New("modules: builtin module cannot import relative specifier")

// ErrNotRelative is returned when a non-builtin specifier does not begin
// with '.'.
var ErrNotRelative = errors.New("modules: non-builtin specifier must be relative")

// ErrPathTooLong is returned when the joined path exceeds MaxJoinedPathLength.
var ErrPathTooLong = errors.New("modules: joined module path too long")

// Resolved describes a module specifier after normalization: either a
// builtin name or a realpath'd, root-confined filesystem path.
type Resolved struct {
	Builtin bool
	Name    string // for builtins: the "sage:..." name
	Path    string // for file modules: the realpath'd absolute path
}

// Loader normalizes and loads module specifiers for one plugin, confined to
// moduleRoot, consulting registry for builtin sources.
type Loader struct {
	moduleRoot string
	registry   *Registry
}

// NewLoader creates a Loader rooted at moduleRoot (the plugin's module root
// directory, spec §3).
func NewLoader(moduleRoot string, registry *Registry) *Loader {
	return &Loader{moduleRoot: moduleRoot, registry: registry}
}

// Normalize resolves specifier as imported by importer (the absolute path
// of the importing module, or the plugin's own source path for the root
// import). Builtin specifiers pass through unchanged; relative specifiers
// are joined against the importer's directory, realpath'd, and checked for
// containment within the module root.
func (l *Loader) Normalize(importer, specifier string) (Resolved, error) {
	if IsBuiltinSpecifier(specifier) {
		return Resolved{Builtin: true, Name: specifier}, nil
	}

	if IsBuiltinSpecifier(importer) {
		return Resolved{}, ErrBuiltinImportsRelative
	}

	if !strings.HasPrefix(specifier, ".") {
		return Resolved{}, ErrNotRelative
	}

	base := filepath.Dir(importer)
	joined := filepath.Join(base, specifier)
	if len(joined) > MaxJoinedPathLength {
		return Resolved{}, ErrPathTooLong
	}

	real, err := pathutil.Realpath(joined)
	if err != nil {
		return Resolved{}, fmt.Errorf("modules: resolve %q: %w", specifier, err)
	}

	rootReal, err := pathutil.Realpath(l.moduleRoot)
	if err != nil {
		return Resolved{}, fmt.Errorf("modules: resolve module root: %w", err)
	}
	if !pathutil.Contains(rootReal, real) {
		return Resolved{}, ErrEscapesRoot
	}

	return Resolved{Path: real}, nil
}

// Load reads the source for a resolved module: the registered builtin
// source, or the file contents at Resolved.Path.
func (l *Loader) Load(r Resolved) ([]byte, error) {
	if r.Builtin {
		src, ok := l.registry.Lookup(r.Name)
		if !ok {
			return nil, fmt.Errorf("modules: unregistered builtin %q", r.Name)
		}
		return src, nil
	}
	return os.ReadFile(r.Path)
}
