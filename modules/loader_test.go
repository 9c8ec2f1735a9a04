package modules

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRegistryAddRejectsBadScheme(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("other:thing", []byte("x")); err == nil {
		t.Fatal("expected error for non sage: scheme")
	}
	if err := r.Add("sage:thing", []byte("x")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src, ok := r.Lookup("sage:thing")
	if !ok || string(src) != "x" {
		t.Fatalf("Lookup() = %q, %v", src, ok)
	}
}

func TestLoaderNormalizeBuiltinPassthrough(t *testing.T) {
	reg := NewRegistry()
	l := NewLoader("/tmp/root", reg)
	resolved, err := l.Normalize("/tmp/root/main.js", "sage:fs")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !resolved.Builtin || resolved.Name != "sage:fs" {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}
}

func TestLoaderNormalizeRelativeConfined(t *testing.T) {
	root := t.TempDir()
	main := filepath.Join(root, "main.js")
	sub := filepath.Join(root, "lib.js")
	os.WriteFile(main, []byte(""), 0o600)
	os.WriteFile(sub, []byte("export const x = 1;"), 0o600)

	l := NewLoader(root, NewRegistry())
	resolved, err := l.Normalize(main, "./lib.js")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if resolved.Builtin || resolved.Path != mustRealpath(t, sub) {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}

	src, err := l.Load(resolved)
	if err != nil || string(src) != "export const x = 1;" {
		t.Fatalf("Load() = %q, %v", src, err)
	}
}

func TestLoaderNormalizeRejectsEscape(t *testing.T) {
	root := t.TempDir()
	parent := filepath.Dir(root)
	evil := filepath.Join(parent, "evil.js")
	os.WriteFile(evil, []byte(""), 0o600)

	main := filepath.Join(root, "main.js")
	os.WriteFile(main, []byte(""), 0o600)

	l := NewLoader(root, NewRegistry())
	_, err := l.Normalize(main, "../evil.js")
	if err != ErrEscapesRoot {
		t.Fatalf("expected ErrEscapesRoot, got %v", err)
	}
}

func TestLoaderNormalizeRejectsNonRelativeNonBuiltin(t *testing.T) {
	root := t.TempDir()
	main := filepath.Join(root, "main.js")
	os.WriteFile(main, []byte(""), 0o600)

	l := NewLoader(root, NewRegistry())
	_, err := l.Normalize(main, "lodash")
	if err != ErrNotRelative {
		t.Fatalf("expected ErrNotRelative, got %v", err)
	}
}

func TestLoaderBuiltinCannotImportRelative(t *testing.T) {
	l := NewLoader(t.TempDir(), NewRegistry())
	_, err := l.Normalize("sage:fs", "./x.js")
	if err != ErrBuiltinImportsRelative {
		t.Fatalf("expected ErrBuiltinImportsRelative, got %v", err)
	}
}

func mustRealpath(t *testing.T, p string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		t.Fatalf("EvalSymlinks(%q): %v", p, err)
	}
	return resolved
}
