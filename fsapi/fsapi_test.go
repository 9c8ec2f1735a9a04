package fsapi

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	dataRoot := t.TempDir()
	t.Setenv("XDG_STATE_HOME", dataRoot)
	allow := NewAllowlist()
	dd := NewDataDir("testplugin")
	return New(allow, dd)
}

func TestPluginIDSanitizes(t *testing.T) {
	cases := map[string]string{
		"/tmp/My Plugin!.js": "My_Plugin_",
		"/tmp/plain.js":      "plain",
		"/tmp/.js":           "plugin",
	}
	for in, want := range cases {
		if got := PluginID(in); got != want {
			t.Errorf("PluginID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAllowlistEnforcement(t *testing.T) {
	fs := newTestFS(t)
	dir := t.TempDir()
	allowed := filepath.Join(dir, "hosts")
	denied := filepath.Join(dir, "passwd")
	os.WriteFile(allowed, []byte("allowed content"), 0o600)
	os.WriteFile(denied, []byte("denied content"), 0o600)

	if err := fs.allow.Add(allowed); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if !fs.Exists(allowed) {
		t.Fatal("expected allowed path to exist")
	}
	if fs.Exists(denied) {
		t.Fatal("expected denied path to not be visible")
	}

	if _, err := fs.ReadText(denied, 0); err != ErrAccessDenied {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	text, err := fs.ReadText(allowed, 0)
	if err != nil || text != "allowed content" {
		t.Fatalf("ReadText(allowed) = %q, %v", text, err)
	}
}

func TestDataRootRoundTrip(t *testing.T) {
	fs := newTestFS(t)

	if err := fs.WriteDataText("a/b/c.txt", "hi"); err != nil {
		t.Fatalf("WriteDataText: %v", err)
	}
	got, err := fs.ReadDataText("a/b/c.txt", 0)
	if err != nil || got != "hi" {
		t.Fatalf("ReadDataText = %q, %v", got, err)
	}

	names, err := fs.ListData()
	if err != nil {
		t.Fatalf("ListData: %v", err)
	}
	found := false
	for _, n := range names {
		if n == "a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ListData() to contain %q, got %v", "a", names)
	}
}

func TestDataRootRejectsTraversal(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.WriteDataText("../escape.txt", "x"); err == nil {
		t.Fatal("expected traversal write to fail")
	}
	if _, err := fs.ReadDataText("../../etc/passwd", 0); err == nil {
		t.Fatal("expected traversal read to fail")
	}
}

func TestReadCapTooLarge(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.WriteDataText("big.txt", "0123456789"); err != nil {
		t.Fatalf("WriteDataText: %v", err)
	}
	if _, err := fs.ReadDataBytes("big.txt", 4); err == nil {
		t.Fatal("expected file-too-large error")
	}
}
