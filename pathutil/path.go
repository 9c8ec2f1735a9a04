// Package pathutil implements the path and filesystem primitives the rest
// of the plugin host builds its sandboxing on: realpath canonicalization,
// prefix-containment checks, recursive directory creation, relative-path
// validation, openat-based traversal-safe resolution, and capped
// read/write helpers.
package pathutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Realpath canonicalizes path, resolving symlinks and "." / ".." segments,
// the way sage_qjs_mkdir_p's callers expect realpath(3) to behave.
func Realpath(path string) (string, error) {
	return filepath.EvalSymlinks(path)
}

// Contains reports whether candidate is equal to root, or lies under root
// at a path boundary (i.e. root is a prefix of candidate and the next byte
// of candidate is a path separator). Both paths must already be
// canonicalized by the caller; Contains does no symlink resolution itself.
func Contains(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if root == candidate {
		return true
	}
	if !strings.HasSuffix(root, string(os.PathSeparator)) {
		root += string(os.PathSeparator)
	}
	return strings.HasPrefix(candidate, root)
}

// MkdirAll creates dir and all missing parents with the given mode,
// mirroring sage_qjs_mkdir_p's component-by-component strategy via the
// stdlib (os.MkdirAll already implements the same "ignore EEXIST" walk).
func MkdirAll(dir string, mode os.FileMode) error {
	if dir == "" {
		return errors.New("pathutil: empty directory")
	}
	return os.MkdirAll(dir, mode)
}

// ValidateRelative checks a data-root relative path per spec §4.7: it must
// be non-empty, must not start with '/', must not contain '\', and no
// segment may be empty, ".", or "..".
func ValidateRelative(rel string) error {
	if rel == "" {
		return errors.New("pathutil: empty relative path")
	}
	if strings.HasPrefix(rel, "/") {
		return errors.New("pathutil: relative path must not be absolute")
	}
	if strings.ContainsRune(rel, '\\') {
		return errors.New("pathutil: relative path must not contain backslash")
	}
	for _, seg := range strings.Split(rel, "/") {
		switch seg {
		case "":
			return errors.New("pathutil: relative path has empty segment")
		case ".":
			return errors.New("pathutil: relative path has '.' segment")
		case "..":
			return errors.New("pathutil: relative path escapes via '..'")
		}
	}
	return nil
}

// OpenatNoFollow resolves rel against the directory fd dirFd one path
// segment at a time, opening each intermediate with O_NOFOLLOW so that a
// symlink planted by the plugin inside its own data root can never redirect
// a later segment outside of it (spec §4.7 data-root confinement,
// testable property 2). The final segment is opened with flags/mode
// supplied by the caller (also O_NOFOLLOW'd). Returns the open fd; the
// caller owns it and must close it.
func OpenatNoFollow(rootFd int, rel string, finalFlags int, finalMode uint32) (int, error) {
	segs := strings.Split(rel, "/")
	cur := rootFd
	opened := false
	defer func() {
		if opened && cur != rootFd {
			_ = unix.Close(cur)
		}
	}()

	for i, seg := range segs {
		last := i == len(segs)-1
		if !last {
			fd, err := unix.Openat(cur, seg, unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
			if err != nil {
				return -1, fmt.Errorf("pathutil: openat %q: %w", seg, err)
			}
			if opened {
				_ = unix.Close(cur)
			}
			cur = fd
			opened = true
			continue
		}
		flags := finalFlags | unix.O_NOFOLLOW | unix.O_CLOEXEC
		fd, err := unix.Openat(cur, seg, flags, finalMode)
		if err != nil {
			return -1, fmt.Errorf("pathutil: openat %q: %w", seg, err)
		}
		return fd, nil
	}
	return -1, errors.New("pathutil: empty path segments")
}

// MkdiratAll creates the intermediate directories for rel under dirFd,
// using Mkdirat with mode 0700 on every hop except the last, which the
// caller creates (or not) itself. It is used only on write paths, per
// spec §4.7.
func MkdiratAll(dirFd int, rel string, mode uint32) error {
	segs := strings.Split(rel, "/")
	if len(segs) <= 1 {
		return nil
	}
	cur := dirFd
	opened := false
	defer func() {
		if opened && cur != dirFd {
			_ = unix.Close(cur)
		}
	}()

	for _, seg := range segs[:len(segs)-1] {
		if err := unix.Mkdirat(cur, seg, mode); err != nil && err != unix.EEXIST {
			return fmt.Errorf("pathutil: mkdirat %q: %w", seg, err)
		}
		fd, err := unix.Openat(cur, seg, unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("pathutil: openat %q: %w", seg, err)
		}
		if opened {
			_ = unix.Close(cur)
		}
		cur = fd
		opened = true
	}
	return nil
}

// ReadCapped reads at most max+1 bytes from r; if it reads more than max it
// returns ErrTooLarge, matching spec §4.7's "extra one-byte probe" sizing
// discipline.
var ErrTooLarge = errors.New("pathutil: file too large")

func ReadCapped(r io.Reader, max int64) ([]byte, error) {
	limited := io.LimitReader(r, max+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > max {
		return nil, ErrTooLarge
	}
	return buf, nil
}

// WriteWhole writes the entire buffer to path, capped at max bytes,
// creating the file if needed (mode 0600) and truncating any existing
// content, matching spec §4.7's write semantics.
func WriteWhole(path string, data []byte, max int) error {
	if len(data) > max {
		return ErrTooLarge
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}
