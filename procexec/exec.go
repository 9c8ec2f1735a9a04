// Package procexec implements the subprocess supervisor (spec §4.5): it
// runs plugin-supplied shell command strings under /bin/sh -c, captures
// stdout/stderr with byte caps and a deadline, and exposes a poll-driven
// lifecycle so the embedder's single-threaded poll loop can drive many
// in-flight subprocesses without blocking.
package procexec

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/oro-computer/sage/clockrand"
)

const (
	// MaxCommandBytes bounds the shell command string itself.
	MaxCommandBytes = 8192
	// MinTimeoutMS / MaxTimeoutMS clamp the caller-supplied timeout.
	MinTimeoutMS = 0
	MaxTimeoutMS = 600_000
	// DefaultMaxBytes / MaxMaxBytes bound per-stream captured output.
	DefaultMaxBytes = 1 << 20        // 1 MiB
	MaxMaxBytes     = 16 * (1 << 20) // 16 MiB
)

// ErrEmptyCommand / ErrCommandTooLong guard exec() input per spec §4.5.
var (
	ErrEmptyCommand   = errors.New("procexec: empty command")
	ErrCommandTooLong = errors.New("procexec: command exceeds max length")
)

// Result is the payload delivered to the VM on completion: {code, stdout,
// stderr, timedOut, truncated, signal}.
type Result struct {
	Code       int
	Stdout     []byte
	Stderr     []byte
	TimedOut   bool
	Truncated  bool
	Signal     int
}

// stream tracks one captured pipe (stdout or stderr): its non-blocking read
// fd, accumulated buffer, and cap.
type stream struct {
	fd        int // -1 once closed
	buf       []byte
	max       int
	truncated bool
}

func (s *stream) drain() {
	if s.fd < 0 {
		return
	}
	chunk := make([]byte, 32*1024)
	for {
		n, err := unix.Read(s.fd, chunk)
		if n > 0 {
			s.append(chunk[:n])
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if n == 0 || err != nil {
			_ = unix.Close(s.fd)
			s.fd = -1
			return
		}
	}
}

func (s *stream) append(chunk []byte) {
	if s.truncated {
		return
	}
	room := s.max - len(s.buf)
	if room <= 0 {
		s.truncated = true
		return
	}
	if len(chunk) > room {
		chunk = chunk[:room]
		s.truncated = true
	}
	s.buf = append(s.buf, chunk...)
}

// Record is one in-flight or terminal subprocess (spec §3 "Subprocess
// record").
type Record struct {
	cmd *exec.Cmd
	pid int

	stdout *stream
	stderr *stream

	deadlineNS int64 // 0 = none

	exited     bool
	exitCode   int
	termSignal int
	timedOut   bool
	killed     bool
}

// Start validates cmd, clamps timeoutMs/maxBytes, forks /bin/sh -c <cmd>,
// and returns a Record whose pipes are already open and non-blocking. The
// child's stdout/stderr are captured; its stdin is /dev/null.
func Start(cmdline string, timeoutMs, maxBytes int) (*Record, error) {
	if cmdline == "" {
		return nil, ErrEmptyCommand
	}
	if len(cmdline) > MaxCommandBytes {
		return nil, ErrCommandTooLong
	}
	if timeoutMs < MinTimeoutMS {
		timeoutMs = MinTimeoutMS
	}
	if timeoutMs > MaxTimeoutMS {
		timeoutMs = MaxTimeoutMS
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxBytes > MaxMaxBytes {
		maxBytes = MaxMaxBytes
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("procexec: stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("procexec: stderr pipe: %w", err)
	}

	cmd := exec.Command("/bin/sh", "-c", cmdline)
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, fmt.Errorf("procexec: start: %w", err)
	}

	// Parent closes the write ends; the child holds the only remaining
	// references via its dup'd fds.
	outW.Close()
	errW.Close()

	if err := unix.SetNonblock(int(outR.Fd()), true); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("procexec: set nonblock stdout: %w", err)
	}
	if err := unix.SetNonblock(int(errR.Fd()), true); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("procexec: set nonblock stderr: %w", err)
	}

	r := &Record{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdout: &stream{fd: int(outR.Fd()), max: maxBytes},
		stderr: &stream{fd: int(errR.Fd()), max: maxBytes},
	}
	if timeoutMs > 0 {
		r.deadlineNS = clockrand.NowNS() + int64(timeoutMs)*1_000_000
	}
	return r, nil
}

// PID returns the child process id.
func (r *Record) PID() int { return r.pid }

// Poll performs one supervision tick: drains both streams, kills the
// process if its deadline has passed or if either stream overflowed, and
// reaps a terminated child non-blockingly. It returns true once the
// record has reached its terminal state (exited and both streams closed).
func (r *Record) Poll() bool {
	if r.exited && r.stdout.fd < 0 && r.stderr.fd < 0 {
		return true
	}

	r.stdout.drain()
	r.stderr.drain()

	overflow := r.stdout.truncated || r.stderr.truncated
	pastDeadline := r.deadlineNS != 0 && clockrand.NowNS() >= r.deadlineNS

	if !r.exited && (pastDeadline || overflow) {
		_ = r.cmd.Process.Signal(unix.SIGKILL)
		if pastDeadline {
			r.timedOut = true
		}
		if overflow {
			r.killed = true
		}
	}

	if !r.exited {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(r.pid, &ws, unix.WNOHANG, nil)
		if err == nil && pid == r.pid {
			r.exited = true
			switch {
			case ws.Exited():
				r.exitCode = ws.ExitStatus()
			case ws.Signaled():
				r.exitCode = 128 + int(ws.Signal())
				r.termSignal = int(ws.Signal())
			}
		}
	}

	return r.exited && r.stdout.fd < 0 && r.stderr.fd < 0
}

// Result builds the completion payload and reports whether the promise
// should reject (timedOut or truncated) per spec §4.5.
func (r *Record) Result() (res Result, reject bool) {
	res = Result{
		Code:      r.exitCode,
		Stdout:    r.stdout.buf,
		Stderr:    r.stderr.buf,
		TimedOut:  r.timedOut,
		Truncated: r.stdout.truncated || r.stderr.truncated,
		Signal:    r.termSignal,
	}
	reject = res.TimedOut || res.Truncated
	return res, reject
}

// Kill force-terminates the subprocess and closes its streams, used when a
// plugin is disabled or the host is freed while work is in flight
// (spec §4.11, testable property 5).
func (r *Record) Kill() {
	if !r.exited {
		_ = r.cmd.Process.Signal(unix.SIGKILL)
		var ws unix.WaitStatus
		_, _ = unix.Wait4(r.pid, &ws, 0, nil)
		r.exited = true
	}
	if r.stdout.fd >= 0 {
		_ = unix.Close(r.stdout.fd)
		r.stdout.fd = -1
	}
	if r.stderr.fd >= 0 {
		_ = unix.Close(r.stderr.fd)
		r.stderr.fd = -1
	}
}
