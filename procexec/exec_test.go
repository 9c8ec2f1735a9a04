package procexec

import (
	"testing"
	"time"
)

func pollUntilTerminal(t *testing.T, r *Record, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if r.Poll() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("subprocess did not reach terminal state within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartAndCaptureStdout(t *testing.T) {
	r, err := Start("echo hello", 5000, DefaultMaxBytes)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	pollUntilTerminal(t, r, 5*time.Second)

	res, reject := r.Result()
	if reject {
		t.Fatalf("unexpected reject: %+v", res)
	}
	if string(res.Stdout) != "hello\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if res.Code != 0 {
		t.Fatalf("exit code = %d", res.Code)
	}
}

func TestEmptyCommandRejected(t *testing.T) {
	if _, err := Start("", 1000, DefaultMaxBytes); err != ErrEmptyCommand {
		t.Fatalf("expected ErrEmptyCommand, got %v", err)
	}
}

func TestTimeoutKillsProcess(t *testing.T) {
	r, err := Start("sleep 5", 100, DefaultMaxBytes)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	pollUntilTerminal(t, r, 5*time.Second)

	res, reject := r.Result()
	if !reject || !res.TimedOut {
		t.Fatalf("expected timeout rejection, got %+v", res)
	}
	if res.Signal != int(9) {
		t.Fatalf("expected SIGKILL (9), got signal %d", res.Signal)
	}
}

func TestOverflowTruncatesAndKills(t *testing.T) {
	r, err := Start("yes", 5000, 1024)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	pollUntilTerminal(t, r, 5*time.Second)

	res, reject := r.Result()
	if !reject || !res.Truncated {
		t.Fatalf("expected truncation rejection, got %+v", res)
	}
	if len(res.Stdout) != 1024 {
		t.Fatalf("expected exactly 1024 captured bytes, got %d", len(res.Stdout))
	}
}

func TestExitCodePropagated(t *testing.T) {
	r, err := Start("exit 7", 5000, DefaultMaxBytes)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	pollUntilTerminal(t, r, 5*time.Second)
	res, reject := r.Result()
	if reject {
		t.Fatalf("unexpected reject: %+v", res)
	}
	if res.Code != 7 {
		t.Fatalf("exit code = %d, want 7", res.Code)
	}
}
