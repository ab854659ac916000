// executor_test.go validates exit code capture, output capture, timeout
// handling, and the distinction between "ran and failed" and "could not
// run".
package executor

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesStdout(t *testing.T) {
	e := New()
	res, err := e.Run(context.Background(), []string{"echo", "hello", "world"}, 5*time.Second)
	if err != nil {
		t.Fatalf("run echo: %v", err)
	}
	if !res.Ok() {
		t.Fatalf("echo not ok: exit=%d timedout=%v", res.ExitCode, res.TimedOut)
	}
	if got := strings.TrimSpace(res.Stdout); got != "hello world" {
		t.Errorf("stdout = %q, want %q", got, "hello world")
	}
}

func TestRunNonZeroExitIsResultNotError(t *testing.T) {
	e := New()
	res, err := e.Run(context.Background(), []string{"sh", "-c", "echo oops >&2; exit 3"}, 5*time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Ok() {
		t.Error("Ok() true for non-zero exit")
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("stderr = %q, want it to contain oops", res.Stderr)
	}
}

func TestRunTimeout(t *testing.T) {
	e := New()
	start := time.Now()
	res, err := e.Run(context.Background(), []string{"sleep", "30"}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected TimedOut")
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1 on timeout", res.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout not enforced, took %v", elapsed)
	}
}

func TestRunMissingBinaryIsError(t *testing.T) {
	e := New()
	_, err := e.Run(context.Background(), []string{"definitely-not-a-real-binary-xyz"}, time.Second)
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestRunEmptyArgv(t *testing.T) {
	e := New()
	if _, err := e.Run(context.Background(), nil, time.Second); err == nil {
		t.Fatal("expected error for empty argv")
	}
}
