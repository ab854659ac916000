// executor.go runs external commands with a bounded lifetime and captured
// output. Commands are argv vectors, never shell strings: the broker
// passes client-supplied arguments through verbatim and must not involve
// a shell. Each command gets its own process group so a timeout kills the
// whole tree, not just the direct child.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// Executor runs argv commands with timeout and output capture.
type Executor struct{}

// New creates an Executor.
func New() *Executor {
	return &Executor{}
}

// Run executes argv[0] with the remaining elements as arguments, bounded
// by timeout. A command that starts but exits non-zero or times out is
// reported through the Result, not through the error return; the error is
// reserved for failures to run at all (missing binary, permission
// denied).
func (e *Executor) Run(ctx context.Context, argv []string, timeout time.Duration) (*Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("executor: empty argv")
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)

	// New process group so the kill below reaches grandchildren.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid addresses the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// WaitDelay keeps an orphaned pipe holder from blocking Wait forever.
	cmd.WaitDelay = 5 * time.Second

	result := &Result{
		StartedAt: time.Now(),
	}

	err := cmd.Run()
	result.Duration = time.Since(result.StartedAt)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			result.ExitCode = -1
			result.TimedOut = true
			return result, nil
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}

		return nil, fmt.Errorf("executor: run %s: %w", argv[0], err)
	}

	result.ExitCode = 0
	return result, nil
}
