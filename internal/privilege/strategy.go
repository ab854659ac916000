// strategy.go turns a Profile into an elevation Decision and carries the
// decision out. Decide is a pure function so the policy stays testable
// apart from the spawning side effects; the dispatch below interprets the
// decision.
package privilege

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/skye-cyber/APManager/internal/executor"
	"golang.org/x/sys/unix"
)

// Decision is the closed set of ways forward after probing.
type Decision int

const (
	// AlreadySufficient: proceed without elevation. Either we are root,
	// or nothing we need actually requires root.
	AlreadySufficient Decision = iota
	// ElevateViaSudo: replace the process image under sudo.
	ElevateViaSudo
	// ElevateViaHelper: spawn through pkexec and wait.
	ElevateViaHelper
	// ElevateViaSessionManager: spawn through systemd-run and wait.
	ElevateViaSessionManager
	// Impossible: no backend available. Terminal; callers must surface
	// this and exit non-zero, never continue unprivileged.
	Impossible
)

func (d Decision) String() string {
	switch d {
	case AlreadySufficient:
		return "already-sufficient"
	case ElevateViaSudo:
		return "sudo"
	case ElevateViaHelper:
		return "helper"
	case ElevateViaSessionManager:
		return "session-manager"
	case Impossible:
		return "impossible"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

var (
	// ErrElevationImpossible means no elevation backend is available.
	ErrElevationImpossible = errors.New("privilege: no elevation backend available")

	// ErrElevationExec means the chosen backend itself failed to run.
	ErrElevationExec = errors.New("privilege: elevation backend failed")
)

// Decide maps a Profile to a Decision. Root wins outright; otherwise, if
// no required command that is present needs root, no elevation is needed
// either. Failing that, backends are picked in priority order
// sudo > helper > session-manager.
func Decide(p *Profile) Decision {
	if p.IsRoot {
		return AlreadySufficient
	}
	needRoot := false
	for _, st := range p.Commands {
		if st.Present && st.RequiresRoot {
			needRoot = true
			break
		}
	}
	if !needRoot {
		return AlreadySufficient
	}
	switch {
	case p.SudoUsable:
		return ElevateViaSudo
	case p.HelperAvailable:
		return ElevateViaHelper
	case p.SessionManagerAvailable:
		return ElevateViaSessionManager
	}
	return Impossible
}

// preservedEnv is the environment subset forwarded across re-exec so the
// elevated process resolves the same binaries and loader paths.
var preservedEnv = []string{"PATH", "LD_LIBRARY_PATH"}

// ReexecSudo replaces the current process image with the same invocation
// under sudo. On success it does not return; any return value is a
// failure and carries ErrElevationExec. Code after a successful call is
// unreachable.
func ReexecSudo() error {
	sudo, err := exec.LookPath("sudo")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrElevationExec, err)
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("%w: resolve executable: %v", ErrElevationExec, err)
	}

	argv := []string{"sudo", "--preserve-env=" + strings.Join(preservedEnv, ","), exe}
	argv = append(argv, os.Args[1:]...)

	if err := unix.Exec(sudo, argv, os.Environ()); err != nil {
		return fmt.Errorf("%w: exec sudo: %v", ErrElevationExec, err)
	}
	return nil
}

// SpawnHelper re-runs the current invocation under pkexec and waits for
// it. pkexec wants a stable on-disk path to authorize, so the invocation
// is wrapped in a launcher script that exists only for the duration of
// the call and is removed regardless of outcome.
func SpawnHelper(ctx context.Context, timeout time.Duration) (*executor.Result, error) {
	pkexec, err := exec.LookPath("pkexec")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrElevationExec, err)
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("%w: resolve executable: %v", ErrElevationExec, err)
	}

	script, err := writeLauncher(exe, os.Args[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrElevationExec, err)
	}
	defer os.Remove(script)

	res, err := executor.New().Run(ctx, []string{pkexec, script}, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: pkexec: %v", ErrElevationExec, err)
	}
	return res, nil
}

// SpawnSessionManager re-runs the current invocation as a transient
// systemd unit and waits for it.
func SpawnSessionManager(ctx context.Context, timeout time.Duration) (*executor.Result, error) {
	runner, err := exec.LookPath("systemd-run")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrElevationExec, err)
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("%w: resolve executable: %v", ErrElevationExec, err)
	}

	argv := []string{runner, "--quiet", "--wait", "--collect", "--pipe", exe}
	argv = append(argv, os.Args[1:]...)

	res, err := executor.New().Run(ctx, argv, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: systemd-run: %v", ErrElevationExec, err)
	}
	return res, nil
}

// Elevate interprets a Decision. AlreadySufficient is a no-op; sudo
// re-execs in place and only returns on failure; the spawn backends
// return the child's result so the caller can mirror its exit status;
// Impossible reports ErrElevationImpossible.
func Elevate(ctx context.Context, d Decision, timeout time.Duration) (*executor.Result, error) {
	switch d {
	case AlreadySufficient:
		return nil, nil
	case ElevateViaSudo:
		return nil, ReexecSudo()
	case ElevateViaHelper:
		return SpawnHelper(ctx, timeout)
	case ElevateViaSessionManager:
		return SpawnSessionManager(ctx, timeout)
	}
	return nil, ErrElevationImpossible
}

// writeLauncher writes a minimal shell script that execs the given
// command line, with every argument single-quoted.
func writeLauncher(exe string, args []string) (string, error) {
	f, err := os.CreateTemp("", "apmgr-elevate-*.sh")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\nexec")
	for _, a := range append([]string{exe}, args...) {
		b.WriteString(" '")
		b.WriteString(strings.ReplaceAll(a, "'", `'\''`))
		b.WriteString("'")
	}
	b.WriteString("\n")

	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Chmod(0o755); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
