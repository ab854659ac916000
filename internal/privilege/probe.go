// probe.go inspects the environment for ways to obtain root: are we
// already root, does passwordless sudo work, is pkexec on the path, is
// systemd-run available, and which of the required external commands
// actually need root to do anything.
//
// A Profile is a snapshot. Build it fresh before every decision: sudo
// credentials time out, and the answer can change between invocations.
package privilege

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/skye-cyber/APManager/internal/executor"
	"golang.org/x/sys/unix"
)

// probeTimeout bounds every trial invocation. A misconfigured sudo that
// wants to prompt must be cut off, not left hanging.
const probeTimeout = 2 * time.Second

// CommandProbe names an external command the tool depends on together
// with a benign, read-only invocation used to test whether running it
// needs root.
type CommandProbe struct {
	Name string
	Argv []string
}

// DefaultProbes covers the commands the hotspot path invokes.
var DefaultProbes = []CommandProbe{
	{Name: "iw", Argv: []string{"iw", "dev"}},
	{Name: "ip", Argv: []string{"ip", "link", "show"}},
	{Name: "hostapd", Argv: []string{"hostapd", "-v"}},
	{Name: "dnsmasq", Argv: []string{"dnsmasq", "--version"}},
	{Name: "systemctl", Argv: []string{"systemctl", "--version"}},
}

// CommandStatus records what probing learned about one required command.
type CommandStatus struct {
	Present      bool
	Path         string
	RequiresRoot bool
}

// Profile is a snapshot of the elevation options available right now.
type Profile struct {
	IsRoot                  bool
	SudoUsable              bool
	HelperAvailable         bool
	SessionManagerAvailable bool
	Commands                map[string]CommandStatus
}

// runFunc matches executor.Executor.Run; injectable for tests.
type runFunc func(ctx context.Context, argv []string, timeout time.Duration) (*executor.Result, error)

// Prober performs the environment checks.
type Prober struct {
	logger *slog.Logger
	run    runFunc
}

// NewProber creates a Prober that executes trial commands for real.
func NewProber(logger *slog.Logger) *Prober {
	return &Prober{
		logger: logger.With(slog.String("component", "privilege")),
		run:    executor.New().Run,
	}
}

// IsRoot reports whether the effective uid is root.
func IsRoot() bool {
	return unix.Geteuid() == 0
}

// SudoUsable reports whether sudo works without interaction. Any failure
// counts as unusable: missing binary, timeout, non-zero exit.
func (p *Prober) SudoUsable(ctx context.Context) bool {
	sudo, err := exec.LookPath("sudo")
	if err != nil {
		return false
	}
	// -n forbids prompting; "true" has no side effects.
	res, err := p.run(ctx, []string{sudo, "-n", "true"}, probeTimeout)
	return err == nil && res.Ok()
}

// HelperAvailable reports whether a polkit-style elevation helper is on
// the search path.
func (p *Prober) HelperAvailable() bool {
	_, err := exec.LookPath("pkexec")
	return err == nil
}

// SessionManagerAvailable reports whether systemd-run is on the search
// path.
func (p *Prober) SessionManagerAvailable() bool {
	_, err := exec.LookPath("systemd-run")
	return err == nil
}

// CommandRequiresRoot classifies one command by trial execution: if the
// unprivileged invocation succeeds the command needs no root; if it fails
// but the same invocation under sudo succeeds, it does. When both fail
// the command is classified as root-requiring; the real action may need
// privileges the benign probe never exercised, so the failure mode leans
// toward requesting more privilege, not less.
func (p *Prober) CommandRequiresRoot(ctx context.Context, cp CommandProbe, sudoUsable bool) bool {
	res, err := p.run(ctx, cp.Argv, probeTimeout)
	if err == nil && res.Ok() {
		return false
	}
	if sudoUsable {
		argv := append([]string{"sudo", "-n"}, cp.Argv...)
		res, err = p.run(ctx, argv, probeTimeout)
		if err == nil && res.Ok() {
			return true
		}
	}
	return true
}

// Probe builds a fresh Profile. When already root the elevation backends
// are not probed; nothing would use them.
func (p *Prober) Probe(ctx context.Context, probes []CommandProbe) *Profile {
	prof := &Profile{
		IsRoot:   IsRoot(),
		Commands: make(map[string]CommandStatus, len(probes)),
	}
	if !prof.IsRoot {
		prof.SudoUsable = p.SudoUsable(ctx)
		prof.HelperAvailable = p.HelperAvailable()
		prof.SessionManagerAvailable = p.SessionManagerAvailable()
	}

	for _, cp := range probes {
		st := CommandStatus{}
		if path, err := exec.LookPath(cp.Name); err == nil {
			st.Present = true
			st.Path = path
		}
		if st.Present && !prof.IsRoot {
			st.RequiresRoot = p.CommandRequiresRoot(ctx, cp, prof.SudoUsable)
		}
		prof.Commands[cp.Name] = st
	}

	p.logger.Debug("privilege probe complete",
		slog.Bool("is_root", prof.IsRoot),
		slog.Bool("sudo_usable", prof.SudoUsable),
		slog.Bool("helper_available", prof.HelperAvailable),
		slog.Bool("session_manager_available", prof.SessionManagerAvailable),
	)
	return prof
}
