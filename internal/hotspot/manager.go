// Package hotspot drives access point bring-up and teardown through the
// privileged broker. Every mutating sequence runs inside the
// cross-process mutex so concurrent apmgr invocations, elevated or not,
// never race on interface state.
package hotspot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skye-cyber/APManager/internal/broker"
	"github.com/skye-cyber/APManager/internal/executor"
	"github.com/skye-cyber/APManager/internal/lockfile"
	"github.com/skye-cyber/APManager/internal/privilege"
	"github.com/skye-cyber/APManager/internal/profile"
)

// apMAC is the locally administered address assigned to the virtual
// interface so the AP keeps a stable MAC across restarts.
const apMAC = "02:00:00:00:00:01"

const daemonStartTimeout = 10 * time.Second

// Manager sequences privileged network operations for one access point.
type Manager struct {
	client *broker.Client
	mutex  *lockfile.Mutex
	exec   *executor.Executor
	logger *slog.Logger
	unit   string
}

// NewManager creates a Manager. The mutex must outlive the manager; the
// caller owns its lifecycle.
func NewManager(client *broker.Client, mutex *lockfile.Mutex, logger *slog.Logger, daemonUnit string) *Manager {
	return &Manager{
		client: client,
		mutex:  mutex,
		exec:   executor.New(),
		logger: logger.With(slog.String("component", "hotspot")),
		unit:   daemonUnit,
	}
}

// EnsureDaemon verifies the broker daemon is reachable, making one
// bounded attempt to start its unit before giving up. More than one
// retry would just mask a broken installation.
func (m *Manager) EnsureDaemon(ctx context.Context) error {
	if m.client.Available() {
		return nil
	}

	m.logger.Info("broker daemon not reachable, attempting to start it",
		slog.String("unit", m.unit),
	)
	argv := []string{"systemctl", "start", m.unit}
	if !privilege.IsRoot() {
		argv = append([]string{"sudo", "-n"}, argv...)
	}
	if res, err := m.exec.Run(ctx, argv, daemonStartTimeout); err != nil {
		m.logger.Warn("daemon start attempt failed", slog.String("error", err.Error()))
	} else if !res.Ok() {
		m.logger.Warn("daemon start attempt failed",
			slog.Int("returncode", res.ExitCode),
			slog.String("stderr", res.Stderr),
		)
	}

	if m.client.Available() {
		return nil
	}
	return fmt.Errorf("%w: unit %s did not come up", broker.ErrDaemonNotRunning, m.unit)
}

// Start brings up the access point described by p: create the virtual
// interface, configure link and address, then start hostapd and dnsmasq.
// The first failing step aborts the sequence.
func (m *Manager) Start(ctx context.Context, p *profile.Profile) error {
	if err := m.mutex.Acquire(); err != nil {
		return err
	}
	defer m.mutex.Release()

	m.logger.Info("starting access point",
		slog.String("interface", p.Interface),
		slog.String("virtual_interface", p.VirtualInterface),
		slog.String("ssid", p.SSID),
	)

	steps := []struct {
		command string
		args    []string
	}{
		{"iw", []string{"dev", p.Interface, "interface", "add", p.VirtualInterface, "type", "__ap"}},
		{"ip_link", []string{"set", p.VirtualInterface, "down"}},
		{"ip_link", []string{"set", p.VirtualInterface, "address", apMAC}},
		{"ip_link", []string{"set", p.VirtualInterface, "up"}},
		{"ip_addr", []string{"add", p.Gateway, "dev", p.VirtualInterface}},
		{"systemctl", []string{"start", "hostapd"}},
		{"systemctl", []string{"start", "dnsmasq"}},
	}
	for _, step := range steps {
		if err := m.send(ctx, step.command, step.args); err != nil {
			return fmt.Errorf("hotspot: start %s: %w", p.VirtualInterface, err)
		}
	}
	return nil
}

// Stop tears the access point down. Teardown is best effort: every step
// runs even if earlier ones fail, and the first error is reported at the
// end. Stopping an already-stopped AP is not an error worth surfacing.
func (m *Manager) Stop(ctx context.Context, p *profile.Profile) error {
	if err := m.mutex.Acquire(); err != nil {
		return err
	}
	defer m.mutex.Release()

	m.logger.Info("stopping access point",
		slog.String("virtual_interface", p.VirtualInterface),
	)

	steps := []struct {
		command string
		args    []string
	}{
		{"systemctl", []string{"stop", "dnsmasq"}},
		{"systemctl", []string{"stop", "hostapd"}},
		{"ip_addr", []string{"flush", "dev", p.VirtualInterface}},
		{"ip_link", []string{"set", p.VirtualInterface, "down"}},
		{"iw", []string{"dev", p.VirtualInterface, "del"}},
	}
	var firstErr error
	for _, step := range steps {
		if err := m.send(ctx, step.command, step.args); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("hotspot: stop %s: %w", p.VirtualInterface, firstErr)
	}
	return nil
}

// send issues one broker request and logs command-level failures without
// losing the error kind for the caller.
func (m *Manager) send(ctx context.Context, command string, args []string) error {
	_, err := m.client.Send(ctx, command, args)
	if err == nil {
		return nil
	}

	var ce *broker.CommandError
	if errors.As(err, &ce) {
		m.logger.Warn("privileged command failed",
			slog.String("command", command),
			slog.Int("returncode", ce.ReturnCode),
			slog.String("stderr", ce.Stderr),
		)
	} else {
		m.logger.Error("broker transport failure",
			slog.String("command", command),
			slog.String("error", err.Error()),
		)
	}
	return err
}
