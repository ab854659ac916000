// Package systemd wraps the sd_notify protocol for the broker daemon,
// which runs as a Type=notify unit. Every call degrades to a no-op when
// systemd is absent (development, containers).
package systemd

import (
	"context"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady tells systemd initialization is complete and the socket is
// accepting connections. Returns false when not running under systemd.
func NotifyReady() bool {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		slog.Warn("failed to send systemd ready notification", "error", err)
		return false
	}
	return sent
}

// NotifyStopping tells systemd the shutdown sequence has begun, so it
// waits for the process instead of killing it.
func NotifyStopping() bool {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		slog.Warn("failed to send systemd stopping notification", "error", err)
		return false
	}
	return sent
}

// HealthCheckFunc reports whether the daemon is healthy enough to keep
// the watchdog fed.
type HealthCheckFunc func() bool

// StartWatchdog starts a goroutine pinging the systemd watchdog at half
// the WatchdogSec interval, skipping pings while healthCheck fails. Does
// nothing when the unit has no watchdog configured.
func StartWatchdog(ctx context.Context, healthCheck HealthCheckFunc) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		slog.Debug("systemd watchdog not enabled")
		return
	}

	pingInterval := interval / 2
	slog.Info("starting systemd watchdog", "ping_interval", pingInterval)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !healthCheck() {
					slog.Warn("health check failed, skipping watchdog ping")
					continue
				}
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					slog.Warn("failed to send watchdog ping", "error", err)
				}
			}
		}
	}()
}
