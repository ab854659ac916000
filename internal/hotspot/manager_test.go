// manager_test.go runs the bring-up and teardown sequences against a
// real broker server whose allow-list maps everything onto echo, so the
// sequencing and mutex behavior are exercised without touching real
// interfaces.
package hotspot

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skye-cyber/APManager/internal/broker"
	"github.com/skye-cyber/APManager/internal/lockfile"
	"github.com/skye-cyber/APManager/internal/profile"
)

func testProfile() *profile.Profile {
	return &profile.Profile{
		Name:             "test",
		SSID:             "TestNet",
		Interface:        "wlan0",
		VirtualInterface: "xap0",
		Gateway:          "192.168.4.1/24",
	}
}

// startEchoBroker serves an allow-list where every key is harmless.
func startEchoBroker(t *testing.T, allow broker.AllowList) *broker.Client {
	t.Helper()

	dir, err := os.MkdirTemp("", "apmgr")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	srv := broker.NewServer(broker.ServerOptions{
		SocketPath: filepath.Join(dir, "broker.sock"),
		Allow:      allow,
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		srv.Shutdown(shCtx)
	})

	return broker.NewClient(srv.SocketPath(), nil)
}

func newTestManager(t *testing.T, client *broker.Client) *Manager {
	t.Helper()
	mutex, err := lockfile.New(t.TempDir())
	if err != nil {
		t.Fatalf("mutex: %v", err)
	}
	t.Cleanup(func() { mutex.Close() })
	return NewManager(client, mutex, slog.Default(), "apmgr-daemon")
}

func TestStartSequenceSucceeds(t *testing.T) {
	client := startEchoBroker(t, broker.AllowList{
		"iw":        {"echo", "iw"},
		"ip_link":   {"echo", "ip", "link"},
		"ip_addr":   {"echo", "ip", "addr"},
		"systemctl": {"echo", "systemctl"},
	})
	m := newTestManager(t, client)

	if err := m.Start(context.Background(), testProfile()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// The mutex must be free again afterwards.
	if depth, err := m.mutex.Depth(); err != nil || depth != 0 {
		t.Errorf("mutex depth after start = %d (err %v), want 0", depth, err)
	}
}

func TestStartAbortsOnFirstFailure(t *testing.T) {
	// iw fails; nothing later in the sequence should matter.
	client := startEchoBroker(t, broker.AllowList{
		"iw":        {"false"},
		"ip_link":   {"echo"},
		"ip_addr":   {"echo"},
		"systemctl": {"echo"},
	})
	m := newTestManager(t, client)

	err := m.Start(context.Background(), testProfile())
	if err == nil {
		t.Fatal("expected start to fail")
	}
	var ce *broker.CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *CommandError", err)
	}
	if depth, _ := m.mutex.Depth(); depth != 0 {
		t.Errorf("mutex still held after failed start, depth %d", depth)
	}
}

func TestStopIsBestEffort(t *testing.T) {
	// systemctl fails but the interface teardown must still run; the
	// reported error is the systemctl one.
	client := startEchoBroker(t, broker.AllowList{
		"iw":        {"echo"},
		"ip_link":   {"echo"},
		"ip_addr":   {"echo"},
		"systemctl": {"false"},
	})
	m := newTestManager(t, client)

	err := m.Stop(context.Background(), testProfile())
	if err == nil {
		t.Fatal("expected stop to report the failed step")
	}
	var ce *broker.CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *CommandError", err)
	}
	if ce.Command != "systemctl" {
		t.Errorf("first error from %q, want systemctl", ce.Command)
	}
}

func TestEnsureDaemonReportsNotRunning(t *testing.T) {
	client := broker.NewClient(filepath.Join(t.TempDir(), "absent.sock"), nil)
	m := newTestManager(t, client)

	err := m.EnsureDaemon(context.Background())
	if !errors.Is(err, broker.ErrDaemonNotRunning) {
		t.Fatalf("error = %v, want ErrDaemonNotRunning", err)
	}
}
