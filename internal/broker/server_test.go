// server_test.go runs a real server on a private socket and exercises the
// round trip, allow-list enforcement, error-kind separation, and the
// execution timeout.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// startTestServer runs a server on a socket in a short-lived temp dir and
// tears it down with the test.
func startTestServer(t *testing.T, opts ServerOptions) *Server {
	t.Helper()

	// Unix socket paths have a tight length limit, so avoid t.TempDir.
	dir, err := os.MkdirTemp("", "apmgr")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	opts.SocketPath = filepath.Join(dir, "broker.sock")
	srv := NewServer(opts)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		srv.Shutdown(shCtx)
		<-done
	})
	return srv
}

func testAllowList() AllowList {
	return AllowList{
		"echo_cmd":  {"echo"},
		"false_cmd": {"false"},
		"sleep_cmd": {"sleep"},
	}
}

func TestRoundTrip(t *testing.T) {
	srv := startTestServer(t, ServerOptions{Allow: testAllowList()})
	c := NewClient(srv.SocketPath(), nil)

	resp, err := c.Send(context.Background(), "echo_cmd", []string{"set", "wlan0", "up"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	if resp.ReturnCode == nil || *resp.ReturnCode != 0 {
		t.Errorf("returncode = %v, want 0", resp.ReturnCode)
	}
	if got := strings.TrimSpace(resp.Stdout); got != "set wlan0 up" {
		t.Errorf("stdout = %q: args were not appended to the template", got)
	}
	if resp.RequestID != "req_1" {
		t.Errorf("request_id = %q, want req_1", resp.RequestID)
	}
}

func TestRejectsUnknownCommand(t *testing.T) {
	srv := startTestServer(t, ServerOptions{Allow: testAllowList()})
	c := NewClient(srv.SocketPath(), nil)

	resp, err := c.Send(context.Background(), "rm", []string{"-rf", "/"})
	if err == nil {
		t.Fatal("expected error for disallowed command")
	}
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *CommandError", err)
	}
	if !ce.Rejected {
		t.Error("rejection not flagged as Rejected")
	}
	if resp == nil || resp.Error != "Command not allowed: rm" {
		t.Errorf("error message = %+v, want %q", resp, "Command not allowed: rm")
	}
	if resp.ReturnCode != nil {
		t.Error("returncode must be absent when nothing was executed")
	}
}

func TestCommandFailureIsNotTransportFailure(t *testing.T) {
	srv := startTestServer(t, ServerOptions{Allow: testAllowList()})
	c := NewClient(srv.SocketPath(), nil)

	resp, err := c.Send(context.Background(), "false_cmd", nil)
	if err == nil {
		t.Fatal("expected CommandError for non-zero exit")
	}
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *CommandError", err)
	}
	if ce.Rejected {
		t.Error("execution failure wrongly flagged as rejection")
	}
	if ce.ReturnCode != 1 {
		t.Errorf("returncode = %d, want 1", ce.ReturnCode)
	}
	if errors.Is(err, ErrDaemonNotRunning) || errors.Is(err, ErrDaemonTimeout) {
		t.Error("command failure conflated with a transport failure")
	}
	if resp == nil || resp.ReturnCode == nil || *resp.ReturnCode != 1 {
		t.Errorf("response = %+v, want returncode 1", resp)
	}
}

func TestDaemonNotRunning(t *testing.T) {
	c := NewClient("/nonexistent/dir/broker.sock", nil)
	_, err := c.Send(context.Background(), "echo_cmd", nil)
	if !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("error = %v, want ErrDaemonNotRunning", err)
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		t.Error("missing daemon wrongly reported as a command failure")
	}
}

func TestExecutionTimeout(t *testing.T) {
	srv := startTestServer(t, ServerOptions{
		Allow:       testAllowList(),
		ExecTimeout: 200 * time.Millisecond,
	})
	c := NewClient(srv.SocketPath(), nil)

	_, err := c.Send(context.Background(), "sleep_cmd", []string{"30"})
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *CommandError", err)
	}
	if ce.ReturnCode != -1 {
		t.Errorf("returncode = %d, want -1 for timeout", ce.ReturnCode)
	}
	if !strings.Contains(ce.Message, "timed out") {
		t.Errorf("message = %q, want timeout", ce.Message)
	}
}

func TestMalformedRequest(t *testing.T) {
	srv := startTestServer(t, ServerOptions{Allow: testAllowList()})

	conn, err := net.Dial("unix", srv.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success {
		t.Error("malformed request reported success")
	}
	if !strings.Contains(resp.Error, "invalid request") {
		t.Errorf("error = %q, want invalid request", resp.Error)
	}
}

func TestRequestIDsAreMonotonic(t *testing.T) {
	srv := startTestServer(t, ServerOptions{Allow: testAllowList()})
	c := NewClient(srv.SocketPath(), nil)

	for i := 1; i <= 3; i++ {
		resp, err := c.Send(context.Background(), "echo_cmd", []string{"x"})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		want := fmt.Sprintf("req_%d", i)
		if resp.RequestID != want {
			t.Errorf("request %d id = %q, want %q", i, resp.RequestID, want)
		}
	}
}

// TestShutdownDrainsInFlight starts a shutdown while a command is still
// executing. The command must run to completion and the client must see
// its real exit code; shutdown only stops admission, never a running
// child.
func TestShutdownDrainsInFlight(t *testing.T) {
	dir, err := os.MkdirTemp("", "apmgr")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	srv := NewServer(ServerOptions{
		SocketPath: filepath.Join(dir, "broker.sock"),
		Allow:      testAllowList(),
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		srv.Serve(ctx)
	}()

	c := NewClient(srv.SocketPath(), nil)
	type outcome struct {
		resp *Response
		err  error
	}
	got := make(chan outcome, 1)
	go func() {
		resp, err := c.Send(context.Background(), "sleep_cmd", []string{"0.5"})
		got <- outcome{resp, err}
	}()

	// Let the request get admitted, then pull the rug.
	time.Sleep(150 * time.Millisecond)
	cancel()
	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		t.Fatalf("shutdown did not wait for the in-flight handler: %v", err)
	}
	<-serveDone

	r := <-got
	if r.err != nil {
		t.Fatalf("in-flight command failed during shutdown: %v", r.err)
	}
	if r.resp.ReturnCode == nil || *r.resp.ReturnCode != 0 {
		t.Errorf("returncode = %v, want 0", r.resp.ReturnCode)
	}
}

func TestStaleSocketIsReplaced(t *testing.T) {
	dir, err := os.MkdirTemp("", "apmgr")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	sock := filepath.Join(dir, "broker.sock")
	if err := os.WriteFile(sock, []byte("stale"), 0o600); err != nil {
		t.Fatalf("plant stale socket: %v", err)
	}

	srv := NewServer(ServerOptions{SocketPath: sock, Allow: testAllowList()})
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen over stale socket: %v", err)
	}
	srv.Shutdown(context.Background())
}
