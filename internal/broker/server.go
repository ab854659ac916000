// server.go is the daemon side of the protocol: a Unix socket listener
// that validates each request against a static allow-list, executes the
// matching command template with a bounded timeout, and writes one
// structured response per connection.
//
// The allow-list is the security boundary. The client supplies arguments,
// never the program: membership is by exact key, and unknown commands are
// rejected without anything being executed.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/skye-cyber/APManager/internal/executor"
)

// AllowList maps logical command names to fixed argv prefixes. Request
// args are appended to the prefix at execution time.
type AllowList map[string][]string

// DefaultAllowList covers the commands the hotspot path needs.
func DefaultAllowList() AllowList {
	return AllowList{
		"iw":        {"iw"},
		"ip_link":   {"ip", "link"},
		"ip_addr":   {"ip", "addr"},
		"hostapd":   {"hostapd"},
		"dnsmasq":   {"dnsmasq"},
		"systemctl": {"systemctl"},
		"mkdir":     {"mkdir", "-p"},
		"chown":     {"chown"},
	}
}

const (
	defaultExecTimeout     = 30 * time.Second
	defaultPerCommandLimit = 4

	// connDeadline bounds a whole connection; generous because it also
	// covers the command's own execution time.
	connDeadline = 2 * time.Minute
)

// ServerOptions configures a Server. Zero values pick defaults.
type ServerOptions struct {
	SocketPath      string
	Allow           AllowList
	ExecTimeout     time.Duration
	PerCommandLimit int
	Logger          *slog.Logger
}

// Server is the root-owned daemon side of the protocol. Handlers share
// nothing mutable but the admission semaphores; the allow-list is
// read-only after construction.
type Server struct {
	socketPath  string
	allow       AllowList
	exec        *executor.Executor
	execTimeout time.Duration
	logger      *slog.Logger

	// admission caps concurrent children per allow-listed command class.
	admission map[string]chan struct{}

	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a Server; call Listen then Serve.
func NewServer(opts ServerOptions) *Server {
	if opts.SocketPath == "" {
		opts.SocketPath = DefaultSocketPath
	}
	if opts.Allow == nil {
		opts.Allow = DefaultAllowList()
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = defaultExecTimeout
	}
	if opts.PerCommandLimit <= 0 {
		opts.PerCommandLimit = defaultPerCommandLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	admission := make(map[string]chan struct{}, len(opts.Allow))
	for name := range opts.Allow {
		admission[name] = make(chan struct{}, opts.PerCommandLimit)
	}

	return &Server{
		socketPath:  opts.SocketPath,
		allow:       opts.Allow,
		exec:        executor.New(),
		execTimeout: opts.ExecTimeout,
		logger:      opts.Logger.With(slog.String("component", "broker")),
		admission:   admission,
	}
}

// SocketPath returns the socket the server binds.
func (s *Server) SocketPath() string { return s.socketPath }

// Listen removes any stale socket, binds a fresh one, and restricts it to
// the owning user and group.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("broker: create socket directory: %w", err)
	}
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("broker: listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		ln.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("broker: set socket permissions: %w", err)
	}

	s.listener = ln
	s.logger.Info("broker listening", slog.String("socket", s.socketPath))
	return nil
}

// Serve accepts connections until the listener is closed. Each accepted
// connection is handled in its own goroutine; the only way out of the
// loop is the listener closing.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("broker: Serve called before Listen")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Transient accept failures (EMFILE and friends) must not
			// spin the loop.
			s.logger.Error("accept failed", slog.String("error", err.Error()))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Shutdown closes the listening socket, waits for in-flight handlers to
// finish (bounded by ctx), and removes the socket artifact.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("broker: handlers still running: %w", ctx.Err())
	}

	os.Remove(s.socketPath)
	return nil
}

// handle serves exactly one request on conn and closes it.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connDeadline))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Warn("malformed request", slog.String("error", err.Error()))
		s.reply(conn, Response{Success: false, Error: "invalid request: " + err.Error()})
		return
	}

	log := s.logger.With(
		slog.String("request_id", req.ID),
		slog.String("command", req.Command),
	)

	prefix, ok := s.allow[req.Command]
	if !ok {
		log.Warn("command not allowed")
		s.reply(conn, Response{
			RequestID: req.ID,
			Success:   false,
			Error:     rejectionPrefix + ": " + req.Command,
		})
		return
	}

	// Admission control: at most N children of this command class run at
	// once. Blocks rather than rejects, bounded by the connection
	// deadline and daemon shutdown.
	sem := s.admission[req.Command]
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		s.reply(conn, Response{RequestID: req.ID, Success: false, Error: "daemon shutting down"})
		return
	}
	defer func() { <-sem }()

	argv := append(append(make([]string, 0, len(prefix)+len(req.Args)), prefix...), req.Args...)
	log.Info("executing", slog.String("argv", strings.Join(argv, " ")))

	// A shutdown signal stops admission, never execution: a privileged
	// mutation that has been admitted must run to completion, bounded
	// only by execTimeout. Shutdown waits for these handlers.
	res, err := s.exec.Run(context.WithoutCancel(ctx), argv, s.execTimeout)
	if err != nil {
		log.Error("execution failed", slog.String("error", err.Error()))
		s.reply(conn, Response{RequestID: req.ID, Success: false, Error: err.Error()})
		return
	}

	rc := res.ExitCode
	resp := Response{
		RequestID:  req.ID,
		Success:    res.Ok(),
		ReturnCode: &rc,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
	}
	switch {
	case res.TimedOut:
		resp.Error = "command timed out"
	case rc != 0:
		resp.Error = fmt.Sprintf("exit status %d", rc)
	}
	s.reply(conn, resp)

	log.Info("command completed",
		slog.Int("returncode", rc),
		slog.Bool("timed_out", res.TimedOut),
		slog.Int64("duration_ms", res.DurationMs()),
	)
}

func (s *Server) reply(conn net.Conn, resp Response) {
	if err := json.NewEncoder(conn).Encode(&resp); err != nil {
		s.logger.Error("failed to write response", slog.String("error", err.Error()))
	}
}
