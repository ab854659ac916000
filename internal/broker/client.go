// client.go is the unprivileged side of the protocol. It connects to the
// daemon's socket, writes one serialized request, reads the single
// response, and keeps transport failures strictly separate from the
// command's own failure.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	defaultDialTimeout     = 5 * time.Second
	defaultResponseTimeout = 30 * time.Second
)

// Client talks to the broker daemon. Request ids are monotonic within one
// client instance; they exist for correlation in logs, the daemon neither
// deduplicates nor orders by them.
type Client struct {
	socketPath      string
	dialTimeout     time.Duration
	responseTimeout time.Duration
	logger          *slog.Logger

	mu     sync.Mutex
	nextID int
}

// NewClient creates a client for the daemon at socketPath (the default
// socket if empty).
func NewClient(socketPath string, logger *slog.Logger) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		socketPath:      socketPath,
		dialTimeout:     defaultDialTimeout,
		responseTimeout: defaultResponseTimeout,
		logger:          logger.With(slog.String("component", "broker-client")),
	}
}

// Available reports whether the daemon socket accepts connections.
func (c *Client) Available() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Send issues one request and waits for the daemon's single response.
//
// Failure surfaces in two distinct shapes: transport problems come back
// as ErrDaemonNotRunning, ErrDaemonTimeout or ErrDaemonProtocol with a
// nil response; a command that was rejected or that ran and failed comes
// back as a *CommandError alongside the decoded response.
func (c *Client) Send(ctx context.Context, command string, args []string) (*Response, error) {
	if _, err := os.Stat(c.socketPath); err != nil {
		return nil, fmt.Errorf("%w: socket %s missing", ErrDaemonNotRunning, c.socketPath)
	}

	conn, err := net.DialTimeout("unix", c.socketPath, c.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.responseTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if args == nil {
		args = []string{}
	}
	req := Request{ID: c.requestID(), Command: command, Args: args}

	c.logger.Debug("sending request",
		slog.String("request_id", req.ID),
		slog.String("command", command),
	)

	if err := json.NewEncoder(conn).Encode(&req); err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: send: %v", ErrDaemonTimeout, err)
		}
		return nil, fmt.Errorf("%w: send: %v", ErrDaemonProtocol, err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrDaemonTimeout, err)
		}
		return nil, fmt.Errorf("%w: decode response: %v", ErrDaemonProtocol, err)
	}

	if !resp.Success {
		ce := &CommandError{
			Command:    command,
			Rejected:   resp.ReturnCode == nil && strings.HasPrefix(resp.Error, rejectionPrefix),
			ReturnCode: -1,
			Stdout:     resp.Stdout,
			Stderr:     resp.Stderr,
			Message:    resp.Error,
		}
		if resp.ReturnCode != nil {
			ce.ReturnCode = *resp.ReturnCode
		}
		return &resp, ce
	}
	return &resp, nil
}

// requestID returns the next id in this client's sequence ("req_1", ...).
func (c *Client) requestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return fmt.Sprintf("req_%d", c.nextID)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
