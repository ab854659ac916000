// errors.go separates the failure kinds a caller must be able to tell
// apart: the daemon being unreachable, the daemon misbehaving on the
// wire, and a command that the daemon rejected or that ran and failed.
package broker

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDaemonNotRunning: the socket is absent or refuses connections.
	ErrDaemonNotRunning = errors.New("broker: daemon not running")

	// ErrDaemonTimeout: the daemon accepted the connection but did not
	// answer within the deadline.
	ErrDaemonTimeout = errors.New("broker: daemon timed out")

	// ErrDaemonProtocol: the daemon's response could not be decoded.
	ErrDaemonProtocol = errors.New("broker: protocol error")
)

// CommandError reports a command-level failure: either the daemon
// rejected the command (allow-list violation, nothing was executed) or
// the command ran and exited non-zero or timed out. Never used for
// transport failures.
type CommandError struct {
	Command    string
	Rejected   bool
	ReturnCode int // -1 when nothing was executed or the command timed out
	Stdout     string
	Stderr     string
	Message    string
}

func (e *CommandError) Error() string {
	if e.Rejected {
		return fmt.Sprintf("broker: %s", e.Message)
	}
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Message
	}
	return fmt.Sprintf("broker: command %q failed (returncode %d): %s", e.Command, e.ReturnCode, msg)
}
