// protocol.go defines the wire protocol between the unprivileged client
// and the root-owned broker daemon.
//
// Transport is a Unix stream socket carrying UTF-8 JSON. Each connection
// carries exactly one request followed by exactly one response, after
// which the daemon closes the connection. Requests must not be pipelined
// on one connection; there is no length framing.
package broker

// DefaultSocketPath is the daemon's well-known socket.
const DefaultSocketPath = "/run/apmgr/broker.sock"

// rejectionPrefix opens the Error field of a rejected request. The
// client keys on it to tell rejection apart from execution failure, so
// both sides must use this constant.
const rejectionPrefix = "Command not allowed"

// Request asks the daemon to run one allow-listed command. Command is a
// logical key into the daemon's allow-list, never an executable path;
// Args are appended to the allow-list entry's fixed argv prefix.
type Request struct {
	ID      string   `json:"id"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Response reports the daemon's outcome for one request. ReturnCode is
// nil when nothing was executed (rejected command, malformed request,
// failure to start the process).
type Response struct {
	RequestID  string `json:"request_id"`
	Success    bool   `json:"success"`
	ReturnCode *int   `json:"returncode,omitempty"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Error      string `json:"error,omitempty"`
}
