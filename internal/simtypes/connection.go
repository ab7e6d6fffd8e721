package simtypes

import "time"

// DuplexHandle is the transport-agnostic send side of a registered remote
// agent connection. internal/gateway/websocket implements it over
// gorilla/websocket; the connection manager and tick engine depend only on
// this interface.
type DuplexHandle interface {
	Send(frame any) error
	Close(code int, reason string)
}

// AgentConnection is a live remote-agent duplex channel, owned exclusively
// by the connection manager.
type AgentConnection struct {
	AgentID       string
	DuplexHandle  DuplexHandle
	AuthToken     string
	Capabilities  []string
	Workdir       string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// ProgressCallback is invoked with incremental status/text as a remote
// dispatch makes progress, before its final response arrives.
type ProgressCallback func(status, text string, metadata map[string]any)

// PendingDispatch tracks a remote dispatch awaiting a response or timeout.
type PendingDispatch struct {
	MessageID        string
	AgentID          string
	SessionID        string
	Content          string
	Context          map[string]any
	DispatchedAt     time.Time
	ProgressCallback ProgressCallback

	// Done is the completion_handle. The connection manager resolves it at
	// most once: every resolution path first removes the dispatch from the
	// manager's map under its lock.
	Done chan DispatchResult
}

// DispatchResult is the outcome delivered to whoever is awaiting a
// PendingDispatch's Done channel.
type DispatchResult struct {
	MessageID string
	AgentID   string
	Content   string
	Usage     map[string]any
	Err       error
}

// WebSocket close codes for the remote-agent duplex protocol.
const (
	CloseCodeUnauthorized      = 4001
	CloseCodeDuplicateAgentID  = 4002
	CloseCodeHeartbeatTimeout  = 4003
)
