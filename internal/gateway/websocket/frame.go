// Package websocket implements the remote-agent duplex channel: the /ws
// upgrade endpoint a remote agent bridge connects to, the JSON frame
// protocol exchanged on it, and the per-connection read/write pumps that
// feed the Remote Connection Manager.
package websocket

// Frame is the single wire shape for every message on the agent channel;
// Type selects which fields are meaningful.
type Frame struct {
	Type string `json:"type"`

	// register / registered
	AgentID      string         `json:"agent_id,omitempty"`
	AuthToken    string         `json:"auth_token,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Workdir      string         `json:"workdir,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Message      string         `json:"message,omitempty"`

	// dispatch / progress / response
	MessageID    string         `json:"message_id,omitempty"`
	Content      string         `json:"content,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Status       string         `json:"status,omitempty"`
	ProgressText string         `json:"progress_text,omitempty"`
	Usage        map[string]any `json:"usage,omitempty"`
	Error        string         `json:"error,omitempty"`

	// heartbeat
	Timestamp string `json:"timestamp,omitempty"`
}

// Frame types.
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeDispatch   = "dispatch"
	TypeProgress   = "progress"
	TypeResponse   = "response"
	TypeHeartbeat  = "heartbeat"
	TypeError      = "error"
)
