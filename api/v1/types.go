// Package v1 provides the control-plane API: session workflow
// configuration, simulation lifecycle, event queries, and remote-agent
// management.
package v1

import "vibeforge/internal/simtypes"

// Error codes for API responses.
const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeAgentNotConnected = "AGENT_NOT_CONNECTED"
	ErrCodeGuardrail         = "GUARDRAIL_BREACH"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// ErrorResponse is the API error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// CreateSessionResponse acknowledges a new session.
type CreateSessionResponse struct {
	SessionID string         `json:"session_id"`
	Phase     simtypes.Phase `json:"phase"`
	CreatedAt string         `json:"created_at"`
}

// InitAgentsRequest sets a session's roster.
type InitAgentsRequest struct {
	Agents []AgentSpec `json:"agents"`
}

// AgentSpec is one roster entry in an init request.
type AgentSpec struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"`
	ModelID     string `json:"model_id,omitempty"`
	AgentType   string `json:"agent_type,omitempty"`
}

// AssignRoleRequest assigns a role (and optionally a model) to one agent.
type AssignRoleRequest struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
	ModelID string `json:"model_id,omitempty"`
}

// SetTaskRequest sets the session's main task.
type SetTaskRequest struct {
	MainTask string `json:"main_task"`
}

// FlowsRequest configures the communication graph.
type FlowsRequest struct {
	Edges []EdgeSpec `json:"edges"`
}

// EdgeSpec is one directed (optionally bidirectional) edge.
type EdgeSpec struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Label         string `json:"label,omitempty"`
	Bidirectional bool   `json:"bidirectional,omitempty"`
}

// WorkflowResponse summarizes a session's configured workflow.
type WorkflowResponse struct {
	SessionID string           `json:"session_id"`
	Phase     simtypes.Phase   `json:"phase"`
	MainTask  string           `json:"main_task"`
	Agents    []simtypes.Agent `json:"agents"`
	Edges     []simtypes.Edge  `json:"edges"`
}

// StartSimulationRequest starts a configured simulation.
type StartSimulationRequest struct {
	InitialPrompt string `json:"initial_prompt"`
	FirstAgentID  string `json:"first_agent_id"`
}

// ResetSimulationRequest resets a simulation.
type ResetSimulationRequest struct {
	PreserveWorkflow bool `json:"preserve_workflow"`
}

// TickRequest advances multiple ticks.
type TickRequest struct {
	TickCount int `json:"tick_count"`
}

// TickSummary reports one advanced tick.
type TickSummary struct {
	NewTickIndex    int              `json:"new_tick_index"`
	EventCount      int              `json:"processed_event_count"`
	Events          []simtypes.Event `json:"processed_events"`
	MessagesSent    int              `json:"messages_sent"`
	MessagesBlocked int              `json:"messages_blocked"`
}

// TickResponse reports one or more advanced ticks.
type TickResponse struct {
	TickIndex       int                 `json:"tick_index"`
	TickStatus      simtypes.TickStatus `json:"tick_status"`
	EventsProcessed int                 `json:"events_processed"`
	MessagesSent    int                 `json:"messages_sent"`
	MessagesBlocked int                 `json:"messages_blocked"`
	TickSummaries   []TickSummary       `json:"tick_summaries"`
	Message         string              `json:"message"`
}

// EventsResponse wraps an event-log query.
type EventsResponse struct {
	SessionID string           `json:"session_id"`
	Count     int              `json:"count"`
	Events    []simtypes.Event `json:"events"`
}

// RegisterAgentRequest pre-registers a remote agent id for a bridge.
type RegisterAgentRequest struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// RegisterAgentResponse returns the id the bridge should register under.
type RegisterAgentResponse struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

// DispatchRequest sends a task to a connected remote agent over HTTP.
type DispatchRequest struct {
	Content   string         `json:"content"`
	Context   map[string]any `json:"context,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	TimeoutMs int            `json:"timeout_ms,omitempty"`
}

// DispatchResponse reports the remote agent's reply.
type DispatchResponse struct {
	MessageID string         `json:"message_id"`
	AgentID   string         `json:"agent_id"`
	Content   string         `json:"content"`
	Usage     map[string]any `json:"usage,omitempty"`
	Error     string         `json:"error,omitempty"`
}
