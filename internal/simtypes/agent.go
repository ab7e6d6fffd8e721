package simtypes

// Agent is one roster entry in a session's agent configuration.
type Agent struct {
	AgentID     string    `json:"agent_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        AgentRole `json:"role,omitempty"`
	ModelID     string    `json:"model_id,omitempty"`
	AgentType   AgentType `json:"agent_type"`
}

// Edge is a directed (optionally bidirectional) communication-graph edge.
type Edge struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Label         string `json:"label,omitempty"`
	Bidirectional bool   `json:"bidirectional"`
}

// HistoryEntry is one turn of an agent's conversation history.
type HistoryEntry struct {
	Role    string `json:"role"` // "user" | "assistant"
	Content any    `json:"content"`
}
