package simtypes

import (
	"sync"
	"time"
)

// Session is the aggregate root: one simulation's roster, graph, tick
// state, message queue, history, delegation tracking, cost/rate state,
// simulation inputs, and pre-simulation artifacts.
//
// Session carries its own mutex because it is shared by the HTTP handlers,
// the per-session RunQueue worker, and (for auto mode) the autotick loop.
// Callers that need multi-field atomicity should still route mutation
// through the per-session serialization queue (internal/scheduler); the
// mutex here exists so read-only snapshots (GetState) never race a writer.
type Session struct {
	mu sync.RWMutex

	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	Phase     Phase     `json:"phase"`

	Agents []Agent `json:"agents"`
	Edges  []Edge  `json:"edges"`

	TickIndex         int        `json:"tick_index"`
	TickStatus        TickStatus `json:"tick_status"`
	LastTickTimestamp *time.Time `json:"last_tick_timestamp,omitempty"`

	MessageQueue []*Message `json:"message_queue"`

	// History is keyed by agent_id, bounded by MaxHistoryDepth (FIFO
	// eviction happens in internal/tickengine when appending).
	History         map[string][]HistoryEntry `json:"history"`
	MaxHistoryDepth int                       `json:"max_history_depth"`

	// Delegation tracking.
	ExpectedResponses map[string]bool `json:"expected_responses"`
	FinalAnswer       string          `json:"final_answer,omitempty"`

	CostUSD    float64 `json:"cost_usd"`
	MaxCostUSD float64 `json:"max_cost_usd"`

	TickRateLimitMs int `json:"tick_rate_limit_ms"`

	MainTask       string         `json:"main_task"`
	InitialPrompt  string         `json:"initial_prompt"`
	FirstAgentID   string         `json:"first_agent_id"`
	SimulationMode SimulationMode `json:"simulation_mode"`
	AutoDelayMs    int            `json:"auto_delay_ms,omitempty"`
	TickBudget     *int           `json:"tick_budget,omitempty"`

	// LLM mode. UseRealLLM=false means every expected response is answered
	// with a deterministic stub.
	UseRealLLM         bool    `json:"use_real_llm"`
	LLMProvider        string  `json:"llm_provider,omitempty"`
	DefaultModel       string  `json:"default_model,omitempty"`
	DefaultTemperature float64 `json:"default_temperature,omitempty"`

	// PreSimArtifacts is opaque to the simulation core: intent profile,
	// build spec, concept, task graph produced by the Session Coordinator.
	PreSimArtifacts map[string]any `json:"pre_sim_artifacts"`

	// MessageSeq is the per-session counter embedded in message IDs
	// (msg-<tick>-<counter>), so ordering is reconstructable even across
	// messages created within the same tick.
	MessageSeq int `json:"message_seq"`
}

// NewSession constructs a session in its initial QUESTIONNAIRE phase.
func NewSession(sessionID string, now time.Time) *Session {
	return &Session{
		SessionID:          sessionID,
		CreatedAt:          now,
		Phase:              PhaseQuestionnaire,
		Agents:             nil,
		Edges:              nil,
		TickStatus:         TickIdle,
		History:            make(map[string][]HistoryEntry),
		MaxHistoryDepth:    20,
		ExpectedResponses:  make(map[string]bool),
		SimulationMode:     ModeManual,
		MaxCostUSD:         1.0,
		TickRateLimitMs:    1000,
		DefaultModel:       "gpt-4o-mini",
		DefaultTemperature: 0.7,
		PreSimArtifacts:    make(map[string]any),
	}
}

// Lock/Unlock/RLock/RUnlock expose the embedded mutex so callers that
// already run under the per-session serialization queue (and therefore
// only need to guard against concurrent GetState readers) can take it
// explicitly without a wrapper type.
func (s *Session) Lock()    { s.mu.Lock() }
func (s *Session) Unlock()  { s.mu.Unlock() }
func (s *Session) RLock()   { s.mu.RLock() }
func (s *Session) RUnlock() { s.mu.RUnlock() }

// Terminal reports whether the session's phase admits no further mutation.
func (s *Session) Terminal() bool {
	return s.Phase.Terminal()
}

// AgentByID returns the roster entry for id, if present.
func (s *Session) AgentByID(id string) (Agent, bool) {
	for _, a := range s.Agents {
		if a.AgentID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// HasAgent reports whether id is present in the roster.
func (s *Session) HasAgent(id string) bool {
	_, ok := s.AgentByID(id)
	return ok
}

// RoleOf returns the roster role for id ("" when unknown).
func (s *Session) RoleOf(id string) AgentRole {
	a, ok := s.AgentByID(id)
	if !ok {
		return ""
	}
	return a.Role
}

// IsOrchestrator reports whether id holds the orchestrator role, which
// grants broadcast rights on the communication graph.
func (s *Session) IsOrchestrator(id string) bool {
	return s.RoleOf(id) == RoleOrchestrator
}

// AgentIDs returns roster ids in roster order.
func (s *Session) AgentIDs() []string {
	out := make([]string, 0, len(s.Agents))
	for _, a := range s.Agents {
		out = append(out, a.AgentID)
	}
	return out
}
