// Package simcontrol implements the simulation controller: the
// stateless facade over configure/start/tick/pause/stop/reset that enforces
// phase legality and the cost/rate guardrails around the tick engine.
//
// Per-session serialization runs through the scheduler's RunQueue: at most
// one tick advances per session at a time, while unrelated sessions tick in
// parallel.
package simcontrol

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vibeforge/internal/eventlog"
	"vibeforge/internal/llmgen"
	"vibeforge/internal/messagebus"
	"vibeforge/internal/remoteagent"
	"vibeforge/internal/scheduler"
	"vibeforge/internal/simerrors"
	"vibeforge/internal/simtypes"
	"vibeforge/internal/tickengine"
)

// MaxTicksPerRequest caps a single advance_ticks call.
const MaxTicksPerRequest = 100

// Config carries the settable simulation parameters. Pointer fields are
// applied only when non-nil.
type Config struct {
	SimulationMode     simtypes.SimulationMode `json:"simulation_mode"`
	AutoDelayMs        int                     `json:"auto_delay_ms"`
	TickBudget         *int                    `json:"tick_budget,omitempty"`
	UseRealLLM         *bool                   `json:"use_real_llm,omitempty"`
	LLMProvider        *string                 `json:"llm_provider,omitempty"`
	DefaultModel       *string                 `json:"default_model,omitempty"`
	DefaultTemperature *float64                `json:"default_temperature,omitempty"`
	MaxCostUSD         *float64                `json:"max_cost_usd,omitempty"`
	TickRateLimitMs    *int                    `json:"tick_rate_limit_ms,omitempty"`
}

// State is the projection returned by GetState.
type State struct {
	SessionID         string                  `json:"session_id"`
	Phase             simtypes.Phase          `json:"phase"`
	TickIndex         int                     `json:"tick_index"`
	TickStatus        simtypes.TickStatus     `json:"tick_status"`
	SimulationMode    simtypes.SimulationMode `json:"simulation_mode"`
	AutoDelayMs       int                     `json:"auto_delay_ms"`
	UseRealLLM        bool                    `json:"use_real_llm"`
	CostUSD           float64                 `json:"cost_usd"`
	MaxCostUSD        float64                 `json:"max_cost_usd"`
	TickRateLimitMs   int                     `json:"tick_rate_limit_ms"`
	MainTask          string                  `json:"main_task"`
	InitialPrompt     string                  `json:"initial_prompt"`
	FirstAgentID      string                  `json:"first_agent_id"`
	FinalAnswer       string                  `json:"final_answer,omitempty"`
	ExpectedResponses []string                `json:"expected_responses"`
	Agents            []simtypes.Agent        `json:"agents"`
	Edges             []simtypes.Edge         `json:"edges"`
	PendingMessages   int                     `json:"pending_messages"`
	TotalMessages     int                     `json:"total_messages"`
}

// Controller wires the tick engine's collaborators together per operation.
type Controller struct {
	events *eventlog.Log
	gen    *llmgen.Generator
	remote *remoteagent.Manager
	queue  *scheduler.RunQueue

	dispatchTTL time.Duration
	now         func() time.Time
}

// New constructs a Controller. gen and remote may be nil (stub-only mode,
// no remote agents); queue must not be nil.
func New(events *eventlog.Log, gen *llmgen.Generator, remote *remoteagent.Manager, queue *scheduler.RunQueue) *Controller {
	return &Controller{
		events:      events,
		gen:         gen,
		remote:      remote,
		queue:       queue,
		dispatchTTL: tickengine.DefaultDispatchTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetDispatchTTL overrides how long remote dispatches may stay pending
// before the tick engine expires them.
func (c *Controller) SetDispatchTTL(ttl time.Duration) {
	if ttl > 0 {
		c.dispatchTTL = ttl
	}
}

func (c *Controller) emit(sess *simtypes.Session, eventType, message string, metadata map[string]any) {
	if c.events == nil {
		return
	}
	_ = c.events.Append(simtypes.Event{
		EventType: eventType,
		Timestamp: c.now().Format(time.RFC3339Nano),
		SessionID: sess.SessionID,
		Message:   message,
		Phase:     sess.Phase,
		Metadata:  metadata,
	})
}

// Configure applies cfg to a session. Rejected in terminal phases and while
// the simulation is running.
func (c *Controller) Configure(sess *simtypes.Session, cfg Config) error {
	sess.Lock()
	defer sess.Unlock()
	if sess.Terminal() {
		return &simerrors.ValidationError{Reason: fmt.Sprintf("Cannot configure simulation in %s phase", sess.Phase)}
	}
	if sess.TickStatus == simtypes.TickRunning {
		return &simerrors.ValidationError{Reason: "Cannot configure simulation while it is running. Pause or reset first."}
	}

	if cfg.SimulationMode != "" {
		if cfg.SimulationMode != simtypes.ModeManual && cfg.SimulationMode != simtypes.ModeAuto {
			return &simerrors.ValidationError{Field: "simulation_mode", Reason: "must be manual or auto"}
		}
		sess.SimulationMode = cfg.SimulationMode
	}
	sess.AutoDelayMs = cfg.AutoDelayMs
	if cfg.TickBudget != nil {
		sess.TickBudget = cfg.TickBudget
	}
	if cfg.UseRealLLM != nil {
		sess.UseRealLLM = *cfg.UseRealLLM
	}
	if cfg.LLMProvider != nil {
		sess.LLMProvider = *cfg.LLMProvider
	}
	if cfg.DefaultModel != nil {
		sess.DefaultModel = *cfg.DefaultModel
	}
	if cfg.DefaultTemperature != nil {
		sess.DefaultTemperature = *cfg.DefaultTemperature
	}
	if cfg.MaxCostUSD != nil {
		sess.MaxCostUSD = *cfg.MaxCostUSD
	}
	if cfg.TickRateLimitMs != nil {
		sess.TickRateLimitMs = *cfg.TickRateLimitMs
	}

	c.emit(sess, simtypes.EventSimulationConfigured, "Simulation configuration updated", map[string]any{
		"simulation_mode": sess.SimulationMode,
		"auto_delay_ms":   sess.AutoDelayMs,
		"use_real_llm":    sess.UseRealLLM,
		"max_cost_usd":    sess.MaxCostUSD,
	})
	return nil
}

// Start validates the workflow is complete and switches the session into
// the running state at tick 0. No state changes on validation failure.
func (c *Controller) Start(sess *simtypes.Session, initialPrompt, firstAgentID string) error {
	sess.Lock()
	defer sess.Unlock()
	if sess.Terminal() {
		return &simerrors.ValidationError{Reason: fmt.Sprintf("Cannot start simulation in %s phase", sess.Phase)}
	}
	if sess.TickStatus == simtypes.TickRunning {
		return &simerrors.ValidationError{Reason: "Simulation is already running"}
	}

	var missing []string
	if len(sess.Agents) == 0 {
		missing = append(missing, "agents")
	}
	var withoutRoles []string
	for _, a := range sess.Agents {
		if a.Role == "" {
			withoutRoles = append(withoutRoles, a.AgentID)
		}
	}
	if len(sess.Agents) > 0 && len(withoutRoles) > 0 {
		missing = append(missing, fmt.Sprintf("roles (missing for %s)", strings.Join(withoutRoles, ", ")))
	}
	if len(sess.Edges) == 0 {
		missing = append(missing, "flow graph")
	}
	if sess.MainTask == "" {
		missing = append(missing, "main task")
	}
	initialPrompt = strings.TrimSpace(initialPrompt)
	firstAgentID = strings.TrimSpace(firstAgentID)
	if initialPrompt == "" {
		missing = append(missing, "initial_prompt")
	}
	if firstAgentID == "" {
		missing = append(missing, "first_agent_id")
	}
	if len(missing) > 0 {
		return &simerrors.ValidationError{Reason: "Cannot start simulation: missing prerequisites: " + strings.Join(missing, ", ")}
	}
	if !sess.HasAgent(firstAgentID) {
		return &simerrors.ValidationError{Field: "first_agent_id", Reason: fmt.Sprintf("'%s' is not in agent roster", firstAgentID)}
	}

	sess.InitialPrompt = initialPrompt
	sess.FirstAgentID = firstAgentID
	sess.TickIndex = 0
	sess.TickStatus = simtypes.TickRunning
	sess.ExpectedResponses = make(map[string]bool)
	sess.FinalAnswer = ""

	c.emit(sess, simtypes.EventSimulationStarted, "Simulation started", map[string]any{
		"first_agent_id": firstAgentID,
		"agent_count":    len(sess.Agents),
	})
	return nil
}

// Reset returns the session to idle at tick 0, clears the queue and
// delegation state, cancels the session's pending remote dispatches, and
// truncates the event log. preserveWorkflow=false also clears the roster,
// graph, and main task.
func (c *Controller) Reset(sess *simtypes.Session, preserveWorkflow bool) error {
	sess.Lock()
	defer sess.Unlock()
	if sess.Terminal() {
		return &simerrors.ValidationError{Reason: fmt.Sprintf("Cannot reset simulation in %s phase", sess.Phase)}
	}

	sess.TickIndex = 0
	sess.TickStatus = simtypes.TickIdle
	sess.LastTickTimestamp = nil
	sess.InitialPrompt = ""
	sess.FirstAgentID = ""
	sess.MessageQueue = nil
	sess.MessageSeq = 0
	sess.ExpectedResponses = make(map[string]bool)
	sess.FinalAnswer = ""
	sess.History = make(map[string][]simtypes.HistoryEntry)
	sess.CostUSD = 0

	if c.remote != nil {
		c.remote.CancelSession(sess.SessionID, "simulation reset")
	}
	if c.events != nil {
		_ = c.events.Truncate(sess.SessionID)
	}

	if !preserveWorkflow {
		sess.Agents = nil
		sess.Edges = nil
		sess.MainTask = ""
	}

	detail := " (workflow cleared)"
	if preserveWorkflow {
		detail = " (workflow preserved)"
	}
	c.emit(sess, simtypes.EventSimulationReset, "Simulation reset"+detail, map[string]any{
		"workflow_preserved": preserveWorkflow,
	})
	return nil
}

// enforceGuardrails applies the pre-tick backpressure checks: the cost cap
// always, the rate limit only in real-LLM mode. Breaches translate to 429.
func (c *Controller) enforceGuardrails(sess *simtypes.Session) error {
	if sess.CostUSD >= sess.MaxCostUSD {
		return &simerrors.GuardrailBreach{
			Reason: fmt.Sprintf("Cost budget exceeded: $%.2f / $%.2f", sess.CostUSD, sess.MaxCostUSD),
		}
	}
	if !sess.UseRealLLM {
		return nil
	}
	if sess.LastTickTimestamp != nil && sess.TickRateLimitMs > 0 {
		elapsed := c.now().Sub(*sess.LastTickTimestamp)
		limit := time.Duration(sess.TickRateLimitMs) * time.Millisecond
		if elapsed < limit {
			remaining := (limit - elapsed).Milliseconds()
			return &simerrors.GuardrailBreach{Reason: fmt.Sprintf("Rate limit: wait %dms", remaining)}
		}
	}
	return nil
}

// seedInitialPrompt bypass-sends the initial prompt to the first agent when
// the very first tick begins with an empty queue.
func (c *Controller) seedInitialPrompt(sess *simtypes.Session, engine *tickengine.Engine) {
	if sess.TickIndex != 0 || sess.InitialPrompt == "" || sess.FirstAgentID == "" || len(sess.MessageQueue) > 0 {
		return
	}
	engine.Bus().Send("user", sess.FirstAgentID, simtypes.MessageContent{
		simtypes.FlagText:           sess.InitialPrompt,
		simtypes.FlagExpectResponse: true,
	}, true)
}

func (c *Controller) newEngine(sess *simtypes.Session) *tickengine.Engine {
	var gen *llmgen.Generator
	if sess.UseRealLLM {
		gen = c.gen
	}
	return tickengine.New(sess, c.events, gen, c.remote, tickengine.Options{DispatchTTL: c.dispatchTTL})
}

// AdvanceTick advances the session by exactly one tick, serialized against
// any other tick on the same session.
func (c *Controller) AdvanceTick(ctx context.Context, sess *simtypes.Session) (*tickengine.TickResult, error) {
	results, err := c.advance(ctx, sess, 1)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// AdvanceTicks advances the session by n ticks in one serialized unit.
func (c *Controller) AdvanceTicks(ctx context.Context, sess *simtypes.Session, n int) ([]*tickengine.TickResult, error) {
	return c.advance(ctx, sess, n)
}

func (c *Controller) advance(ctx context.Context, sess *simtypes.Session, n int) ([]*tickengine.TickResult, error) {
	if n < 1 {
		return nil, &simerrors.ValidationError{Field: "tick_count", Reason: "must be at least 1"}
	}
	if n > MaxTicksPerRequest {
		return nil, &simerrors.ValidationError{Field: "tick_count", Reason: fmt.Sprintf("must be at most %d", MaxTicksPerRequest)}
	}

	var results []*tickengine.TickResult
	run := func(ctx context.Context) error {
		sess.Lock()
		defer sess.Unlock()
		if sess.TickStatus != simtypes.TickRunning {
			return &simerrors.ValidationError{
				Reason: fmt.Sprintf("Cannot advance tick: simulation not running (status: %s)", sess.TickStatus),
			}
		}
		if err := c.enforceGuardrails(sess); err != nil {
			return err
		}

		engine := c.newEngine(sess)
		c.seedInitialPrompt(sess, engine)

		for i := 0; i < n; i++ {
			results = append(results, engine.AdvanceTick(ctx))
			if sess.TickStatus != simtypes.TickRunning {
				break
			}
		}
		now := c.now()
		sess.LastTickTimestamp = &now
		return nil
	}

	resCh, err := c.queue.Enqueue(sess.SessionID, ctx, run)
	if err != nil {
		return nil, err
	}
	select {
	case err := <-resCh:
		if err != nil {
			return nil, err
		}
		return results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pause suspends a running simulation.
func (c *Controller) Pause(sess *simtypes.Session) error {
	sess.Lock()
	defer sess.Unlock()
	if sess.TickStatus != simtypes.TickRunning {
		return &simerrors.ValidationError{
			Reason: fmt.Sprintf("Cannot pause: simulation not running (status: %s)", sess.TickStatus),
		}
	}
	sess.TickStatus = simtypes.TickPaused
	c.emit(sess, simtypes.EventSimulationPaused, "Simulation paused", map[string]any{
		"tick_index": sess.TickIndex,
	})
	return nil
}

// Stop completes a running or paused simulation.
func (c *Controller) Stop(sess *simtypes.Session) error {
	sess.Lock()
	defer sess.Unlock()
	if sess.TickStatus != simtypes.TickRunning && sess.TickStatus != simtypes.TickPaused {
		return &simerrors.ValidationError{
			Reason: fmt.Sprintf("Cannot stop: simulation not active (status: %s)", sess.TickStatus),
		}
	}
	sess.TickStatus = simtypes.TickCompleted
	c.emit(sess, simtypes.EventSimulationStopped, "Simulation stopped", map[string]any{
		"tick_index": sess.TickIndex,
	})
	return nil
}

// GetState projects the session's simulation state for the HTTP surface.
func (c *Controller) GetState(sess *simtypes.Session) State {
	sess.RLock()
	defer sess.RUnlock()
	expected := make([]string, 0, len(sess.ExpectedResponses))
	for id := range sess.ExpectedResponses {
		expected = append(expected, id)
	}
	pending := 0
	for _, m := range sess.MessageQueue {
		if !m.IsDelivered && !m.IsBlocked {
			pending++
		}
	}
	return State{
		SessionID:         sess.SessionID,
		Phase:             sess.Phase,
		TickIndex:         sess.TickIndex,
		TickStatus:        sess.TickStatus,
		SimulationMode:    sess.SimulationMode,
		AutoDelayMs:       sess.AutoDelayMs,
		UseRealLLM:        sess.UseRealLLM,
		CostUSD:           sess.CostUSD,
		MaxCostUSD:        sess.MaxCostUSD,
		TickRateLimitMs:   sess.TickRateLimitMs,
		MainTask:          sess.MainTask,
		InitialPrompt:     sess.InitialPrompt,
		FirstAgentID:      sess.FirstAgentID,
		FinalAnswer:       sess.FinalAnswer,
		ExpectedResponses: expected,
		Agents:            append([]simtypes.Agent(nil), sess.Agents...),
		Edges:             append([]simtypes.Edge(nil), sess.Edges...),
		PendingMessages:   pending,
		TotalMessages:     len(sess.MessageQueue),
	}
}

// ClearDelivered drops delivered messages from the session queue, exposed
// for maintenance endpoints.
func (c *Controller) ClearDelivered(sess *simtypes.Session) int {
	sess.Lock()
	defer sess.Unlock()
	return messagebus.New(sess, nil).ClearDelivered()
}
