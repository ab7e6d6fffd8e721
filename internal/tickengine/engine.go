// Package tickengine implements the per-tick coordinator. One
// AdvanceTick call performs one atomic simulation step: integrate remote
// responses, deliver at most one queued message, run the response strategy
// (delegation fan-out, remote dispatch, LLM reply, or deterministic stub),
// handle delegation completion, and emit TICK_ADVANCED.
//
// The engine mutates the session directly; the Simulation Controller
// serializes AdvanceTick calls per session through the scheduler queue.
package tickengine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"vibeforge/internal/eventlog"
	"vibeforge/internal/llmgen"
	"vibeforge/internal/messagebus"
	"vibeforge/internal/provider"
	"vibeforge/internal/remoteagent"
	"vibeforge/internal/simtypes"
	"vibeforge/pkg/logger"
)

// DefaultDispatchTTL bounds how long a remote dispatch may stay pending
// before the engine clears it and synthesizes an error reply.
const DefaultDispatchTTL = 5 * time.Minute

// TickResult summarizes one advanced tick for the controller and the HTTP
// surface.
type TickResult struct {
	TickIndex         int
	EventsInTick      int
	MessagesInTick    int
	MessagesBlocked   int
	Events            []simtypes.Event
	MessagesSent      []*simtypes.Message
	MessagesDelivered []*simtypes.Message
}

// Engine drives ticks for a single session.
type Engine struct {
	sess   *simtypes.Session
	bus    *messagebus.Bus
	events *eventlog.Log
	gen    *llmgen.Generator
	remote *remoteagent.Manager

	dispatchTTL time.Duration
	now         func() time.Time

	tickEvents []simtypes.Event
	log        *zerolog.Logger
}

// Options tune engine behavior beyond the session's own config.
type Options struct {
	DispatchTTL time.Duration
}

// New constructs an engine over sess. events, gen, and remote may each be
// nil: a nil event log drops events after buffering them in the tick
// result, a nil generator forces stub replies, a nil remote manager
// disables remote dispatch.
func New(sess *simtypes.Session, events *eventlog.Log, gen *llmgen.Generator, remote *remoteagent.Manager, opts Options) *Engine {
	if opts.DispatchTTL <= 0 {
		opts.DispatchTTL = DefaultDispatchTTL
	}
	e := &Engine{
		sess:        sess,
		events:      events,
		gen:         gen,
		remote:      remote,
		dispatchTTL: opts.DispatchTTL,
		now:         func() time.Time { return time.Now().UTC() },
		log:         logger.Get(),
	}
	e.bus = messagebus.New(sess, e)
	return e
}

// Bus exposes the engine's message bus so the controller can seed the
// initial prompt through the same event path.
func (e *Engine) Bus() *messagebus.Bus {
	return e.bus
}

// Emit implements messagebus.Emitter: stamp, buffer for the tick result,
// and append to the event log best-effort. Log write failures never abort
// a tick.
func (e *Engine) Emit(evt simtypes.Event) {
	if evt.Timestamp == "" {
		evt.Timestamp = e.now().Format(time.RFC3339Nano)
	}
	if evt.SessionID == "" {
		evt.SessionID = e.sess.SessionID
	}
	if evt.Phase == "" {
		evt.Phase = e.sess.Phase
	}
	e.tickEvents = append(e.tickEvents, evt)
	if e.events != nil {
		if err := e.events.Append(evt); err != nil {
			e.log.Warn().Err(err).Str("session_id", evt.SessionID).Msg("tick event append failed")
		}
	}
}

func (e *Engine) emit(eventType, message string, metadata map[string]any) {
	e.Emit(simtypes.Event{
		EventType: eventType,
		Message:   message,
		Metadata:  metadata,
	})
}

// AdvanceTick performs one atomic simulation step and returns its summary.
func (e *Engine) AdvanceTick(ctx context.Context) *TickResult {
	e.tickEvents = nil

	oldTick := e.sess.TickIndex
	e.sess.TickIndex++
	newTick := e.sess.TickIndex

	actedThisTick := make(map[string]bool)
	var delivered []*simtypes.Message

	// Integrate remote responses and expire stale dispatches before
	// choosing the tick's message.
	delivered = append(delivered, e.integrateRemoteResults(ctx, newTick, actedThisTick)...)

	// Deliver at most one queued message, FIFO, skipping senders that
	// already acted this tick.
	for _, msg := range e.sess.MessageQueue {
		if msg.IsDelivered || msg.IsBlocked || actedThisTick[msg.FromAgent] {
			continue
		}
		e.bus.Deliver(msg, newTick)
		delivered = append(delivered, msg)
		actedThisTick[msg.FromAgent] = true

		history := e.historySnapshot(msg.ToAgent)
		e.appendHistory(msg.ToAgent, "user", msg.Content)

		switch {
		case e.shouldDelegate(msg):
			e.queueDelegations(msg.ToAgent)
		case e.dispatchRemote(msg, newTick):
			// Response integrates in a later tick.
		case msg.Content.ExpectsResponse():
			e.reply(ctx, msg, history, newTick)
		}

		e.noteDelegationResponse(ctx, msg, newTick)
		break
	}

	var sent []*simtypes.Message
	for _, msg := range e.sess.MessageQueue {
		if msg.TickCreated == newTick {
			sent = append(sent, msg)
		}
	}
	blocked := 0
	for _, evt := range e.tickEvents {
		if evt.EventType == simtypes.EventMessageBlockedByGraph {
			blocked++
		}
	}

	if e.sess.TickBudget != nil && len(e.tickEvents) > *e.sess.TickBudget {
		e.log.Debug().
			Str("session_id", e.sess.SessionID).
			Int("tick_budget", *e.sess.TickBudget).
			Int("events", len(e.tickEvents)).
			Msg("tick budget exceeded")
	}

	e.emit(simtypes.EventTickAdvanced,
		fmt.Sprintf("Tick advanced: %d -> %d", oldTick, newTick),
		map[string]any{
			"tick_index":         newTick,
			"old_tick":           oldTick,
			"new_tick":           newTick,
			"old_tick_index":     oldTick,
			"new_tick_index":     newTick,
			"messages_delivered": len(delivered),
			"messages_sent":      len(sent),
			"messages_blocked":   blocked,
		})

	return &TickResult{
		TickIndex:         newTick,
		EventsInTick:      len(e.tickEvents),
		MessagesInTick:    len(sent),
		MessagesBlocked:   blocked,
		Events:            append([]simtypes.Event(nil), e.tickEvents...),
		MessagesSent:      sent,
		MessagesDelivered: delivered,
	}
}

// integrateRemoteResults drains responses that arrived since the previous
// tick and clears stale dispatches, synthesizing delivered replies for
// both.
func (e *Engine) integrateRemoteResults(ctx context.Context, newTick int, acted map[string]bool) []*simtypes.Message {
	if e.remote == nil {
		return nil
	}
	var delivered []*simtypes.Message

	for _, c := range e.remote.DrainCompleted(e.sess.SessionID) {
		to, _ := c.Dispatch.Context["from_agent"].(string)
		if to == "" {
			to = "user"
		}
		text := c.Result.Content
		if c.Result.Err != nil {
			text = "ERROR: " + c.Result.Err.Error()
		}
		payload := simtypes.MessageContent{
			simtypes.FlagText:           text,
			simtypes.FlagIsStub:         false,
			simtypes.FlagExpectResponse: false,
			simtypes.FlagInResponseTo:   c.Dispatch.MessageID,
		}

		meta := map[string]any{
			"tick_index": newTick,
			"agent_id":   c.Dispatch.AgentID,
			"message_id": c.Dispatch.MessageID,
		}
		if c.Result.Usage != nil {
			meta["usage"] = c.Result.Usage
		}
		if c.Result.Err != nil {
			meta["error"] = c.Result.Err.Error()
		}
		e.emit(simtypes.EventAgentResponse,
			fmt.Sprintf("Agent response: %s for %s", c.Dispatch.AgentID, c.Dispatch.MessageID), meta)

		if msg := e.deliverSynthetic(c.Dispatch.AgentID, to, payload, newTick); msg != nil {
			delivered = append(delivered, msg)
			acted[c.Dispatch.AgentID] = true
			e.noteDelegationResponse(ctx, msg, newTick)
		}
	}

	for _, d := range e.remote.ExpireStale(e.sess.SessionID, e.dispatchTTL) {
		to, _ := d.Context["from_agent"].(string)
		if to == "" {
			to = "user"
		}
		e.emit(simtypes.EventAgentError,
			fmt.Sprintf("Agent dispatch timed out: %s for %s", d.AgentID, d.MessageID),
			map[string]any{
				"tick_index": newTick,
				"agent_id":   d.AgentID,
				"message_id": d.MessageID,
				"error":      "dispatch timeout",
			})
		payload := simtypes.MessageContent{
			simtypes.FlagText:           fmt.Sprintf("ERROR: dispatch %s to %s timed out", d.MessageID, d.AgentID),
			"error":                     true,
			simtypes.FlagIsStub:         false,
			simtypes.FlagExpectResponse: false,
			simtypes.FlagInResponseTo:   d.MessageID,
		}
		if msg := e.deliverSynthetic(d.AgentID, to, payload, newTick); msg != nil {
			delivered = append(delivered, msg)
			acted[d.AgentID] = true
		}
	}
	return delivered
}

// deliverSynthetic enqueues a bypass message and marks it delivered within
// the same tick, recording it in the recipient's history.
func (e *Engine) deliverSynthetic(from, to string, payload simtypes.MessageContent, tick int) *simtypes.Message {
	ok, msg := e.bus.Send(from, to, payload, true)
	if !ok {
		return nil
	}
	e.bus.Deliver(msg, tick)
	e.appendHistory(to, "user", payload)
	return msg
}

// shouldDelegate reports whether delivering msg triggers the orchestrator's
// one-shot fan-out: a user prompt to the orchestrator that expects a
// response, with no delegation already in flight and at least one
// non-orchestrator agent to fan out to.
func (e *Engine) shouldDelegate(msg *simtypes.Message) bool {
	if msg.FromAgent != "user" {
		return false
	}
	if !e.sess.IsOrchestrator(msg.ToAgent) {
		return false
	}
	if !msg.Content.ExpectsResponse() {
		return false
	}
	if len(e.sess.ExpectedResponses) > 0 {
		return false
	}
	return len(e.delegateTargets(msg.ToAgent)) > 0
}

func (e *Engine) delegateTargets(orchestratorID string) []string {
	var targets []string
	for _, a := range e.sess.Agents {
		if a.AgentID == "" || a.AgentID == orchestratorID || a.Role == simtypes.RoleOrchestrator {
			continue
		}
		targets = append(targets, a.AgentID)
	}
	return targets
}

// queueDelegations enqueues one delegation message per non-orchestrator
// agent and records the set of expected responses.
func (e *Engine) queueDelegations(orchestratorID string) {
	targets := e.delegateTargets(orchestratorID)
	if len(targets) == 0 {
		return
	}
	e.sess.ExpectedResponses = make(map[string]bool, len(targets))
	e.sess.FinalAnswer = ""
	task := e.sess.MainTask
	if task == "" {
		task = e.sess.InitialPrompt
	}
	for _, target := range targets {
		e.sess.ExpectedResponses[target] = true
		e.bus.Send(orchestratorID, target, simtypes.MessageContent{
			simtypes.FlagText:           "Analyze the task and respond with reasoning + conclusion.\n\nTask: " + task,
			simtypes.FlagExpectResponse: true,
			simtypes.FlagDelegation:     true,
		}, false)
	}
}

// dispatchRemote forwards msg to the recipient's remote bridge when one is
// connected. Returns true when the message was dispatched.
func (e *Engine) dispatchRemote(msg *simtypes.Message, newTick int) bool {
	if e.remote == nil {
		return false
	}
	agent, ok := e.sess.AgentByID(msg.ToAgent)
	if !ok || agent.AgentType != simtypes.AgentRemote || !e.remote.Connected(msg.ToAgent) {
		return false
	}

	content := llmgen.NormalizeContent(msg.Content)
	_, err := e.remote.Dispatch(msg.ToAgent, msg.MessageID, content, map[string]any{
		"from_agent":     msg.FromAgent,
		"in_response_to": msg.MessageID,
		"tick_index":     newTick,
	}, e.sess.SessionID, nil)
	if err != nil {
		e.log.Warn().Err(err).Str("agent_id", msg.ToAgent).Msg("remote dispatch failed")
		return false
	}

	e.emit(simtypes.EventTaskDispatched,
		fmt.Sprintf("Task dispatched to %s", msg.ToAgent),
		map[string]any{
			"tick_index": newTick,
			"agent_id":   msg.ToAgent,
			"message_id": msg.MessageID,
			"from_agent": msg.FromAgent,
		})
	return true
}

// reply answers an expected-response message: through the LLM when the
// session runs one, otherwise (or on failure) with the deterministic stub.
// The reply is enqueued undelivered; it is this message's recipient acting,
// and the reply reaches the original sender on a later tick.
func (e *Engine) reply(ctx context.Context, msg *simtypes.Message, history []simtypes.HistoryEntry, newTick int) {
	var payload simtypes.MessageContent

	if e.sess.UseRealLLM && e.gen != nil {
		agent, _ := e.sess.AgentByID(msg.ToAgent)
		model := agent.ModelID
		if model == "" {
			model = e.sess.DefaultModel
		}
		generated, err := e.gen.GenerateResponse(ctx, msg.ToAgent, agent.Role, model, history, msg.Content)
		if err != nil {
			e.emitLLMFailure(msg.ToAgent, newTick, err)
		} else {
			payload = generated.Payload
			e.trackCost(msg.ToAgent, generated.Model, generated.Usage, newTick)
		}
	}

	if payload == nil {
		payload = llmgen.StubResponse(msg.ToAgent, msg.FromAgent, msg.Content, newTick)
	}

	payload[simtypes.FlagInResponseTo] = msg.MessageID
	e.appendHistory(msg.ToAgent, "assistant", payload)
	e.bus.Send(msg.ToAgent, msg.FromAgent, payload, true)
}

// noteDelegationResponse removes the sender from the expected-response set
// when the orchestrator receives a delegation reply, and finalizes the
// delegation once the set empties.
func (e *Engine) noteDelegationResponse(ctx context.Context, msg *simtypes.Message, newTick int) {
	if len(e.sess.ExpectedResponses) == 0 {
		return
	}
	if !e.sess.IsOrchestrator(msg.ToAgent) || !e.sess.ExpectedResponses[msg.FromAgent] {
		return
	}
	delete(e.sess.ExpectedResponses, msg.FromAgent)
	if len(e.sess.ExpectedResponses) == 0 {
		e.finalizeDelegation(ctx, msg.ToAgent, newTick)
	}
}

// finalizeDelegation asks the orchestrator for a final answer, tags it
// final_answer, delivers it to "user" in the same tick, and completes the
// simulation.
func (e *Engine) finalizeDelegation(ctx context.Context, orchestratorID string, newTick int) {
	var payload simtypes.MessageContent

	if e.sess.UseRealLLM && e.gen != nil {
		agent, _ := e.sess.AgentByID(orchestratorID)
		model := agent.ModelID
		if model == "" {
			model = e.sess.DefaultModel
		}
		generated, err := e.gen.GenerateResponse(ctx, orchestratorID, agent.Role, model,
			e.historySnapshot(orchestratorID),
			"Provide a final answer to the user based on the discussion.")
		if err != nil {
			e.emitLLMFailure(orchestratorID, newTick, err)
		} else {
			payload = generated.Payload
			e.trackCost(orchestratorID, generated.Model, generated.Usage, newTick)
		}
	}

	if payload == nil {
		task := e.sess.MainTask
		if task == "" {
			task = e.sess.InitialPrompt
		}
		payload = llmgen.StubFinalAnswer(task)
	}

	payload[simtypes.FlagFinalAnswer] = true
	e.appendHistory(orchestratorID, "assistant", payload)

	ok, finalMsg := e.bus.Send(orchestratorID, "user", payload, true)
	if ok {
		e.bus.Deliver(finalMsg, newTick)
	}

	e.sess.FinalAnswer = payload.String(simtypes.FlagText)
	e.sess.ExpectedResponses = make(map[string]bool)
	e.sess.TickStatus = simtypes.TickCompleted
}

func (e *Engine) emitLLMFailure(agentID string, tick int, err error) {
	e.emit(simtypes.EventLLMFailure, "LLM response generation failed", map[string]any{
		"tick_index": tick,
		"agent_id":   agentID,
		"error":      err.Error(),
	})
}

// trackCost prices a completion, accumulates it on the session, and emits
// COST_TRACKING when the completion cost anything.
func (e *Engine) trackCost(agentID, model string, usage *provider.Usage, tick int) {
	cost := e.gen.Cost(model, usage)
	if cost <= 0 {
		return
	}
	e.sess.CostUSD += cost
	meta := map[string]any{
		"tick_index":     tick,
		"agent_id":       agentID,
		"model":          model,
		"cost_usd":       cost,
		"total_cost_usd": e.sess.CostUSD,
	}
	if usage != nil {
		meta["prompt_tokens"] = usage.PromptTokens
		meta["completion_tokens"] = usage.CompletionTokens
		meta["total_tokens"] = usage.TotalTokens
	}
	e.emit(simtypes.EventCostTracking, fmt.Sprintf("Cost tracked: $%.6f", cost), meta)
}

// historySnapshot copies an agent's conversation history so a reply request
// does not also carry the incoming message the engine is about to append.
func (e *Engine) historySnapshot(agentID string) []simtypes.HistoryEntry {
	h := e.sess.History[agentID]
	if len(h) == 0 {
		return nil
	}
	return append([]simtypes.HistoryEntry(nil), h...)
}

// appendHistory records one conversation turn, evicting the oldest entries
// beyond the session's max depth.
func (e *Engine) appendHistory(agentID, role string, content any) {
	if agentID == "" {
		return
	}
	h := append(e.sess.History[agentID], simtypes.HistoryEntry{Role: role, Content: content})
	if max := e.sess.MaxHistoryDepth; max > 0 && len(h) > max {
		h = h[len(h)-max:]
	}
	e.sess.History[agentID] = h
}
