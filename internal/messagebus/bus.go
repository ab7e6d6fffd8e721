// Package messagebus implements the graph-gated message queue. The bus
// is per-session: it owns the session's message queue, validates sender/
// recipient pairs against the communication graph, and reports every send
// and every block to an event sink.
package messagebus

import (
	"fmt"

	"vibeforge/internal/agentgraph"
	"vibeforge/internal/simtypes"
)

// Emitter receives the events the bus produces (MESSAGE_SENT,
// MESSAGE_BLOCKED_BY_GRAPH). The tick engine passes itself here so bus
// events land in the per-tick buffer and the event log; standalone callers
// (the controller's initial-prompt send) pass the event log directly.
type Emitter interface {
	Emit(evt simtypes.Event)
}

// Validation is the outcome of checking a from/to pair against the graph.
type Validation struct {
	Allowed bool
	Reason  string
}

// Bus wraps one session's queue. It is not safe for concurrent use on its
// own; callers serialize per-session access (internal/scheduler).
type Bus struct {
	sess *simtypes.Session
	sink Emitter
}

// New constructs a bus over sess, reporting events to sink.
func New(sess *simtypes.Session, sink Emitter) *Bus {
	return &Bus{sess: sess, sink: sink}
}

// Validate checks whether from may message to. Allowed when the message is
// to self, the sender holds the orchestrator role, or a graph edge permits
// it (a bidirectional to->from edge counts).
func (b *Bus) Validate(from, to string) Validation {
	if !b.sess.HasAgent(from) {
		return Validation{Allowed: false, Reason: fmt.Sprintf("Source agent '%s' not configured", from)}
	}
	if !b.sess.HasAgent(to) {
		return Validation{Allowed: false, Reason: fmt.Sprintf("Target agent '%s' not configured", to)}
	}
	if from == to {
		return Validation{Allowed: true, Reason: "Self-message always allowed"}
	}
	if b.sess.IsOrchestrator(from) {
		return Validation{Allowed: true, Reason: "Orchestrator can broadcast to any agent"}
	}
	if agentgraph.HasEdge(b.sess.Edges, from, to) {
		return Validation{Allowed: true, Reason: fmt.Sprintf("Edge %s→%s exists in agent graph", from, to)}
	}
	// The "↛" marker is part of the observable contract; clients match it
	// literally.
	return Validation{Allowed: false, Reason: fmt.Sprintf("%s ↛ %s not allowed", from, to)}
}

// nextMessageID embeds the creating tick plus a per-session counter so
// queue order is reconstructable from ids alone.
func (b *Bus) nextMessageID() string {
	b.sess.MessageSeq++
	return fmt.Sprintf("msg-%d-%d", b.sess.TickIndex, b.sess.MessageSeq)
}

// Send validates (unless bypass) and enqueues a message. A blocked send
// emits MESSAGE_BLOCKED_BY_GRAPH and returns (false, nil) without touching
// the queue. A successful send emits MESSAGE_SENT with the full content.
func (b *Bus) Send(from, to string, content simtypes.MessageContent, bypass bool) (bool, *simtypes.Message) {
	if !bypass {
		v := b.Validate(from, to)
		if !v.Allowed {
			b.emit(simtypes.EventMessageBlockedByGraph,
				fmt.Sprintf("Message blocked: %s", v.Reason),
				map[string]any{
					"from_agent": from,
					"to_agent":   to,
					"reason":     v.Reason,
					"tick_index": b.sess.TickIndex,
				})
			return false, nil
		}
	}

	msg := &simtypes.Message{
		MessageID:   b.nextMessageID(),
		FromAgent:   from,
		ToAgent:     to,
		Content:     content,
		TickCreated: b.sess.TickIndex,
	}
	b.sess.MessageQueue = append(b.sess.MessageQueue, msg)

	metadata := map[string]any{
		"message_id": msg.MessageID,
		"from_agent": from,
		"to_agent":   to,
		"tick_index": b.sess.TickIndex,
		"content":    map[string]any(content),
	}
	if content.Bool(simtypes.FlagIsStub) {
		metadata["is_stub"] = true
	}
	b.emit(simtypes.EventMessageSent,
		fmt.Sprintf("Message sent: %s→%s", from, to), metadata)

	return true, msg
}

// PendingFor returns the undelivered, unblocked messages addressed to
// agentID, in queue order.
func (b *Bus) PendingFor(agentID string) []*simtypes.Message {
	var out []*simtypes.Message
	for _, m := range b.sess.MessageQueue {
		if m.ToAgent == agentID && !m.IsDelivered && !m.IsBlocked {
			out = append(out, m)
		}
	}
	return out
}

// Deliver marks msg delivered during tick. Monotone: a delivered message
// never becomes undelivered.
func (b *Bus) Deliver(msg *simtypes.Message, tick int) {
	if msg.IsDelivered {
		return
	}
	msg.IsDelivered = true
	t := tick
	msg.TickDelivered = &t
}

// ClearDelivered removes delivered messages from the queue and returns the
// count removed. Used by the controller at reset.
func (b *Bus) ClearDelivered() int {
	kept := b.sess.MessageQueue[:0]
	removed := 0
	for _, m := range b.sess.MessageQueue {
		if m.IsDelivered {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	b.sess.MessageQueue = kept
	return removed
}

func (b *Bus) emit(eventType, message string, metadata map[string]any) {
	if b.sink == nil {
		return
	}
	b.sink.Emit(simtypes.Event{
		EventType: eventType,
		SessionID: b.sess.SessionID,
		Message:   message,
		Phase:     b.sess.Phase,
		Metadata:  metadata,
	})
}
