package messagebus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibeforge/internal/simtypes"
)

type captureSink struct {
	events []simtypes.Event
}

func (c *captureSink) Emit(evt simtypes.Event) {
	c.events = append(c.events, evt)
}

func (c *captureSink) ofType(eventType string) []simtypes.Event {
	var out []simtypes.Event
	for _, e := range c.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestSession() *simtypes.Session {
	sess := simtypes.NewSession("s-1", time.Now().UTC())
	sess.Agents = []simtypes.Agent{
		{AgentID: "A", Role: simtypes.RoleOrchestrator, AgentType: simtypes.AgentLocal},
		{AgentID: "B", Role: simtypes.RoleWorker, AgentType: simtypes.AgentLocal},
		{AgentID: "C", Role: simtypes.RoleReviewer, AgentType: simtypes.AgentLocal},
	}
	sess.Edges = []simtypes.Edge{
		{From: "A", To: "B"},
		{From: "B", To: "C"},
	}
	return sess
}

func TestValidateSelfMessageAlwaysAllowed(t *testing.T) {
	bus := New(newTestSession(), nil)
	v := bus.Validate("C", "C")
	assert.True(t, v.Allowed)
}

func TestValidateOrchestratorBroadcasts(t *testing.T) {
	bus := New(newTestSession(), nil)
	// No A->C edge, but A is the orchestrator.
	v := bus.Validate("A", "C")
	assert.True(t, v.Allowed)
}

func TestValidateEdgeAndBidirectional(t *testing.T) {
	sess := newTestSession()
	sess.Edges = append(sess.Edges, simtypes.Edge{From: "C", To: "B", Bidirectional: true})
	bus := New(sess, nil)

	assert.True(t, bus.Validate("C", "B").Allowed)
	// Reverse direction of a bidirectional edge.
	assert.True(t, bus.Validate("B", "C").Allowed)
	v := bus.Validate("C", "A")
	assert.False(t, v.Allowed)
	assert.Equal(t, "C ↛ A not allowed", v.Reason)
}

func TestValidateUnknownEndpoints(t *testing.T) {
	bus := New(newTestSession(), nil)
	assert.Contains(t, bus.Validate("nope", "B").Reason, "Source agent 'nope' not configured")
	assert.Contains(t, bus.Validate("A", "nope").Reason, "Target agent 'nope' not configured")
}

func TestSendBlockedEmitsEventAndSkipsQueue(t *testing.T) {
	sess := newTestSession()
	sink := &captureSink{}
	bus := New(sess, sink)

	ok, msg := bus.Send("C", "B", simtypes.MessageContent{"text": "hi"}, false)
	assert.False(t, ok)
	assert.Nil(t, msg)
	assert.Empty(t, sess.MessageQueue)

	blocked := sink.ofType(simtypes.EventMessageBlockedByGraph)
	require.Len(t, blocked, 1)
	assert.Equal(t, "C ↛ B not allowed", blocked[0].Metadata["reason"])
	assert.Empty(t, sink.ofType(simtypes.EventMessageSent))
}

func TestSendGraphGatingScenario(t *testing.T) {
	// Roster {A(orchestrator), B(worker), C(reviewer)}; edges A->B, B->C.
	// send(A,C) succeeds via broadcast; send(C,B) blocks. Queue length 1.
	sess := newTestSession()
	sink := &captureSink{}
	bus := New(sess, sink)

	ok, _ := bus.Send("A", "C", simtypes.MessageContent{"text": "go"}, false)
	assert.True(t, ok)
	ok, _ = bus.Send("C", "B", simtypes.MessageContent{"text": "no"}, false)
	assert.False(t, ok)

	assert.Len(t, sess.MessageQueue, 1)
	assert.Len(t, sink.ofType(simtypes.EventMessageSent), 1)
	assert.Len(t, sink.ofType(simtypes.EventMessageBlockedByGraph), 1)
}

func TestSendBypassSkipsValidation(t *testing.T) {
	sess := newTestSession()
	bus := New(sess, &captureSink{})

	ok, msg := bus.Send("user", "B", simtypes.MessageContent{"text": "prompt"}, true)
	require.True(t, ok)
	assert.Equal(t, "user", msg.FromAgent)
	assert.Len(t, sess.MessageQueue, 1)
}

func TestMessageIDsEmbedTickAndCounter(t *testing.T) {
	sess := newTestSession()
	bus := New(sess, nil)

	_, m1 := bus.Send("A", "B", simtypes.MessageContent{}, false)
	sess.TickIndex = 3
	_, m2 := bus.Send("A", "B", simtypes.MessageContent{}, false)

	assert.Equal(t, "msg-0-1", m1.MessageID)
	assert.Equal(t, "msg-3-2", m2.MessageID)
	assert.Equal(t, 0, m1.TickCreated)
	assert.Equal(t, 3, m2.TickCreated)
}

func TestPendingForFiltersDeliveredAndBlocked(t *testing.T) {
	sess := newTestSession()
	bus := New(sess, nil)

	_, m1 := bus.Send("A", "B", simtypes.MessageContent{"text": "1"}, false)
	_, m2 := bus.Send("A", "B", simtypes.MessageContent{"text": "2"}, false)
	_, _ = bus.Send("A", "C", simtypes.MessageContent{"text": "3"}, false)

	bus.Deliver(m1, 1)
	pending := bus.PendingFor("B")
	require.Len(t, pending, 1)
	assert.Equal(t, m2.MessageID, pending[0].MessageID)
}

func TestDeliverIsMonotone(t *testing.T) {
	sess := newTestSession()
	bus := New(sess, nil)
	_, m := bus.Send("A", "B", simtypes.MessageContent{}, false)

	bus.Deliver(m, 2)
	bus.Deliver(m, 9)

	require.NotNil(t, m.TickDelivered)
	assert.Equal(t, 2, *m.TickDelivered)
	assert.True(t, m.IsDelivered)
	assert.GreaterOrEqual(t, *m.TickDelivered, m.TickCreated)
}

func TestClearDelivered(t *testing.T) {
	sess := newTestSession()
	bus := New(sess, nil)
	_, m1 := bus.Send("A", "B", simtypes.MessageContent{}, false)
	_, _ = bus.Send("A", "C", simtypes.MessageContent{}, false)

	bus.Deliver(m1, 1)
	assert.Equal(t, 1, bus.ClearDelivered())
	assert.Len(t, sess.MessageQueue, 1)
	assert.Equal(t, 0, bus.ClearDelivered())
}
