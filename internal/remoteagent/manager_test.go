package remoteagent

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibeforge/internal/simerrors"
	"vibeforge/internal/simtypes"
)

// fakeHandle records frames and close calls in place of a real websocket.
type fakeHandle struct {
	mu      sync.Mutex
	frames  []any
	closed  bool
	code    int
	reason  string
	sendErr error
}

func (f *fakeHandle) Send(frame any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeHandle) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
}

func (f *fakeHandle) wasClosed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.code
}

func newTestManager() *Manager {
	// Long intervals keep the background monitor quiet during tests that
	// drive reaping manually.
	return New(time.Hour, time.Hour)
}

func TestRegisterGeneratesSessionIDWhenAbsent(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown()

	ack := m.Register("r1", &fakeHandle{}, "tok", []string{"build"}, "/tmp", nil)
	assert.Equal(t, "r1", ack.AgentID)
	assert.NotEmpty(t, ack.SessionID)
	assert.True(t, m.Connected("r1"))
}

func TestRegisterReplacesExistingConnection(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown()

	old := &fakeHandle{}
	m.Register("r1", old, "tok", nil, "", nil)
	ch, err := m.Dispatch("r1", "msg-1-1", "task", nil, "s-1", nil)
	require.NoError(t, err)

	m.Register("r1", &fakeHandle{}, "tok", nil, "", map[string]any{"session_id": "s-9"})

	closed, code := old.wasClosed()
	assert.True(t, closed)
	assert.Equal(t, simtypes.CloseCodeDuplicateAgentID, code)

	// The old connection's pending dispatch resolves by cancellation.
	select {
	case res := <-ch:
		var notConnected *simerrors.AgentNotConnected
		assert.True(t, errors.As(res.Err, &notConnected))
	case <-time.After(time.Second):
		t.Fatal("pending dispatch not cancelled on replacement")
	}
	assert.Equal(t, 0, m.PendingCount(""))
}

func TestDispatchRequiresConnection(t *testing.T) {
	m := newTestManager()
	_, err := m.Dispatch("ghost", "msg-1-1", "task", nil, "s-1", nil)
	var notConnected *simerrors.AgentNotConnected
	assert.True(t, errors.As(err, &notConnected))
}

func TestDispatchSendsFrameAndResponseResolvesOnce(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown()

	h := &fakeHandle{}
	m.Register("r1", h, "tok", nil, "", nil)

	ch, err := m.Dispatch("r1", "msg-2-4", "do the thing", map[string]any{"k": "v"}, "s-1", nil)
	require.NoError(t, err)

	require.Len(t, h.frames, 1)
	frame := h.frames[0].(DispatchFrame)
	assert.Equal(t, "dispatch", frame.Type)
	assert.Equal(t, "msg-2-4", frame.MessageID)
	assert.Equal(t, "s-1", frame.SessionID)

	m.HandleResponse("msg-2-4", "r1", "done", map[string]any{"prompt_tokens": float64(3)}, "")
	// Duplicate response frames are dropped once the dispatch is gone.
	m.HandleResponse("msg-2-4", "r1", "done again", nil, "")

	res := <-ch
	assert.NoError(t, res.Err)
	assert.Equal(t, "done", res.Content)
	_, open := <-ch
	assert.False(t, open)

	completed := m.DrainCompleted("s-1")
	require.Len(t, completed, 1)
	assert.Equal(t, "msg-2-4", completed[0].Dispatch.MessageID)
	assert.Empty(t, m.DrainCompleted("s-1"))
}

func TestHandleResponseAgentMismatchKeepsDispatch(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown()

	m.Register("r1", &fakeHandle{}, "tok", nil, "", nil)
	_, err := m.Dispatch("r1", "msg-1-1", "task", nil, "s-1", nil)
	require.NoError(t, err)

	m.HandleResponse("msg-1-1", "imposter", "stolen", nil, "")
	assert.Equal(t, 1, m.PendingCount("s-1"))
}

func TestHandleProgressInvokesCallback(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown()

	m.Register("r1", &fakeHandle{}, "tok", nil, "", nil)

	var gotStatus, gotText string
	_, err := m.Dispatch("r1", "msg-1-1", "task", nil, "s-1",
		func(status, text string, _ map[string]any) {
			gotStatus, gotText = status, text
		})
	require.NoError(t, err)

	m.HandleProgress("msg-1-1", "r1", "working", "halfway", nil)
	assert.Equal(t, "working", gotStatus)
	assert.Equal(t, "halfway", gotText)

	// Mismatched agent drops the frame.
	m.HandleProgress("msg-1-1", "other", "hijack", "", nil)
	assert.Equal(t, "working", gotStatus)
}

func TestUnregisterCancelsPendingDispatches(t *testing.T) {
	m := newTestManager()

	m.Register("r1", &fakeHandle{}, "tok", nil, "", nil)
	ch, err := m.Dispatch("r1", "msg-1-1", "task", nil, "s-1", nil)
	require.NoError(t, err)

	var disconnectedReason string
	m.SetCallbacks(Callbacks{
		OnAgentDisconnected: func(_ string, reason string) { disconnectedReason = reason },
	})
	m.Unregister("r1", "disconnected")

	res := <-ch
	assert.Error(t, res.Err)
	assert.False(t, m.Connected("r1"))
	assert.Equal(t, "disconnected", disconnectedReason)
}

func TestExpireStaleResolvesWithTimeout(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown()

	m.Register("r1", &fakeHandle{}, "tok", nil, "", nil)
	ch, err := m.Dispatch("r1", "msg-1-1", "task", nil, "s-1", nil)
	require.NoError(t, err)

	// Nothing is stale yet.
	assert.Empty(t, m.ExpireStale("s-1", time.Minute))

	m.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }
	stale := m.ExpireStale("s-1", 5*time.Minute)
	require.Len(t, stale, 1)

	res := <-ch
	var timeout *simerrors.DispatchTimeout
	assert.True(t, errors.As(res.Err, &timeout))
	assert.Equal(t, 0, m.PendingCount("s-1"))
}

func TestExpireStaleScopedToSession(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown()

	m.Register("r1", &fakeHandle{}, "tok", nil, "", nil)
	_, err := m.Dispatch("r1", "msg-1-1", "a", nil, "s-1", nil)
	require.NoError(t, err)
	_, err = m.Dispatch("r1", "msg-1-2", "b", nil, "s-2", nil)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }
	assert.Len(t, m.ExpireStale("s-1", 5*time.Minute), 1)
	assert.Equal(t, 1, m.PendingCount("s-2"))
}

func TestHeartbeatReaping(t *testing.T) {
	m := New(50*time.Millisecond, time.Hour)
	defer m.Shutdown()

	h := &fakeHandle{}
	var lost string
	m.SetCallbacks(Callbacks{OnHeartbeatLost: func(id string) { lost = id }})
	m.Register("r1", h, "tok", nil, "", nil)

	// A live heartbeat keeps the connection.
	m.HandleHeartbeat("r1")
	m.reapStale()
	assert.True(t, m.Connected("r1"))

	m.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	m.reapStale()

	closed, code := h.wasClosed()
	assert.True(t, closed)
	assert.Equal(t, simtypes.CloseCodeHeartbeatTimeout, code)
	assert.Equal(t, "r1", lost)
	assert.False(t, m.Connected("r1"))
}

func TestCancelSession(t *testing.T) {
	m := newTestManager()
	defer m.Shutdown()

	m.Register("r1", &fakeHandle{}, "tok", nil, "", nil)
	ch, err := m.Dispatch("r1", "msg-1-1", "task", nil, "s-1", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, m.CancelSession("s-1", "simulation reset"))
	res := <-ch
	assert.Error(t, res.Err)
	assert.Equal(t, 0, m.PendingCount("s-1"))
}

func TestShutdownClosesAllConnections(t *testing.T) {
	m := newTestManager()
	h1, h2 := &fakeHandle{}, &fakeHandle{}
	m.Register("r1", h1, "tok", nil, "", nil)
	m.Register("r2", h2, "tok", nil, "", nil)

	m.Shutdown()

	c1, _ := h1.wasClosed()
	c2, _ := h2.wasClosed()
	assert.True(t, c1)
	assert.True(t, c2)
	assert.Empty(t, m.ConnectedAgents())
}
