// Package remoteagent implements the remote connection manager: the
// process-wide registry of duplex channels to remote agent bridges, the
// pending-dispatch/response matching layer, and the heartbeat reaper.
//
// Remote agents are host-scoped, not session-scoped, so a single Manager
// serves every session; dispatch bookkeeping carries a session_id so that
// session reset and the tick engine's response integration only touch their
// own session's dispatches.
package remoteagent

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vibeforge/internal/simerrors"
	"vibeforge/internal/simtypes"
	"vibeforge/pkg/logger"
)

// Heartbeat defaults.
const (
	DefaultHeartbeatTimeout       = 30 * time.Second
	DefaultHeartbeatCheckInterval = 5 * time.Second
)

// Callbacks let the owner (the gateway wiring) translate connection-manager
// activity into event-log entries without this package importing the log.
type Callbacks struct {
	OnAgentConnected    func(agentID string, info map[string]any)
	OnAgentDisconnected func(agentID, reason string)
	OnTaskDispatched    func(agentID, messageID, contentPreview string)
	OnAgentProgress     func(agentID, messageID, status string)
	OnAgentResponse     func(agentID, messageID, errMsg string)
	OnHeartbeatLost     func(agentID string)
}

// Registered is the acknowledgement returned to a freshly registered agent.
type Registered struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Message   string `json:"message"`
}

// DispatchFrame is the server->client frame announcing a task.
type DispatchFrame struct {
	Type      string         `json:"type"`
	MessageID string         `json:"message_id"`
	AgentID   string         `json:"agent_id"`
	Content   string         `json:"content"`
	Context   map[string]any `json:"context,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// Completed pairs a finished dispatch with its outcome, for the tick
// engine's per-session drain.
type Completed struct {
	Dispatch *simtypes.PendingDispatch
	Result   simtypes.DispatchResult
}

// Manager holds live connections and pending dispatches. All public methods
// are safe under concurrent dispatchers and inbound frames.
type Manager struct {
	mu          sync.Mutex
	connections map[string]*simtypes.AgentConnection
	pending     map[string]*simtypes.PendingDispatch
	completed   map[string][]Completed // session_id -> responses awaiting integration

	heartbeatTimeout time.Duration
	checkInterval    time.Duration
	callbacks        Callbacks

	monitorStop chan struct{}
	monitorDone chan struct{}

	now func() time.Time
	log *zerolog.Logger
}

// New constructs a Manager. Zero durations select the defaults.
func New(heartbeatTimeout, checkInterval time.Duration) *Manager {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	if checkInterval <= 0 {
		checkInterval = DefaultHeartbeatCheckInterval
	}
	return &Manager{
		connections:      make(map[string]*simtypes.AgentConnection),
		pending:          make(map[string]*simtypes.PendingDispatch),
		completed:        make(map[string][]Completed),
		heartbeatTimeout: heartbeatTimeout,
		checkInterval:    checkInterval,
		now:              func() time.Time { return time.Now().UTC() },
		log:              logger.Get(),
	}
}

// SetCallbacks installs event-logging hooks. Call before serving traffic.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	m.callbacks = cb
	m.mu.Unlock()
}

// Register inserts a connection for agentID, replacing (and closing, code
// 4002) any prior connection under the same id. The replaced connection's
// pending dispatches are cancelled. Starts the heartbeat monitor when it is
// the first connection.
func (m *Manager) Register(agentID string, handle simtypes.DuplexHandle, authToken string, capabilities []string, workdir string, metadata map[string]any) Registered {
	m.mu.Lock()

	if old, ok := m.connections[agentID]; ok {
		old.DuplexHandle.Close(simtypes.CloseCodeDuplicateAgentID, "Replaced by new connection")
		m.cancelDispatchesLocked(func(d *simtypes.PendingDispatch) bool {
			return d.AgentID == agentID
		}, &simerrors.AgentNotConnected{AgentID: agentID})
	}

	now := m.now()
	m.connections[agentID] = &simtypes.AgentConnection{
		AgentID:       agentID,
		DuplexHandle:  handle,
		AuthToken:     authToken,
		Capabilities:  capabilities,
		Workdir:       workdir,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}

	if m.monitorStop == nil {
		m.monitorStop = make(chan struct{})
		m.monitorDone = make(chan struct{})
		go m.heartbeatMonitor(m.monitorStop, m.monitorDone)
	}

	sessionID, _ := metadata["session_id"].(string)
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	cb := m.callbacks.OnAgentConnected
	m.mu.Unlock()

	if cb != nil {
		cb(agentID, map[string]any{
			"capabilities": capabilities,
			"workdir":      workdir,
			"metadata":     metadata,
		})
	}

	m.log.Info().Str("agent_id", agentID).Msg("remote agent registered")
	return Registered{SessionID: sessionID, AgentID: agentID, Message: "Registration successful"}
}

// Unregister removes agentID's connection, cancels all of its pending
// dispatches, and stops the heartbeat monitor if no connections remain.
func (m *Manager) Unregister(agentID, reason string) {
	m.mu.Lock()
	if _, ok := m.connections[agentID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.connections, agentID)
	m.cancelDispatchesLocked(func(d *simtypes.PendingDispatch) bool {
		return d.AgentID == agentID
	}, &simerrors.AgentNotConnected{AgentID: agentID})

	// Stop the monitor when the last connection goes away. No wait on
	// monitorDone here: Unregister is also called from the monitor
	// goroutine itself (heartbeat reaping), which must not block on its
	// own exit.
	var stop chan struct{}
	if len(m.connections) == 0 && m.monitorStop != nil {
		stop = m.monitorStop
		m.monitorStop, m.monitorDone = nil, nil
	}
	cb := m.callbacks.OnAgentDisconnected
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if cb != nil {
		cb(agentID, reason)
	}
	m.log.Info().Str("agent_id", agentID).Str("reason", reason).Msg("remote agent unregistered")
}

// UnregisterIf unregisters agentID only while handle is still its current
// connection. A replaced connection's read loop exits after the new
// registration landed; without the identity check it would tear down the
// replacement.
func (m *Manager) UnregisterIf(agentID string, handle simtypes.DuplexHandle, reason string) {
	m.mu.Lock()
	conn, ok := m.connections[agentID]
	if !ok || conn.DuplexHandle != handle {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.Unregister(agentID, reason)
}

// cancelDispatchesLocked removes every dispatch matching pred and resolves
// its handle with err. Caller holds m.mu.
func (m *Manager) cancelDispatchesLocked(pred func(*simtypes.PendingDispatch) bool, err error) {
	for id, d := range m.pending {
		if !pred(d) {
			continue
		}
		delete(m.pending, id)
		resolve(d, simtypes.DispatchResult{MessageID: d.MessageID, AgentID: d.AgentID, Err: err})
	}
}

// resolve delivers the result and closes the Done channel. The dispatch has
// already been removed from m.pending, so this runs at most once per
// dispatch.
func resolve(d *simtypes.PendingDispatch, res simtypes.DispatchResult) {
	d.Done <- res
	close(d.Done)
}

// Dispatch sends a task frame to a connected agent and records the pending
// dispatch. The returned channel receives exactly one DispatchResult.
func (m *Manager) Dispatch(agentID, messageID, content string, context map[string]any, sessionID string, progressCb simtypes.ProgressCallback) (<-chan simtypes.DispatchResult, error) {
	m.mu.Lock()
	conn, ok := m.connections[agentID]
	if !ok {
		m.mu.Unlock()
		return nil, &simerrors.AgentNotConnected{AgentID: agentID}
	}

	d := &simtypes.PendingDispatch{
		MessageID:        messageID,
		AgentID:          agentID,
		SessionID:        sessionID,
		Content:          content,
		Context:          context,
		DispatchedAt:     m.now(),
		ProgressCallback: progressCb,
		Done:             make(chan simtypes.DispatchResult, 1),
	}
	m.pending[messageID] = d
	cb := m.callbacks.OnTaskDispatched
	m.mu.Unlock()

	frame := DispatchFrame{
		Type:      "dispatch",
		MessageID: messageID,
		AgentID:   agentID,
		Content:   content,
		Context:   context,
		SessionID: sessionID,
	}
	if err := conn.DuplexHandle.Send(frame); err != nil {
		m.mu.Lock()
		delete(m.pending, messageID)
		m.mu.Unlock()
		resolve(d, simtypes.DispatchResult{MessageID: messageID, AgentID: agentID, Err: err})
		return d.Done, err
	}

	if cb != nil {
		cb(agentID, messageID, preview(content, 100))
	}
	return d.Done, nil
}

// HandleProgress routes a progress frame to the dispatch's callback. Frames
// for unknown dispatches or mismatched agents are dropped.
func (m *Manager) HandleProgress(messageID, agentID, status, progressText string, metadata map[string]any) {
	m.mu.Lock()
	d, ok := m.pending[messageID]
	if !ok || d.AgentID != agentID {
		m.mu.Unlock()
		return
	}
	progressCb := d.ProgressCallback
	cb := m.callbacks.OnAgentProgress
	m.mu.Unlock()

	if progressCb != nil {
		progressCb(status, progressText, metadata)
	}
	if cb != nil {
		cb(agentID, messageID, status)
	}
}

// HandleResponse matches a response frame to its pending dispatch, resolves
// the handle, and buffers the outcome for the owning session's next tick.
// A response claiming someone else's message_id leaves the dispatch in
// place.
func (m *Manager) HandleResponse(messageID, agentID, content string, usage map[string]any, errMsg string) {
	m.mu.Lock()
	d, ok := m.pending[messageID]
	if !ok || d.AgentID != agentID {
		m.mu.Unlock()
		return
	}
	delete(m.pending, messageID)

	var err error
	if errMsg != "" {
		err = &simerrors.ValidationError{Field: "response", Reason: errMsg}
	}
	res := simtypes.DispatchResult{
		MessageID: messageID,
		AgentID:   agentID,
		Content:   content,
		Usage:     usage,
		Err:       err,
	}
	m.completed[d.SessionID] = append(m.completed[d.SessionID], Completed{Dispatch: d, Result: res})
	cb := m.callbacks.OnAgentResponse
	m.mu.Unlock()

	resolve(d, res)
	if cb != nil {
		cb(agentID, messageID, errMsg)
	}
}

// HandleHeartbeat refreshes an agent's liveness. Silent on unknown agents.
func (m *Manager) HandleHeartbeat(agentID string) {
	m.mu.Lock()
	if conn, ok := m.connections[agentID]; ok {
		conn.LastHeartbeat = m.now()
	}
	m.mu.Unlock()
}

// DrainCompleted returns and clears the responses buffered for a session
// since the previous drain.
func (m *Manager) DrainCompleted(sessionID string) []Completed {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.completed[sessionID]
	delete(m.completed, sessionID)
	return out
}

// ExpireStale removes the session's pending dispatches older than ttl,
// resolving each with a DispatchTimeout, and returns them so the tick
// engine can synthesize error replies.
func (m *Manager) ExpireStale(sessionID string, ttl time.Duration) []*simtypes.PendingDispatch {
	cutoff := m.now().Add(-ttl)

	m.mu.Lock()
	var stale []*simtypes.PendingDispatch
	for id, d := range m.pending {
		if d.SessionID == sessionID && d.DispatchedAt.Before(cutoff) {
			delete(m.pending, id)
			stale = append(stale, d)
		}
	}
	m.mu.Unlock()

	for _, d := range stale {
		resolve(d, simtypes.DispatchResult{
			MessageID: d.MessageID,
			AgentID:   d.AgentID,
			Err:       &simerrors.DispatchTimeout{MessageID: d.MessageID, AgentID: d.AgentID},
		})
	}
	return stale
}

// CancelSession drops all pending dispatches for a session (used by
// simulation reset) and returns the count cancelled.
func (m *Manager) CancelSession(sessionID, reason string) int {
	m.mu.Lock()
	count := 0
	for id, d := range m.pending {
		if d.SessionID != sessionID {
			continue
		}
		delete(m.pending, id)
		count++
		resolve(d, simtypes.DispatchResult{
			MessageID: d.MessageID,
			AgentID:   d.AgentID,
			Err:       &simerrors.ValidationError{Field: "dispatch", Reason: reason},
		})
	}
	delete(m.completed, sessionID)
	m.mu.Unlock()
	return count
}

// Connected reports whether agentID has a live connection.
func (m *Manager) Connected(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.connections[agentID]
	return ok
}

// ConnectedAgents returns the ids of all live connections.
func (m *Manager) ConnectedAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.connections))
	for id := range m.connections {
		out = append(out, id)
	}
	return out
}

// AgentInfo returns a snapshot of a connection for the HTTP surface.
func (m *Manager) AgentInfo(agentID string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[agentID]
	if !ok {
		return nil, false
	}
	return map[string]any{
		"agent_id":       conn.AgentID,
		"capabilities":   conn.Capabilities,
		"workdir":        conn.Workdir,
		"connected_at":   conn.ConnectedAt.Format(time.RFC3339Nano),
		"last_heartbeat": conn.LastHeartbeat.Format(time.RFC3339Nano),
	}, true
}

// PendingCount reports outstanding dispatches, optionally scoped to a
// session ("" counts all).
func (m *Manager) PendingCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID == "" {
		return len(m.pending)
	}
	count := 0
	for _, d := range m.pending {
		if d.SessionID == sessionID {
			count++
		}
	}
	return count
}

// heartbeatMonitor closes connections whose last heartbeat is older than
// the timeout. It exits when stop is closed.
func (m *Manager) heartbeatMonitor(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.reapStale()
		}
	}
}

func (m *Manager) reapStale() {
	now := m.now()

	m.mu.Lock()
	var stale []*simtypes.AgentConnection
	for _, conn := range m.connections {
		if now.Sub(conn.LastHeartbeat) > m.heartbeatTimeout {
			stale = append(stale, conn)
		}
	}
	lostCb := m.callbacks.OnHeartbeatLost
	m.mu.Unlock()

	for _, conn := range stale {
		conn.DuplexHandle.Close(simtypes.CloseCodeHeartbeatTimeout, "Heartbeat timeout")
		if lostCb != nil {
			lostCb(conn.AgentID)
		}
		m.Unregister(conn.AgentID, "heartbeat_timeout")
	}
}

// Shutdown closes every connection with a shutdown reason and stops the
// heartbeat monitor. Pending dispatches are cancelled via Unregister.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.connections))
	for id, conn := range m.connections {
		conn.DuplexHandle.Close(1001, "Server shutting down")
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Unregister(id, "server_shutdown")
	}
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
