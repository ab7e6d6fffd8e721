package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibeforge/internal/simerrors"
	"vibeforge/internal/simtypes"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func checkpointSession(id string) *simtypes.Session {
	sess := simtypes.NewSession(id, time.Now().UTC())
	sess.Agents = []simtypes.Agent{
		{AgentID: "O", Role: simtypes.RoleOrchestrator, AgentType: simtypes.AgentLocal},
		{AgentID: "W1", Role: simtypes.RoleWorker, AgentType: simtypes.AgentLocal},
	}
	sess.Edges = []simtypes.Edge{{From: "O", To: "W1", Bidirectional: true}}
	sess.MainTask = "solve X"
	sess.TickIndex = 4
	sess.MessageSeq = 7
	sess.MessageQueue = []*simtypes.Message{
		{MessageID: "msg-0-1", FromAgent: "user", ToAgent: "O", Content: simtypes.MessageContent{"text": "go"}, IsDelivered: true},
	}
	sess.History["O"] = []simtypes.HistoryEntry{{Role: "user", Content: "go"}}
	return sess
}

func TestSaveAndGetSessionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	sess := checkpointSession("s-1")

	require.NoError(t, db.SaveSession(sess))

	got, err := db.GetSession("s-1")
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, got.SessionID)
	assert.Equal(t, sess.Phase, got.Phase)
	assert.Equal(t, 4, got.TickIndex)
	assert.Equal(t, 7, got.MessageSeq)
	assert.Len(t, got.Agents, 2)
	require.Len(t, got.MessageQueue, 1)
	assert.Equal(t, "msg-0-1", got.MessageQueue[0].MessageID)
	assert.Len(t, got.History["O"], 1)
}

func TestSaveSessionUpserts(t *testing.T) {
	db := openTestDB(t)
	sess := checkpointSession("s-1")
	require.NoError(t, db.SaveSession(sess))

	sess.TickIndex = 9
	require.NoError(t, db.SaveSession(sess))

	got, err := db.GetSession("s-1")
	require.NoError(t, err)
	assert.Equal(t, 9, got.TickIndex)
}

func TestGetSessionNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetSession("missing")
	assert.ErrorIs(t, err, simerrors.ErrNotFound)
}

func TestListSessionsActiveOnly(t *testing.T) {
	db := openTestDB(t)

	active := checkpointSession("s-active")
	done := checkpointSession("s-done")
	done.Phase = simtypes.PhaseComplete
	require.NoError(t, db.SaveSession(active))
	require.NoError(t, db.SaveSession(done))

	all, err := db.ListSessions(false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	activeOnly, err := db.ListSessions(true)
	require.NoError(t, err)
	require.Len(t, activeOnly, 1)
	assert.Equal(t, "s-active", activeOnly[0].SessionID)
}

func TestDeleteSession(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SaveSession(checkpointSession("s-1")))

	require.NoError(t, db.DeleteSession("s-1"))
	assert.ErrorIs(t, db.DeleteSession("s-1"), simerrors.ErrNotFound)
}

func TestDelegateFanoutLifecycle(t *testing.T) {
	db := openTestDB(t)

	invs, err := db.RecordFanout("s-1", "O", []string{"W1", "W2"}, "analyze")
	require.NoError(t, err)
	require.Len(t, invs, 2)

	require.NoError(t, db.MarkResponded("s-1", "W1", 123))
	assert.ErrorIs(t, db.MarkResponded("s-1", "W1", 0), simerrors.ErrNotFound)

	listed, err := db.ListInvocations("s-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)

	byTarget := map[string]*DelegateInvocation{}
	for _, inv := range listed {
		byTarget[inv.TargetAgentID] = inv
	}
	assert.Equal(t, DelegateStatusResponded, byTarget["W1"].Status)
	assert.Equal(t, 123, byTarget["W1"].TotalTokens)
	assert.NotNil(t, byTarget["W1"].RespondedAt)
	assert.Equal(t, DelegateStatusPending, byTarget["W2"].Status)

	cancelled, err := db.CancelPending("s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening re-runs Run() against the applied version table.
	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count))
	assert.Equal(t, 1, count)
}
