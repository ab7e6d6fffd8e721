package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibeforge/internal/session"
	"vibeforge/internal/simtypes"
	"vibeforge/internal/storage"
)

func newCheckpointer(t *testing.T) (*Checkpointer, *storage.DB, *session.Store) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "ckpt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := session.NewStore()
	return NewCheckpointer(db, store, time.Minute), db, store
}

func TestFlushAndRehydrate(t *testing.T) {
	c, db, store := newCheckpointer(t)

	sess := store.Create()
	sess.MainTask = "solve X"
	sess.TickIndex = 3
	sess.TickStatus = simtypes.TickRunning
	require.NoError(t, c.Flush())

	// A fresh process: new store, same database.
	store2 := session.NewStore()
	c2 := NewCheckpointer(db, store2, time.Minute)
	count, err := c2.Rehydrate()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store2.Get(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "solve X", got.MainTask)
	assert.Equal(t, 3, got.TickIndex)
	// A session checkpointed mid-run resumes paused.
	assert.Equal(t, simtypes.TickPaused, got.TickStatus)
}

func TestRehydrateSkipsTerminalSessions(t *testing.T) {
	c, db, store := newCheckpointer(t)

	done := store.Create()
	done.Phase = simtypes.PhaseComplete
	require.NoError(t, c.Flush())

	store2 := session.NewStore()
	count, err := NewCheckpointer(db, store2, time.Minute).Rehydrate()
	require.NoError(t, err)
	assert.Zero(t, count)
	_, err = store2.Get(done.SessionID)
	assert.Error(t, err)
}

func TestRehydrateSkipsExistingSessions(t *testing.T) {
	c, db, store := newCheckpointer(t)
	sess := store.Create()
	require.NoError(t, c.Flush())

	// Same store already holds the session; rehydrate must not clobber it.
	count, err := NewCheckpointer(db, store, time.Minute).Rehydrate()
	require.NoError(t, err)
	assert.Zero(t, count)

	got, err := store.Get(sess.SessionID)
	require.NoError(t, err)
	assert.Same(t, sess, got)
}
