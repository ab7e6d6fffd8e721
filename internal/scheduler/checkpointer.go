package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"vibeforge/internal/session"
	"vibeforge/internal/simtypes"
	"vibeforge/internal/storage"
	"vibeforge/pkg/logger"
)

// Checkpointer mirrors the live Session Store into the SQLite checkpoint
// database: rehydrate non-terminal sessions at startup, write back on a
// fixed interval and at shutdown. The in-memory store stays authoritative;
// losing a checkpoint loses recovery convenience, never correctness of a
// running process.
type Checkpointer struct {
	db       *storage.DB
	store    *session.Store
	interval time.Duration
	log      *zerolog.Logger
}

// NewCheckpointer constructs a Checkpointer flushing every interval
// (default 30s).
func NewCheckpointer(db *storage.DB, store *session.Store, interval time.Duration) *Checkpointer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Checkpointer{
		db:       db,
		store:    store,
		interval: interval,
		log:      logger.Get(),
	}
}

// Rehydrate loads non-terminal checkpointed sessions into the live store.
// Sessions checkpointed mid-run come back paused: their tick loop did not
// survive the restart, and the operator decides whether to resume.
func (c *Checkpointer) Rehydrate() (int, error) {
	sessions, err := c.db.ListSessions(true)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, sess := range sessions {
		if sess.TickStatus == simtypes.TickRunning {
			sess.TickStatus = simtypes.TickPaused
		}
		if err := c.store.Insert(sess); err != nil {
			c.log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("rehydrate skipped")
			continue
		}
		count++
	}
	return count, nil
}

// Flush checkpoints every live session once.
func (c *Checkpointer) Flush() error {
	var firstErr error
	for _, sess := range c.store.List() {
		if err := c.db.SaveSession(sess); err != nil {
			c.log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("checkpoint write failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run flushes on the interval until ctx is cancelled, then flushes one
// final time.
func (c *Checkpointer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.Flush()
			return
		case <-ticker.C:
			_ = c.Flush()
		}
	}
}
