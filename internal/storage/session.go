package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"vibeforge/internal/simerrors"
	"vibeforge/internal/simtypes"
)

// SaveSession upserts a checkpoint of sess: a few queryable columns plus
// the full aggregate as a JSON snapshot.
func (db *DB) SaveSession(sess *simtypes.Session) error {
	sess.RLock()
	snapshot, err := json.Marshal(sess)
	sessionID := sess.SessionID
	createdAt := sess.CreatedAt
	phase := sess.Phase
	tickStatus := sess.TickStatus
	sess.RUnlock()
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO sessions (id, created_at, updated_at, phase, tick_status, snapshot)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			phase = excluded.phase,
			tick_status = excluded.tick_status,
			snapshot = excluded.snapshot`,
		sessionID, createdAt, time.Now().UTC(), string(phase), string(tickStatus), string(snapshot),
	)
	return err
}

// GetSession rehydrates one checkpointed session.
func (db *DB) GetSession(id string) (*simtypes.Session, error) {
	var snapshot string
	err := db.QueryRow("SELECT snapshot FROM sessions WHERE id = ?", id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, simerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSession(snapshot)
}

// ListSessions rehydrates checkpointed sessions, newest first. When
// activeOnly is set, terminal-phase sessions are skipped — a restarted
// process has no reason to reload them.
func (db *DB) ListSessions(activeOnly bool) ([]*simtypes.Session, error) {
	query := "SELECT snapshot FROM sessions"
	if activeOnly {
		query += " WHERE phase NOT IN ('COMPLETE', 'FAILED')"
	}
	query += " ORDER BY updated_at DESC"

	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*simtypes.Session
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		sess, err := decodeSession(snapshot)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a checkpoint.
func (db *DB) DeleteSession(id string) error {
	result, err := db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return simerrors.ErrNotFound
	}
	return nil
}

func decodeSession(snapshot string) (*simtypes.Session, error) {
	var sess simtypes.Session
	if err := json.Unmarshal([]byte(snapshot), &sess); err != nil {
		return nil, err
	}
	// Maps are nil after decoding an old snapshot that lacked them.
	if sess.History == nil {
		sess.History = make(map[string][]simtypes.HistoryEntry)
	}
	if sess.ExpectedResponses == nil {
		sess.ExpectedResponses = make(map[string]bool)
	}
	if sess.PreSimArtifacts == nil {
		sess.PreSimArtifacts = make(map[string]any)
	}
	return &sess, nil
}
