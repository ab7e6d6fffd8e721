package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"vibeforge/internal/simerrors"
)

// Delegation invocation statuses.
const (
	DelegateStatusPending   = "pending"
	DelegateStatusResponded = "responded"
	DelegateStatusCancelled = "cancelled"
)

// DelegateInvocation is one orchestrator->agent fan-out record, kept for
// audit of the delegation trigger and completion.
type DelegateInvocation struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	OrchestratorID string     `json:"orchestrator_id"`
	TargetAgentID  string     `json:"target_agent_id"`
	Prompt         string     `json:"prompt"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
	TotalTokens    int        `json:"total_tokens"`
}

// RecordFanout inserts one pending invocation per target in a single
// transaction and returns the created records.
func (db *DB) RecordFanout(sessionID, orchestratorID string, targets []string, prompt string) ([]*DelegateInvocation, error) {
	now := time.Now().UTC()
	invocations := make([]*DelegateInvocation, 0, len(targets))

	err := db.WithTx(func(tx *Tx) error {
		for _, target := range targets {
			inv := &DelegateInvocation{
				ID:             uuid.New().String(),
				SessionID:      sessionID,
				OrchestratorID: orchestratorID,
				TargetAgentID:  target,
				Prompt:         prompt,
				Status:         DelegateStatusPending,
				CreatedAt:      now,
			}
			_, err := tx.Exec(`
				INSERT INTO delegate_invocations
					(id, session_id, orchestrator_id, target_agent_id, prompt, status, created_at, total_tokens)
				VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
				inv.ID, inv.SessionID, inv.OrchestratorID, inv.TargetAgentID, inv.Prompt, inv.Status, inv.CreatedAt,
			)
			if err != nil {
				return err
			}
			invocations = append(invocations, inv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return invocations, nil
}

// MarkResponded records a delegation reply against the oldest pending
// invocation for (session, target).
func (db *DB) MarkResponded(sessionID, targetAgentID string, totalTokens int) error {
	var id string
	err := db.QueryRow(`
		SELECT id FROM delegate_invocations
		WHERE session_id = ? AND target_agent_id = ? AND status = ?
		ORDER BY created_at ASC LIMIT 1`,
		sessionID, targetAgentID, DelegateStatusPending,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return simerrors.ErrNotFound
	}
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		UPDATE delegate_invocations
		SET status = ?, responded_at = ?, total_tokens = ?
		WHERE id = ?`,
		DelegateStatusResponded, time.Now().UTC(), totalTokens, id,
	)
	return err
}

// CancelPending marks every pending invocation for a session cancelled
// (simulation reset) and returns the count.
func (db *DB) CancelPending(sessionID string) (int, error) {
	result, err := db.Exec(`
		UPDATE delegate_invocations SET status = ?
		WHERE session_id = ? AND status = ?`,
		DelegateStatusCancelled, sessionID, DelegateStatusPending,
	)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

// ListInvocations returns a session's invocations in creation order.
func (db *DB) ListInvocations(sessionID string) ([]*DelegateInvocation, error) {
	rows, err := db.Query(`
		SELECT id, session_id, orchestrator_id, target_agent_id, prompt, status, created_at, responded_at, total_tokens
		FROM delegate_invocations
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DelegateInvocation
	for rows.Next() {
		var inv DelegateInvocation
		var respondedAt sql.NullTime
		if err := rows.Scan(&inv.ID, &inv.SessionID, &inv.OrchestratorID, &inv.TargetAgentID,
			&inv.Prompt, &inv.Status, &inv.CreatedAt, &respondedAt, &inv.TotalTokens); err != nil {
			return nil, err
		}
		if respondedAt.Valid {
			inv.RespondedAt = &respondedAt.Time
		}
		out = append(out, &inv)
	}
	return out, rows.Err()
}
