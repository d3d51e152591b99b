package audit

import (
	"context"
	"database/sql"
	"time"

	"goalline/internal/domain"
)

// Outcomes recorded per transition attempt.
const (
	OutcomeApplied = "applied"
	OutcomeBlocked = "blocked"
)

// Writer appends goal_status_transitions rows. It is stateless and always
// writes inside the caller's transaction so the audit fact commits or rolls
// back with the state change it describes. The timestamp is supplied by the
// caller, keeping the audit row on the same clock as the goal it describes.
type Writer struct{}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, goalID string, from, to domain.Status, reason, actor, outcome string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO goal_status_transitions(goal_id,from_status,to_status,reason,actor,outcome,ts) VALUES (?,?,?,?,?,?,?)`,
		goalID, string(from), string(to), nullable(reason), actor, outcome, at.UTC().Format(time.RFC3339))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
