package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"goalline/internal/domain"
)

// ErrDuplicateApproval surfaces the goal_id uniqueness constraint on
// goal_completion_approval. The constraint, not this check, is what makes a
// second concurrent approval impossible.
var ErrDuplicateApproval = errors.New("completion approval already recorded")

func (r Repo) InsertApprovalTx(ctx context.Context, tx *sql.Tx, a domain.CompletionApproval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO goal_completion_approval(goal_id,approved_by,authority_level,comment,approved_at) VALUES (?,?,?,?,?)`,
		a.GoalID, a.ApprovedBy, a.AuthorityLevel, nullable(a.Comment), a.ApprovedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicateApproval
	}
	return err
}

func (r Repo) GetApproval(ctx context.Context, goalID string) (domain.CompletionApproval, error) {
	return scanApproval(r.DB.QueryRowContext(ctx, `SELECT goal_id,approved_by,authority_level,COALESCE(comment,''),approved_at FROM goal_completion_approval WHERE goal_id=?`, goalID))
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, goalID string) (domain.CompletionApproval, error) {
	return scanApproval(tx.QueryRowContext(ctx, `SELECT goal_id,approved_by,authority_level,COALESCE(comment,''),approved_at FROM goal_completion_approval WHERE goal_id=?`, goalID))
}

func scanApproval(row *sql.Row) (domain.CompletionApproval, error) {
	var a domain.CompletionApproval
	err := row.Scan(&a.GoalID, &a.ApprovedBy, &a.AuthorityLevel, &a.Comment, &a.ApprovedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) CountApprovals(ctx context.Context, goalID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM goal_completion_approval WHERE goal_id=?`, goalID).Scan(&n)
	return n, err
}
