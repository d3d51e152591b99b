package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"goalline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const goalColumns = `id,goal_type,completion_mode,status,parent_id,description,is_atomic,depth_level,progress,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGoal(row rowScanner) (domain.Record, error) {
	var rec domain.Record
	var parentID, description, completedAt sql.NullString
	var atomic int
	err := row.Scan(&rec.ID, &rec.GoalType, &rec.CompletionMode, &rec.Status, &parentID, &description,
		&atomic, &rec.DepthLevel, &rec.Progress, &rec.CreatedAt, &rec.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if parentID.Valid {
		rec.ParentID = &parentID.String
	}
	if description.Valid {
		rec.Description = description.String
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.String
	}
	rec.IsAtomic = atomic != 0
	return rec, nil
}

func (r Repo) InsertGoalTx(ctx context.Context, tx *sql.Tx, rec domain.Record) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO goals(`+goalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.GoalType, rec.CompletionMode, rec.Status, nullableStringPtr(rec.ParentID), nullable(rec.Description),
		boolToInt(rec.IsAtomic), rec.DepthLevel, rec.Progress, rec.CreatedAt, rec.UpdatedAt, nullableStringPtr(rec.CompletedAt))
	return err
}

func (r Repo) GetGoal(ctx context.Context, id string) (domain.Record, error) {
	return scanGoal(r.DB.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=?`, id))
}

// GetGoalTx loads one goal inside the caller's write transaction. With
// immediate transactions this is the point where concurrent writers
// serialize: the row read here cannot change until the transaction ends.
func (r Repo) GetGoalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Record, error) {
	return scanGoal(tx.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=?`, id))
}

// GetGoalsTx loads a batch of goals in ascending id order within one query.
func (r Repo) GetGoalsTx(ctx context.Context, tx *sql.Tx, ids []string) (map[string]domain.Record, error) {
	if len(ids) == 0 {
		return map[string]domain.Record{}, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id IN (`+placeholders+`) ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.Record{}
	for rows.Next() {
		rec, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		res[rec.ID] = rec
	}
	return res, rows.Err()
}

// UpdateGoalStateTx persists the mutable lifecycle fields of a goal.
func (r Repo) UpdateGoalStateTx(ctx context.Context, tx *sql.Tx, rec domain.Record) error {
	res, err := tx.ExecContext(ctx, `UPDATE goals SET status=?, progress=?, updated_at=?, completed_at=? WHERE id=?`,
		rec.Status, rec.Progress, rec.UpdatedAt, nullableStringPtr(rec.CompletedAt), rec.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type GoalFilters struct {
	Status          string
	GoalType        string
	ParentID        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListGoals(ctx context.Context, f GoalFilters) ([]domain.Record, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.GoalType != "" {
		clauses = append(clauses, "goal_type=?")
		args = append(args, f.GoalType)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + goalColumns + ` FROM goals ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		rec, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) ListChildrenTx(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.Record, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE parent_id=? ORDER BY id ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		rec, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) CountGoalsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM goals GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// ListTransitions returns audit rows for a goal, newest first.
func (r Repo) ListTransitions(ctx context.Context, goalID string, limit int) ([]domain.StatusTransition, error) {
	query := `SELECT id,goal_id,from_status,to_status,COALESCE(reason,''),actor,outcome,ts FROM goal_status_transitions WHERE goal_id=? ORDER BY id DESC`
	args := []any{goalID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusTransition
	for rows.Next() {
		var t domain.StatusTransition
		if err := rows.Scan(&t.ID, &t.GoalID, &t.FromStatus, &t.ToStatus, &t.Reason, &t.Actor, &t.Outcome, &t.TS); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
