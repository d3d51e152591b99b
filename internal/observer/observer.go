// Package observer audits persisted goal state for invariant drift that may
// have been introduced outside the transition engine, e.g. by a data
// migration. It never mutates; by construction the engine keeps the
// invariants, so anything reported here points at a foreign write path.
package observer

import (
	"context"
	"database/sql"
	"fmt"

	"goalline/internal/domain"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Finding is one detected drift.
type Finding struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity" enum:"critical,warning"`
	GoalID   string   `json:"goal_id"`
	Detail   string   `json:"detail"`
}

type Observer struct {
	DB *sql.DB
}

func New(db *sql.DB) Observer {
	return Observer{DB: db}
}

// Scan runs every drift check and returns the combined findings.
func (o Observer) Scan(ctx context.Context) ([]Finding, error) {
	var findings []Finding
	for _, check := range []func(context.Context) ([]Finding, error){
		o.typeTerminalMismatch,
		o.manualDoneWithoutApproval,
		o.approvalWithoutDone,
		o.doneParentWithOpenChildren,
		o.historyOutsideTable,
		o.unknownStatus,
	} {
		found, err := check(ctx)
		if err != nil {
			return nil, err
		}
		findings = append(findings, found...)
	}
	return findings, nil
}

// typeTerminalMismatch flags continuous and directional goals marked done.
func (o Observer) typeTerminalMismatch(ctx context.Context) ([]Finding, error) {
	rows, err := o.DB.QueryContext(ctx, `SELECT id, goal_type FROM goals WHERE status='done' AND goal_type IN ('continuous','directional')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var findings []Finding
	for rows.Next() {
		var id, typ string
		if err := rows.Scan(&id, &typ); err != nil {
			return nil, err
		}
		expected := domain.StatusOngoing
		if typ == string(domain.GoalDirectional) {
			expected = domain.StatusPermanent
		}
		findings = append(findings, Finding{
			Check:    "type_terminal_mismatch",
			Severity: SeverityCritical,
			GoalID:   id,
			Detail:   fmt.Sprintf("%s goal is done; should use %s", typ, expected),
		})
	}
	return findings, rows.Err()
}

func (o Observer) manualDoneWithoutApproval(ctx context.Context) ([]Finding, error) {
	rows, err := o.DB.QueryContext(ctx, `
		SELECT g.id FROM goals g
		LEFT JOIN goal_completion_approval a ON a.goal_id = g.id
		WHERE g.completion_mode='manual' AND g.status='done' AND a.goal_id IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var findings []Finding
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		findings = append(findings, Finding{
			Check:    "manual_done_without_approval",
			Severity: SeverityCritical,
			GoalID:   id,
			Detail:   "manual-mode goal is done but has no completion approval",
		})
	}
	return findings, rows.Err()
}

func (o Observer) approvalWithoutDone(ctx context.Context) ([]Finding, error) {
	rows, err := o.DB.QueryContext(ctx, `
		SELECT a.goal_id, g.status FROM goal_completion_approval a
		JOIN goals g ON g.id = a.goal_id
		WHERE g.status != 'done'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var findings []Finding
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		findings = append(findings, Finding{
			Check:    "approval_without_done",
			Severity: SeverityWarning,
			GoalID:   id,
			Detail:   fmt.Sprintf("completion approval exists but goal is %s", status),
		})
	}
	return findings, rows.Err()
}

func (o Observer) doneParentWithOpenChildren(ctx context.Context) ([]Finding, error) {
	rows, err := o.DB.QueryContext(ctx, `
		SELECT p.id, count(*) FROM goals p
		JOIN goals c ON c.parent_id = p.id
		WHERE p.status='done' AND c.status != 'done'
		GROUP BY p.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var findings []Finding
	for rows.Next() {
		var id string
		var open int
		if err := rows.Scan(&id, &open); err != nil {
			return nil, err
		}
		findings = append(findings, Finding{
			Check:    "done_parent_with_open_children",
			Severity: SeverityWarning,
			GoalID:   id,
			Detail:   fmt.Sprintf("goal is done with %d unfinished children", open),
		})
	}
	return findings, rows.Err()
}

// historyOutsideTable replays applied audit rows against the allowed-pairs
// table. Applied rows that record a self-transition or an edge the table
// does not contain were written by something other than the engine.
func (o Observer) historyOutsideTable(ctx context.Context) ([]Finding, error) {
	rows, err := o.DB.QueryContext(ctx, `SELECT goal_id, from_status, to_status FROM goal_status_transitions WHERE outcome='applied'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var findings []Finding
	for rows.Next() {
		var id string
		var from, to domain.Status
		if err := rows.Scan(&id, &from, &to); err != nil {
			return nil, err
		}
		switch {
		case from == to:
			findings = append(findings, Finding{
				Check:    "history_outside_table",
				Severity: SeverityCritical,
				GoalID:   id,
				Detail:   fmt.Sprintf("recorded transition %s -> %s does not change state", from, to),
			})
		case !domain.PairAllowed(from, to):
			findings = append(findings, Finding{
				Check:    "history_outside_table",
				Severity: SeverityCritical,
				GoalID:   id,
				Detail:   fmt.Sprintf("recorded transition %s -> %s is outside the allowed pairs", from, to),
			})
		}
	}
	return findings, rows.Err()
}

func (o Observer) unknownStatus(ctx context.Context) ([]Finding, error) {
	rows, err := o.DB.QueryContext(ctx, `SELECT id, status FROM goals WHERE status NOT IN ('pending','active','blocked','incomplete','ongoing','done','frozen','permanent')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var findings []Finding
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		findings = append(findings, Finding{
			Check:    "unknown_status",
			Severity: SeverityCritical,
			GoalID:   id,
			Detail:   fmt.Sprintf("goal has unknown status %q", status),
		})
	}
	return findings, rows.Err()
}
