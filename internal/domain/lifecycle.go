package domain

import (
	"fmt"
	"strings"
	"time"
)

// Change is a requested status transition.
type Change struct {
	To     Status
	Reason string
	// ArtifactsAdded asserts that work products now exist. It is the guard
	// on the incomplete -> done edge and is ignored everywhere else.
	ArtifactsAdded bool
	// CompletionApproved asserts that a completion approval was recorded in
	// the same transaction. Manual-mode goals reach done only when it is set;
	// only the approval gate sets it.
	CompletionApproved bool
}

// Transitioned is the domain event produced by a successful transition.
// It is not persisted as its own table; the engine turns it into an audit row.
type Transitioned struct {
	GoalID string
	From   Status
	To     Status
	Reason string
	At     time.Time
}

// RuleError is a business-rule rejection. It is recoverable: callers record
// it and report a blocked outcome instead of failing the transaction.
type RuleError struct {
	Violations []string
}

func (e *RuleError) Error() string {
	return "transition rejected: " + strings.Join(e.Violations, "; ")
}

type guard func(Change) bool

// transitions is the closed allowed-pairs table. A nil guard means the edge
// is unconditional. incomplete -> done is guarded: it requires the caller to
// assert artifacts now exist.
var transitions = map[Status]map[Status]guard{
	StatusPending: {
		StatusActive:  nil,
		StatusBlocked: nil,
	},
	StatusActive: {
		StatusDone:       nil,
		StatusIncomplete: nil,
		StatusBlocked:    nil,
		StatusOngoing:    nil,
	},
	StatusBlocked: {
		StatusActive:     nil,
		StatusIncomplete: nil,
	},
	StatusIncomplete: {
		StatusActive:  nil,
		StatusBlocked: nil,
		StatusDone:    func(c Change) bool { return c.ArtifactsAdded },
	},
	StatusOngoing: {
		StatusActive: nil,
		StatusDone:   nil,
	},
}

// PairAllowed reports whether from -> to appears in the allowed-pairs table,
// ignoring guards. The observer uses it to audit persisted history.
func PairAllowed(from, to Status) bool {
	_, ok := transitions[from][to]
	return ok
}

// Transition validates and applies one status change to the in-memory goal.
// It performs no I/O. Rule violations come back as a *RuleError listing every
// constraint the request breaks.
func Transition(g *Goal, c Change, now time.Time) (Transitioned, error) {
	var violations []string
	if !c.To.Valid() {
		violations = append(violations, fmt.Sprintf("unknown status %q", c.To))
	}
	if c.To == g.status {
		violations = append(violations, fmt.Sprintf("goal is already %s", g.status))
	}
	if g.status.Terminal() {
		violations = append(violations, fmt.Sprintf("%s is terminal; no outgoing transitions", g.status))
	}
	if g.Type == GoalContinuous && c.To == StatusDone {
		violations = append(violations, "continuous goals never complete; use ongoing")
	}
	if g.Type == GoalDirectional && c.To == StatusDone {
		violations = append(violations, "directional goals never complete; use permanent")
	}
	if g.Mode == ModeManual && c.To == StatusDone && !c.CompletionApproved {
		violations = append(violations, "manual completion requires approval")
	}
	if len(violations) == 0 {
		gd, ok := transitions[g.status][c.To]
		switch {
		case !ok:
			violations = append(violations, fmt.Sprintf("transition %s -> %s is not allowed", g.status, c.To))
		case gd != nil && !gd(c):
			violations = append(violations, fmt.Sprintf("transition %s -> %s requires artifacts", g.status, c.To))
		}
	}
	if len(violations) > 0 {
		return Transitioned{}, &RuleError{Violations: violations}
	}

	from := g.status
	g.status = c.To
	g.UpdatedAt = now.UTC().Format(time.RFC3339)
	if c.To == StatusDone {
		ts := g.UpdatedAt
		g.CompletedAt = &ts
		g.Progress = 1.0
	}
	return Transitioned{
		GoalID: g.ID,
		From:   from,
		To:     c.To,
		Reason: c.Reason,
		At:     now.UTC(),
	}, nil
}
