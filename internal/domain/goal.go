package domain

import (
	"fmt"
	"time"
)

// Status is a goal lifecycle state. done, frozen and permanent are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusBlocked    Status = "blocked"
	StatusIncomplete Status = "incomplete"
	StatusOngoing    Status = "ongoing"
	StatusDone       Status = "done"
	StatusFrozen     Status = "frozen"
	StatusPermanent  Status = "permanent"
)

var allStatuses = []Status{
	StatusPending, StatusActive, StatusBlocked, StatusIncomplete,
	StatusOngoing, StatusDone, StatusFrozen, StatusPermanent,
}

func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFrozen || s == StatusPermanent
}

// Statuses returns every known status value.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// GoalType determines which terminal disposition a goal may legally reach.
type GoalType string

const (
	GoalAchievable  GoalType = "achievable"
	GoalContinuous  GoalType = "continuous"
	GoalDirectional GoalType = "directional"
	GoalExploratory GoalType = "exploratory"
	GoalMeta        GoalType = "meta"
)

func (t GoalType) Valid() bool {
	switch t {
	case GoalAchievable, GoalContinuous, GoalDirectional, GoalExploratory, GoalMeta:
		return true
	}
	return false
}

// CompletionMode determines which gate may drive a goal to done.
type CompletionMode string

const (
	ModeManual    CompletionMode = "manual"
	ModeAggregate CompletionMode = "aggregate"
	ModeAutomatic CompletionMode = "automatic"
)

func (m CompletionMode) Valid() bool {
	switch m {
	case ModeManual, ModeAggregate, ModeAutomatic:
		return true
	}
	return false
}

// Goal is the in-memory goal entity. The status field is unexported: the only
// way to change it is Transition, so a caller cannot write an illegal state
// even by accident. Persistence round-trips through Record.
type Goal struct {
	ID          string
	Type        GoalType
	Mode        CompletionMode
	ParentID    *string
	Description string
	IsAtomic    bool
	DepthLevel  int
	Progress    float64
	CreatedAt   string
	UpdatedAt   string
	CompletedAt *string

	status Status
}

// Status returns the current lifecycle state.
func (g *Goal) Status() Status { return g.status }

// NewGoal creates a goal in the pending state.
func NewGoal(id string, typ GoalType, mode CompletionMode, parentID *string, depth int, description string, atomic bool, now time.Time) (*Goal, error) {
	if id == "" {
		return nil, fmt.Errorf("goal id is required")
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown goal type %q", typ)
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown completion mode %q", mode)
	}
	ts := now.UTC().Format(time.RFC3339)
	return &Goal{
		ID:          id,
		Type:        typ,
		Mode:        mode,
		ParentID:    parentID,
		Description: description,
		IsAtomic:    atomic,
		DepthLevel:  depth,
		Progress:    0,
		CreatedAt:   ts,
		UpdatedAt:   ts,
		status:      StatusPending,
	}, nil
}

// Record is the persisted (and wire) shape of a goal.
type Record struct {
	ID             string         `json:"id"`
	GoalType       GoalType       `json:"goal_type" enum:"achievable,continuous,directional,exploratory,meta"`
	CompletionMode CompletionMode `json:"completion_mode" enum:"manual,aggregate,automatic"`
	Status         Status         `json:"status" enum:"pending,active,blocked,incomplete,ongoing,done,frozen,permanent"`
	ParentID       *string        `json:"parent_id,omitempty"`
	Description    string         `json:"description,omitempty"`
	IsAtomic       bool           `json:"is_atomic"`
	DepthLevel     int            `json:"depth_level"`
	Progress       float64        `json:"progress" minimum:"0" maximum:"1"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
	CompletedAt    *string        `json:"completed_at,omitempty" format:"date-time"`
}

// Goal hydrates an entity from a persisted record.
func (r Record) Goal() *Goal {
	return &Goal{
		ID:          r.ID,
		Type:        r.GoalType,
		Mode:        r.CompletionMode,
		ParentID:    r.ParentID,
		Description: r.Description,
		IsAtomic:    r.IsAtomic,
		DepthLevel:  r.DepthLevel,
		Progress:    r.Progress,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
		status:      r.Status,
	}
}

// Record snapshots the entity for persistence.
func (g *Goal) Record() Record {
	return Record{
		ID:             g.ID,
		GoalType:       g.Type,
		CompletionMode: g.Mode,
		Status:         g.status,
		ParentID:       g.ParentID,
		Description:    g.Description,
		IsAtomic:       g.IsAtomic,
		DepthLevel:     g.DepthLevel,
		Progress:       g.Progress,
		CreatedAt:      g.CreatedAt,
		UpdatedAt:      g.UpdatedAt,
		CompletedAt:    g.CompletedAt,
	}
}

// StatusTransition is one append-only audit fact. Rows are written for both
// applied and blocked attempts and are never updated or deleted.
type StatusTransition struct {
	ID         int64  `json:"id"`
	GoalID     string `json:"goal_id"`
	FromStatus Status `json:"from_status"`
	ToStatus   Status `json:"to_status"`
	Reason     string `json:"reason,omitempty"`
	Actor      string `json:"actor"`
	Outcome    string `json:"outcome" enum:"applied,blocked"`
	TS         string `json:"ts" format:"date-time"`
}

// CompletionApproval records the human sign-off that let a manual-mode goal
// reach done. The goal_id uniqueness constraint in storage is the hard lock.
type CompletionApproval struct {
	GoalID         string `json:"goal_id"`
	ApprovedBy     string `json:"approved_by"`
	AuthorityLevel int    `json:"authority_level"`
	Comment        string `json:"comment,omitempty"`
	ApprovedAt     string `json:"approved_at" format:"date-time"`
}
