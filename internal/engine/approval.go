package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"goalline/internal/domain"
	"goalline/internal/repo"
)

// Recoverable approval rejections. These are business conditions, not bugs.
var (
	ErrGoalNotFound          = errors.New("goal not found")
	ErrInvalidCompletionMode = errors.New("goal completion mode does not take manual approval")
	ErrInsufficientAuthority = errors.New("authority level too low to approve completion")
	ErrInvalidState          = errors.New("goal must be active to approve completion")
	ErrAlreadyDone           = errors.New("goal already done")
	ErrAlreadyApproved       = errors.New("goal already has a completion approval")
	ErrChildrenIncomplete    = errors.New("children must be done before approving the parent")
)

// InvariantViolationError means the approval preconditions passed but the
// transition to done was still rejected. That can only happen if the
// persisted state drifted; it is fatal, not a business condition.
type InvariantViolationError struct {
	GoalID     string
	Violations []string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation approving goal %s: %s", e.GoalID, strings.Join(e.Violations, "; "))
}

// ApprovalRequest is a human sign-off on a manual-mode goal.
type ApprovalRequest struct {
	GoalID         string
	ApprovedBy     string
	AuthorityLevel int
	Comment        string
}

// ApproveCompletion is the only path by which a manual-mode goal reaches
// done. The approval row insert and the status transition share one
// transaction; the row's uniqueness constraint guarantees at most one
// approval per goal even when two callers race past the precondition check.
func (e Engine) ApproveCompletion(ctx context.Context, req ApprovalRequest) (domain.CompletionApproval, error) {
	if e.Config == nil {
		return domain.CompletionApproval{}, errors.New("config not loaded")
	}
	if req.ApprovedBy == "" {
		return domain.CompletionApproval{}, errors.New("approved_by is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CompletionApproval{}, err
	}
	defer tx.Rollback()

	rec, err := e.Repo.GetGoalTx(ctx, tx, req.GoalID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.CompletionApproval{}, ErrGoalNotFound
	}
	if err != nil {
		return domain.CompletionApproval{}, err
	}
	if rec.CompletionMode != domain.ModeManual {
		return domain.CompletionApproval{}, ErrInvalidCompletionMode
	}
	if req.AuthorityLevel < e.Config.Approval.MinAuthorityLevel {
		return domain.CompletionApproval{}, ErrInsufficientAuthority
	}
	if rec.Status == domain.StatusDone {
		if _, err := e.Repo.GetApprovalTx(ctx, tx, rec.ID); err == nil {
			return domain.CompletionApproval{}, ErrAlreadyDone
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.CompletionApproval{}, err
		}
		// Manual-mode goal done without an approval row: drift.
		return domain.CompletionApproval{}, &InvariantViolationError{
			GoalID:     rec.ID,
			Violations: []string{"goal is done but no completion approval exists"},
		}
	}
	if rec.Status != domain.StatusActive {
		return domain.CompletionApproval{}, ErrInvalidState
	}
	if _, err := e.Repo.GetApprovalTx(ctx, tx, rec.ID); err == nil {
		return domain.CompletionApproval{}, ErrAlreadyApproved
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.CompletionApproval{}, err
	}
	children, err := e.Repo.ListChildrenTx(ctx, tx, rec.ID)
	if err != nil {
		return domain.CompletionApproval{}, err
	}
	for _, child := range children {
		if child.Status != domain.StatusDone {
			return domain.CompletionApproval{}, fmt.Errorf("%w: %s is %s", ErrChildrenIncomplete, child.ID, child.Status)
		}
	}

	approval := domain.CompletionApproval{
		GoalID:         rec.ID,
		ApprovedBy:     req.ApprovedBy,
		AuthorityLevel: req.AuthorityLevel,
		Comment:        req.Comment,
		ApprovedAt:     e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertApprovalTx(ctx, tx, approval); err != nil {
		if errors.Is(err, repo.ErrDuplicateApproval) {
			return domain.CompletionApproval{}, ErrAlreadyApproved
		}
		return domain.CompletionApproval{}, err
	}

	res, err := e.TransitionTx(ctx, tx, TransitionRequest{
		GoalID:             rec.ID,
		To:                 domain.StatusDone,
		Reason:             "completion approved by " + req.ApprovedBy,
		completionApproved: true,
	}, req.ApprovedBy)
	if err != nil {
		return domain.CompletionApproval{}, err
	}
	if res.Outcome != OutcomeSuccess {
		return domain.CompletionApproval{}, &InvariantViolationError{GoalID: rec.ID, Violations: res.Violations}
	}

	if err := tx.Commit(); err != nil {
		return domain.CompletionApproval{}, err
	}
	return approval, nil
}
