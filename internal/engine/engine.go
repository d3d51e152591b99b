package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"goalline/internal/audit"
	"goalline/internal/config"
	"goalline/internal/domain"
	"goalline/internal/repo"
)

// AuditLog records transition attempts inside the caller's transaction.
// The timestamp comes from the engine clock so the audit row and the goal's
// updated_at agree.
type AuditLog interface {
	Append(ctx context.Context, tx *sql.Tx, goalID string, from, to domain.Status, reason, actor, outcome string, at time.Time) error
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  AuditLog
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Outcome classifies one transition attempt. Blocked is a business-rule
// rejection and commits its audit row; failed means the goal could not be
// processed at all.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeBlocked Outcome = "blocked"
	OutcomeFailed  Outcome = "failed"
)

// TransitionRequest asks for one status change.
type TransitionRequest struct {
	GoalID         string        `json:"goal_id"`
	To             domain.Status `json:"to_status"`
	Reason         string        `json:"reason,omitempty"`
	ArtifactsAdded bool          `json:"artifacts_added,omitempty"`

	// completionApproved is set only by ApproveCompletion. It cannot be set
	// from JSON or from outside the package, so the ordinary transition
	// surface can never complete a manual-mode goal.
	completionApproved bool
}

// TransitionResult is the structured outcome of one attempt.
type TransitionResult struct {
	GoalID     string        `json:"goal_id"`
	Outcome    Outcome       `json:"outcome" enum:"success,blocked,failed"`
	FromStatus domain.Status `json:"from_status,omitempty"`
	ToStatus   domain.Status `json:"to_status,omitempty"`
	Violations []string      `json:"violations,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// GoalCreateOptions are parameters for creating a goal.
type GoalCreateOptions struct {
	ID          string
	Type        domain.GoalType
	Mode        domain.CompletionMode
	ParentID    string
	Description string
	IsAtomic    bool
	Actor       string
}

// CreateGoal inserts a new pending goal. Depth is derived from the parent.
func (e Engine) CreateGoal(ctx context.Context, opts GoalCreateOptions) (domain.Record, error) {
	if e.Config == nil {
		return domain.Record{}, errors.New("config not loaded")
	}
	if opts.Type == "" {
		opts.Type = domain.GoalAchievable
	}
	if !opts.Type.Valid() {
		return domain.Record{}, fmt.Errorf("unknown goal type %q", opts.Type)
	}
	if opts.Mode == "" {
		opts.Mode = e.Config.DefaultMode(opts.Type)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	var parentID *string
	depth := 0
	if opts.ParentID != "" {
		parent, err := e.Repo.GetGoal(ctx, opts.ParentID)
		if err != nil {
			return domain.Record{}, fmt.Errorf("parent goal: %w", err)
		}
		parentID = &parent.ID
		depth = parent.DepthLevel + 1
	}
	g, err := domain.NewGoal(id, opts.Type, opts.Mode, parentID, depth, opts.Description, opts.IsAtomic, e.now())
	if err != nil {
		return domain.Record{}, err
	}
	rec := g.Record()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGoalTx(ctx, tx, rec); err != nil {
		return domain.Record{}, fmt.Errorf("insert goal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

// Transition applies one status change in its own transaction.
func (e Engine) Transition(ctx context.Context, req TransitionRequest, actor string) (TransitionResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()
	res, err := e.TransitionTx(ctx, tx, req, actor)
	if err != nil {
		return res, err
	}
	// Blocked attempts commit too: the audit row recording the rejection
	// must survive.
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	return res, nil
}

// TransitionTx applies one status change inside the caller's transaction.
// The goal row is loaded under the store's writer lock, so a concurrent
// attempt on the same goal re-validates against post-commit state.
// Business-rule rejections come back as blocked results; anything else
// propagates as an error so the enclosing transaction rolls back.
func (e Engine) TransitionTx(ctx context.Context, tx *sql.Tx, req TransitionRequest, actor string) (TransitionResult, error) {
	rec, err := e.Repo.GetGoalTx(ctx, tx, req.GoalID)
	if errors.Is(err, repo.ErrNotFound) {
		return TransitionResult{GoalID: req.GoalID, Outcome: OutcomeFailed, Error: "goal not found"}, nil
	}
	if err != nil {
		return TransitionResult{}, err
	}
	res, err := e.applyTransition(ctx, tx, rec, req, actor)
	return res, err
}

// applyTransition runs the pure domain validation against an already-loaded
// record and persists the outcome.
func (e Engine) applyTransition(ctx context.Context, tx *sql.Tx, rec domain.Record, req TransitionRequest, actor string) (TransitionResult, error) {
	now := e.now()
	g := rec.Goal()
	ev, terr := domain.Transition(g, domain.Change{
		To:                 req.To,
		Reason:             req.Reason,
		ArtifactsAdded:     req.ArtifactsAdded,
		CompletionApproved: req.completionApproved,
	}, now)
	var re *domain.RuleError
	if errors.As(terr, &re) {
		if err := e.Audit.Append(ctx, tx, rec.ID, rec.Status, req.To, strings.Join(re.Violations, "; "), actor, audit.OutcomeBlocked, now); err != nil {
			return TransitionResult{}, err
		}
		return TransitionResult{
			GoalID:     rec.ID,
			Outcome:    OutcomeBlocked,
			FromStatus: rec.Status,
			ToStatus:   req.To,
			Violations: re.Violations,
		}, nil
	}
	if terr != nil {
		return TransitionResult{}, terr
	}
	if err := e.Repo.UpdateGoalStateTx(ctx, tx, g.Record()); err != nil {
		return TransitionResult{}, fmt.Errorf("persist goal %s: %w", rec.ID, err)
	}
	if err := e.Audit.Append(ctx, tx, ev.GoalID, ev.From, ev.To, ev.Reason, actor, audit.OutcomeApplied, now); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{
		GoalID:     ev.GoalID,
		Outcome:    OutcomeSuccess,
		FromStatus: ev.From,
		ToStatus:   ev.To,
	}, nil
}

// BulkSummary counts per-item outcomes of a bulk call.
type BulkSummary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Blocked int `json:"blocked"`
	Failed  int `json:"failed"`
}

// BulkResult carries per-item results in the processed order plus counts.
type BulkResult struct {
	Results []TransitionResult `json:"results"`
	Summary BulkSummary        `json:"summary"`
}

// TransitionMany applies many transitions in one transaction. Goal ids are
// sorted ascending before any row is touched so two overlapping bulk calls
// acquire locks in the same order and cannot deadlock. Individual rule
// rejections and missing goals mark their item and continue; any other
// error rolls back the whole batch.
func (e Engine) TransitionMany(ctx context.Context, reqs []TransitionRequest, actor string) (BulkResult, error) {
	ordered := make([]TransitionRequest, len(reqs))
	copy(ordered, reqs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].GoalID < ordered[j].GoalID })

	ids := make([]string, 0, len(ordered))
	seen := map[string]bool{}
	for _, req := range ordered {
		if !seen[req.GoalID] {
			seen[req.GoalID] = true
			ids = append(ids, req.GoalID)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return BulkResult{}, err
	}
	defer tx.Rollback()

	recs, err := e.Repo.GetGoalsTx(ctx, tx, ids)
	if err != nil {
		return BulkResult{}, err
	}

	out := BulkResult{Summary: BulkSummary{Total: len(ordered)}}
	for _, req := range ordered {
		rec, ok := recs[req.GoalID]
		if !ok {
			out.Results = append(out.Results, TransitionResult{GoalID: req.GoalID, Outcome: OutcomeFailed, Error: "goal not found"})
			out.Summary.Failed++
			continue
		}
		res, err := e.applyTransition(ctx, tx, rec, req, actor)
		if err != nil {
			return BulkResult{}, err
		}
		switch res.Outcome {
		case OutcomeSuccess:
			out.Summary.Success++
			// A later request for the same goal validates against the
			// state this one just wrote.
			updated := rec
			updated.Status = res.ToStatus
			if res.ToStatus == domain.StatusDone {
				ts := e.now().UTC().Format(time.RFC3339)
				updated.CompletedAt = &ts
				updated.Progress = 1.0
			}
			recs[req.GoalID] = updated
		case OutcomeBlocked:
			out.Summary.Blocked++
		default:
			out.Summary.Failed++
		}
		out.Results = append(out.Results, res)
	}
	if err := tx.Commit(); err != nil {
		return BulkResult{}, err
	}
	return out, nil
}
