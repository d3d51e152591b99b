package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"goalline/internal/domain"
	"goalline/internal/engine"
	"goalline/internal/observer"
	"goalline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"children_incomplete"`
	Message string         `json:"message" example:"children must be done before approving the parent"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Goalline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Goalline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerGoals(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerApproval(group, cfg.Engine)
	registerAudit(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine errors onto the HTTP taxonomy: recoverable
// rejections become 4xx, invariant violations and everything unexpected
// become 500.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ive *engine.InvariantViolationError
	if errors.As(err, &ive) {
		return newAPIError(http.StatusInternalServerError, "invariant_violation", err.Error(), map[string]any{"goal_id": ive.GoalID})
	}
	switch {
	case errors.Is(err, engine.ErrGoalNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidCompletionMode):
		return newAPIError(http.StatusBadRequest, "invalid_completion_mode", err.Error(), nil)
	case errors.Is(err, engine.ErrInsufficientAuthority):
		return newAPIError(http.StatusForbidden, "insufficient_authority", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyDone):
		return newAPIError(http.StatusConflict, "already_done", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyApproved):
		return newAPIError(http.StatusConflict, "already_approved", err.Error(), nil)
	case errors.Is(err, engine.ErrChildrenIncomplete):
		return newAPIError(http.StatusConflict, "children_incomplete", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerGoals(api huma.API, e engine.Engine) {
	type createGoalInput struct {
		Body struct {
			ID             string `json:"id,omitempty"`
			GoalType       string `json:"goal_type,omitempty" enum:"achievable,continuous,directional,exploratory,meta"`
			CompletionMode string `json:"completion_mode,omitempty" enum:"manual,aggregate,automatic"`
			ParentID       string `json:"parent_id,omitempty"`
			Description    string `json:"description,omitempty"`
			IsAtomic       bool   `json:"is_atomic,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "create-goal",
		Method:      http.MethodPost,
		Path:        "/goals",
		Summary:     "Create a goal in pending state",
	}, func(ctx context.Context, input *createGoalInput) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.CreateGoal(ctx, engine.GoalCreateOptions{
			ID:          input.Body.ID,
			Type:        domain.GoalType(input.Body.GoalType),
			Mode:        domain.CompletionMode(input.Body.CompletionMode),
			ParentID:    input.Body.ParentID,
			Description: input.Body.Description,
			IsAtomic:    input.Body.IsAtomic,
			Actor:       actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})

	type goalPath struct {
		GoalID string `path:"goal_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-goal",
		Method:      http.MethodGet,
		Path:        "/goals/{goal_id}",
		Summary:     "Fetch one goal",
	}, func(ctx context.Context, input *goalPath) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		rec, err := e.Repo.GetGoal(ctx, input.GoalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})

	type listGoalsInput struct {
		Status          string `query:"status"`
		GoalType        string `query:"goal_type"`
		ParentID        string `query:"parent_id"`
		Limit           int    `query:"limit"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-goals",
		Method:      http.MethodGet,
		Path:        "/goals",
		Summary:     "List goals",
	}, func(ctx context.Context, input *listGoalsInput) (*struct {
		Body []domain.Record `json:"body"`
	}, error) {
		items, err := e.Repo.ListGoals(ctx, repo.GoalFilters{
			Status:          input.Status,
			GoalType:        input.GoalType,
			ParentID:        input.ParentID,
			Limit:           input.Limit,
			CursorCreatedAt: input.CursorCreatedAt,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Record `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "goal-history",
		Method:      http.MethodGet,
		Path:        "/goals/{goal_id}/history",
		Summary:     "Transition audit history for a goal",
	}, func(ctx context.Context, input *goalPath) (*struct {
		Body []domain.StatusTransition `json:"body"`
	}, error) {
		if _, err := e.Repo.GetGoal(ctx, input.GoalID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTransitions(ctx, input.GoalID, 0)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StatusTransition `json:"body"`
		}{Body: items}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	type transitionInput struct {
		GoalID string `path:"goal_id"`
		Body   struct {
			ToStatus       string `json:"to_status" required:"true" enum:"pending,active,blocked,incomplete,ongoing,done,frozen,permanent"`
			Reason         string `json:"reason,omitempty"`
			ArtifactsAdded bool   `json:"artifacts_added,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "transition-goal",
		Method:      http.MethodPost,
		Path:        "/goals/{goal_id}/transition",
		Summary:     "Request a status transition",
		Description: "Blocked outcomes are returned as structured results, not errors; only a missing goal is a 404.",
	}, func(ctx context.Context, input *transitionInput) (*struct {
		Body engine.TransitionResult `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Transition(ctx, engine.TransitionRequest{
			GoalID:         input.GoalID,
			To:             domain.Status(input.Body.ToStatus),
			Reason:         input.Body.Reason,
			ArtifactsAdded: input.Body.ArtifactsAdded,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		if res.Outcome == engine.OutcomeFailed {
			return nil, newAPIError(http.StatusNotFound, "not_found", res.Error, nil)
		}
		return &struct {
			Body engine.TransitionResult `json:"body"`
		}{Body: res}, nil
	})

	type bulkInput struct {
		Body struct {
			Transitions []engine.TransitionRequest `json:"transitions" required:"true"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "transition-goals-bulk",
		Method:      http.MethodPost,
		Path:        "/goals/transitions",
		Summary:     "Apply many transitions in one transaction",
	}, func(ctx context.Context, input *bulkInput) (*struct {
		Body engine.BulkResult `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.TransitionMany(ctx, input.Body.Transitions, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.BulkResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerApproval(api huma.API, e engine.Engine) {
	type approveInput struct {
		GoalID string `path:"goal_id"`
		Body   struct {
			ApprovedBy     string `json:"approved_by" required:"true"`
			AuthorityLevel int    `json:"authority_level" required:"true" minimum:"1"`
			Comment        string `json:"comment,omitempty"`
		}
	}
	type approveOutput struct {
		Body struct {
			GoalID         string `json:"goal_id"`
			Status         string `json:"status"`
			ApprovedAt     string `json:"approved_at" format:"date-time"`
			ApprovedBy     string `json:"approved_by"`
			AuthorityLevel int    `json:"authority_level"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "approve-goal-completion",
		Method:      http.MethodPost,
		Path:        "/goals/{goal_id}/approve_completion",
		Summary:     "Approve manual completion of a goal",
	}, func(ctx context.Context, input *approveInput) (*approveOutput, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		approval, err := e.ApproveCompletion(ctx, engine.ApprovalRequest{
			GoalID:         input.GoalID,
			ApprovedBy:     input.Body.ApprovedBy,
			AuthorityLevel: input.Body.AuthorityLevel,
			Comment:        input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &approveOutput{}
		out.Body.GoalID = approval.GoalID
		out.Body.Status = string(domain.StatusDone)
		out.Body.ApprovedAt = approval.ApprovedAt
		out.Body.ApprovedBy = approval.ApprovedBy
		out.Body.AuthorityLevel = approval.AuthorityLevel
		return out, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "audit-findings",
		Method:      http.MethodGet,
		Path:        "/audit/findings",
		Summary:     "Scan persisted state for invariant drift",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []observer.Finding `json:"body"`
	}, error) {
		findings, err := observer.New(e.DB).Scan(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []observer.Finding `json:"body"`
		}{Body: findings}, nil
	})
}
