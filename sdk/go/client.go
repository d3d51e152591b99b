package goallinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a minimal Goalline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Goal mirrors the API goal model.
type Goal struct {
	ID             string  `json:"id"`
	GoalType       string  `json:"goal_type"`
	CompletionMode string  `json:"completion_mode"`
	Status         string  `json:"status"`
	ParentID       *string `json:"parent_id,omitempty"`
	Description    string  `json:"description,omitempty"`
	Progress       float64 `json:"progress"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

// TransitionResult mirrors the API transition outcome.
type TransitionResult struct {
	GoalID     string   `json:"goal_id"`
	Outcome    string   `json:"outcome"`
	FromStatus string   `json:"from_status,omitempty"`
	ToStatus   string   `json:"to_status,omitempty"`
	Violations []string `json:"violations,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Approval mirrors the approve_completion response.
type Approval struct {
	GoalID         string `json:"goal_id"`
	Status         string `json:"status"`
	ApprovedAt     string `json:"approved_at"`
	ApprovedBy     string `json:"approved_by"`
	AuthorityLevel int    `json:"authority_level"`
}

// Finding mirrors one observer finding.
type Finding struct {
	Check    string `json:"check"`
	Severity string `json:"severity"`
	GoalID   string `json:"goal_id"`
	Detail   string `json:"detail"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &APIError{StatusCode: res.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// CreateGoal creates a pending goal.
func (c *Client) CreateGoal(ctx context.Context, goalType, completionMode, parentID, description string) (Goal, error) {
	var g Goal
	err := c.do(ctx, http.MethodPost, "/goals", map[string]any{
		"goal_type":       goalType,
		"completion_mode": completionMode,
		"parent_id":       parentID,
		"description":     description,
	}, &g)
	return g, err
}

// GetGoal fetches one goal.
func (c *Client) GetGoal(ctx context.Context, id string) (Goal, error) {
	var g Goal
	err := c.do(ctx, http.MethodGet, "/goals/"+id, nil, &g)
	return g, err
}

// Transition requests a status change and returns the structured outcome.
func (c *Client) Transition(ctx context.Context, id, toStatus, reason string, artifactsAdded bool) (TransitionResult, error) {
	var res TransitionResult
	err := c.do(ctx, http.MethodPost, "/goals/"+id+"/transition", map[string]any{
		"to_status":       toStatus,
		"reason":          reason,
		"artifacts_added": artifactsAdded,
	}, &res)
	return res, err
}

// ApproveCompletion approves manual completion of a goal.
func (c *Client) ApproveCompletion(ctx context.Context, id, approvedBy string, authorityLevel int, comment string) (Approval, error) {
	var a Approval
	err := c.do(ctx, http.MethodPost, "/goals/"+id+"/approve_completion", map[string]any{
		"approved_by":     approvedBy,
		"authority_level": authorityLevel,
		"comment":         comment,
	}, &a)
	return a, err
}

// Findings runs the drift scan.
func (c *Client) Findings(ctx context.Context) ([]Finding, error) {
	var out []Finding
	err := c.do(ctx, http.MethodGet, "/audit/findings", nil, &out)
	return out, err
}
