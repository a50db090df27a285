// Package phasegatesdk is a small client for the phasegate HTTP API.
package phasegatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal phasegate HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set. Servers accept it
	// only with --allow-actor-header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// ReadRetries bounds retries of GET requests on transport errors and 5xx
	// responses. Decisions are never retried.
	ReadRetries uint64
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
		ReadRetries: 2,
	}
}

// Task represents the API task model.
type Task struct {
	ID                string  `json:"id"`
	OrgID             string  `json:"org_id"`
	Title             string  `json:"title"`
	Description       string  `json:"description,omitempty"`
	AssignedTo        string  `json:"assigned_to"`
	Phase             string  `json:"phase"`
	SubState          string  `json:"sub_state"`
	SubmittedEvidence *string `json:"submitted_evidence,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

// TaskState is returned by Approve and Reject.
type TaskState struct {
	Phase    string `json:"phase"`
	SubState string `json:"sub_state"`
}

// QueueItem is one task awaiting a decision.
type QueueItem struct {
	TaskID             string  `json:"task_id"`
	Title              string  `json:"title"`
	Phase              string  `json:"phase"`
	NextRequestedPhase string  `json:"next_requested_phase"`
	AssignedToName     string  `json:"assigned_to_name"`
	SubState           string  `json:"sub_state"`
	SubmittedEvidence  *string `json:"submitted_evidence,omitempty"`
}

// HistoryEntry is one decision on a task.
type HistoryEntry struct {
	Action    string `json:"action"`
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name"`
	Comment   string `json:"comment,omitempty"`
	FromPhase string `json:"from_phase"`
	ToPhase   string `json:"to_phase"`
	CreatedAt string `json:"created_at"`
}

// CreateTaskInput are the fields accepted by CreateTask.
type CreateTaskInput struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	AssignedTo  string `json:"assigned_to"`
	Phase       string `json:"phase,omitempty"`
}

// APIError wraps non-2xx responses. Code is the error envelope code, e.g.
// invalid_state or forbidden.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v1/tasks", in, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v1/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RequestValidation submits the task's current phase for a decision.
func (c *Client) RequestValidation(ctx context.Context, taskID, evidence string) (Task, error) {
	body := map[string]any{}
	if evidence != "" {
		body["evidence"] = evidence
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/tasks/%s/request-validation", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

// Approve advances a pending task.
func (c *Client) Approve(ctx context.Context, taskID, comment string) (TaskState, error) {
	body := map[string]any{}
	if comment != "" {
		body["comment"] = comment
	}
	var resp TaskState
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/tasks/%s/approve", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

// Reject returns a pending task to work. reason must be non-empty.
func (c *Client) Reject(ctx context.Context, taskID, reason string) (TaskState, error) {
	var resp TaskState
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/tasks/%s/reject", url.PathEscape(taskID)), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Queue returns the tasks awaiting the caller's decision.
func (c *Client) Queue(ctx context.Context) ([]QueueItem, error) {
	var resp struct {
		Items []QueueItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v1/queue", nil, &resp)
	return resp.Items, err
}

// History returns a task's decisions, oldest first.
func (c *Client) History(ctx context.Context, taskID string) ([]HistoryEntry, error) {
	var resp struct {
		Entries []HistoryEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/tasks/%s/history", url.PathEscape(taskID)), nil, &resp)
	return resp.Entries, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	if method != http.MethodGet || c.ReadRetries == 0 {
		return c.once(ctx, method, endpoint, payload, out)
	}
	op := func() error {
		err := c.once(ctx, method, endpoint, payload, out)
		var ae *APIError
		if errors.As(err, &ae) && ae.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, c.ReadRetries), ctx))
}

func (c *Client) once(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
