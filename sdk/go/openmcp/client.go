package openmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Task statuses reported by the daemon.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
)

// Escalation actions accepted by ResolveEscalation.
const (
	ActionDone  = "done"
	ActionAbort = "abort"
)

// Client wraps the HTTP interactions with the OpenMCP agent REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	ID       string         `json:"id,omitempty"`
	Goal     string         `json:"goal"`
	Mode     string         `json:"mode,omitempty"`
	Steps    []string       `json:"steps,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskResult is the terminal outcome of a run.
type TaskResult struct {
	State       string `json:"state"`
	FinalAnswer string `json:"final_answer,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Iterations  int    `json:"iterations"`
	Todo        string `json:"todo,omitempty"`
}

// Task is the daemon's view of a submitted task.
type Task struct {
	ID         string         `json:"id"`
	Goal       string         `json:"goal"`
	Mode       string         `json:"mode"`
	Steps      []string       `json:"steps,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *TaskResult    `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Terminal reports whether the task will not change any more.
func (t Task) Terminal() bool {
	switch t.Status {
	case StatusSucceeded, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// ListOptions filters ListTasks. Zero values are omitted.
type ListOptions struct {
	Limit     int
	Offset    int
	Statuses  []string
	Mode      string
	Query     string
	Ascending bool
	// UpdatedSince keeps tasks updated at or after this instant.
	UpdatedSince time.Time
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		v.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(o.Statuses) > 0 {
		v.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Mode != "" {
		v.Set("mode", o.Mode)
	}
	if o.Query != "" {
		v.Set("q", o.Query)
	}
	if o.Ascending {
		v.Set("order", "asc")
	}
	if !o.UpdatedSince.IsZero() {
		v.Set("updated_since", o.UpdatedSince.UTC().Format(time.RFC3339))
	}
	return v
}

// EscalationAck is returned once a decision has been accepted.
type EscalationAck struct {
	RequestID string `json:"requestId"`
	Action    string `json:"action"`
	Status    string `json:"status"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openmcp api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openmcp api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the API.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// NewClient instantiates a client for the agent API. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored bearer token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every request. An empty token
// disables the Authorization header.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SubmitTask creates a new task. Submitting an existing ID returns the stored task.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var task Task
	if err := c.send(ctx, http.MethodPost, "/api/v1/tasks", nil, submission, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), nil, nil, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// ListTasks returns tasks matching opts, most recently updated first by default.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]Task, error) {
	var payload struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks", opts.values(), nil, &payload); err != nil {
		return nil, err
	}
	return payload.Tasks, nil
}

// CancelTask requests cancellation. A task that already finished yields an
// APIError with status 409.
func (c *Client) CancelTask(ctx context.Context, taskID, reason string) (Task, error) {
	var task Task
	body := map[string]string{"reason": reason}
	if err := c.send(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/cancel", nil, body, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// ResolveEscalation answers a pending human escalation with "done" or "abort".
func (c *Client) ResolveEscalation(ctx context.Context, requestID, action string) (EscalationAck, error) {
	var ack EscalationAck
	body := map[string]string{"requestId": requestID, "action": action}
	if err := c.send(ctx, http.MethodPost, "/api/v1/escalations", nil, body, &ack); err != nil {
		return EscalationAck{}, err
	}
	return ack, nil
}

// WaitForTask polls GetTask until the task is terminal or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	// endpoint is already escaped per path segment.
	u := *c.baseURL
	u.RawPath = path.Join(c.baseURL.EscapedPath(), endpoint)
	unescaped, err := url.PathUnescape(u.RawPath)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	u.Path = unescaped
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
