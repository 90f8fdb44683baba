package controlroomsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal controlroom HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credential is set. Servers only
	// honour it when the legacy header is enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   60 * time.Second,
	}
}

type Project struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type Check struct {
	ID             string `json:"id"`
	Category       string `json:"category"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	Priority       string `json:"priority,omitempty"`
	Message        string `json:"message,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

type Run struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	StartedAt     string  `json:"started_at,omitempty"`
	LastCheckedAt string  `json:"last_checked_at,omitempty"`
	Error         string  `json:"error,omitempty"`
	Checks        []Check `json:"checks"`
}

type CategoryRollup struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Total  int    `json:"total"`
	Passed int    `json:"passed"`
	Failed int    `json:"failed"`
	Warned int    `json:"warned"`
}

type TabRollup struct {
	Name       string           `json:"name"`
	Status     string           `json:"status"`
	Categories []CategoryRollup `json:"categories"`
}

type Verdict struct {
	Status            string   `json:"status"`
	Percentage        int      `json:"percentage"`
	Total             int      `json:"total"`
	Completed         int      `json:"completed"`
	CriticalRemaining int      `json:"critical_remaining"`
	BudgetLevel       string   `json:"budget_level,omitempty"`
	BudgetBlocked     bool     `json:"budget_blocked"`
	Reasons           []string `json:"reasons,omitempty"`
}

type Alert struct {
	Level     string `json:"level"`
	Type      string `json:"type"`
	Target    string `json:"target"`
	Message   string `json:"message"`
	Action    string `json:"action,omitempty"`
	Timestamp string `json:"timestamp"`
}

type Scope struct {
	Scope   string  `json:"scope"`
	Target  string  `json:"target"`
	Spent   float64 `json:"spent"`
	Budget  float64 `json:"budget"`
	Percent int     `json:"percent"`
	Level   string  `json:"level"`
}

// BudgetStatus is a partial view of the governor status.
type BudgetStatus struct {
	Level      string  `json:"level"`
	AutoPaused bool    `json:"auto_paused"`
	Scopes     []Scope `json:"scopes"`
	Alerts     []Alert `json:"alerts"`
	Usage      struct {
		Total float64 `json:"total"`
	} `json:"usage"`
	UpdatedAt string `json:"updated_at"`
}

// Readiness is the live board of a project.
type Readiness struct {
	ProjectID      string           `json:"project_id"`
	Run            Run              `json:"run"`
	Executed       bool             `json:"executed"`
	Categories     []CategoryRollup `json:"categories"`
	Tabs           []TabRollup      `json:"tabs"`
	Verdict        Verdict          `json:"verdict"`
	Budget         *BudgetStatus    `json:"budget,omitempty"`
	PersistWarning string           `json:"persist_warning,omitempty"`
}

type Snapshot struct {
	RunID         string  `json:"run_id"`
	Status        string  `json:"status"`
	Checks        []Check `json:"checks"`
	LastCheckedAt string  `json:"last_checked_at"`
	Error         string  `json:"error,omitempty"`
}

type AuditEntry struct {
	ID             int64          `json:"id"`
	ProjectID      string         `json:"project_id"`
	EventType      string         `json:"event_type"`
	Severity       string         `json:"severity"`
	ActorType      string         `json:"actor_type"`
	ActorID        string         `json:"actor_id"`
	Action         string         `json:"action"`
	Details        map[string]any `json:"details,omitempty"`
	SafetyTags     []string       `json:"safety_tags,omitempty"`
	RequiresReview bool           `json:"requires_review"`
	CreatedAt      string         `json:"created_at"`
}

// PaginatedAudit wraps audit listings with a cursor.
type PaginatedAudit struct {
	Items      []AuditEntry `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

func (c *Client) CreateProject(ctx context.Context, id, description string) (Project, error) {
	body := map[string]any{"id": id}
	if description != "" {
		body["description"] = description
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp, err
}

// Validate runs the validation sequence and waits for the terminal view.
// A failed feed comes back as an *APIError with status 502.
func (c *Client) Validate(ctx context.Context, cfg map[string]string) (Readiness, error) {
	var resp Readiness
	err := c.do(ctx, http.MethodPost, c.projectPath("validations"), map[string]any{"config": cfg}, &resp)
	return resp, err
}

func (c *Client) Readiness(ctx context.Context) (Readiness, error) {
	var resp Readiness
	err := c.do(ctx, http.MethodGet, c.projectPath("readiness"), nil, &resp)
	return resp, err
}

// Snapshot returns the last persisted run.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, c.projectPath("validation"), nil, &resp)
	return resp, err
}

func (c *Client) Budget(ctx context.Context) (BudgetStatus, error) {
	var resp BudgetStatus
	err := c.do(ctx, http.MethodGet, c.projectPath("budget"), nil, &resp)
	return resp, err
}

// SetBudget merges patch into the budget config. Keys follow the API's
// snake_case field names.
func (c *Client) SetBudget(ctx context.Context, patch map[string]any) (BudgetStatus, error) {
	var resp BudgetStatus
	err := c.do(ctx, http.MethodPatch, c.projectPath("budget"), patch, &resp)
	return resp, err
}

func (c *Client) RecordSpend(ctx context.Context, phase, agent, item string, amount float64) (BudgetStatus, error) {
	body := map[string]any{
		"phase":  phase,
		"agent":  agent,
		"item":   item,
		"amount": amount,
	}
	var resp BudgetStatus
	err := c.do(ctx, http.MethodPost, c.projectPath("budget/spend"), body, &resp)
	return resp, err
}

func (c *Client) ResetAlerts(ctx context.Context, scope string) (BudgetStatus, error) {
	var resp BudgetStatus
	err := c.do(ctx, http.MethodPost, c.projectPath("budget/reset"), map[string]any{"scope": scope}, &resp)
	return resp, err
}

// AuditPage returns audit entries newest first.
func (c *Client) AuditPage(ctx context.Context, limit int, cursor string) (PaginatedAudit, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("audit")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedAudit
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
