package tasklinesdk

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

// Client is a minimal Taskline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
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

// Task represents the API task model.
type Task struct {
	ID                  string `json:"id"`
	Title               string `json:"title"`
	Description         string `json:"description"`
	Status              string `json:"status"`
	Approved            bool   `json:"approved"`
	CompletedDetails    string `json:"completed_details,omitempty"`
	ToolRecommendations string `json:"tool_recommendations,omitempty"`
	RuleRecommendations string `json:"rule_recommendations,omitempty"`
	State               string `json:"state"`
}

// Project represents the API project model with its full task list.
type Project struct {
	ID            string `json:"id"`
	InitialPrompt string `json:"initial_prompt"`
	ProjectPlan   string `json:"project_plan"`
	Completed     bool   `json:"completed"`
	AutoApprove   bool   `json:"auto_approve,omitempty"`
	Tasks         []Task `json:"tasks"`
}

// ProjectSummary is the listing row with task counts.
type ProjectSummary struct {
	ID            string `json:"id"`
	InitialPrompt string `json:"initial_prompt"`
	Completed     bool   `json:"completed"`
	AutoApprove   bool   `json:"auto_approve,omitempty"`
	TotalTasks    int    `json:"total_tasks"`
	DoneTasks     int    `json:"done_tasks"`
	ApprovedTasks int    `json:"approved_tasks"`
}

// TaskDraft seeds one task on project create or AddTasks.
type TaskDraft struct {
	Title               string `json:"title"`
	Description         string `json:"description"`
	ToolRecommendations string `json:"tool_recommendations,omitempty"`
	RuleRecommendations string `json:"rule_recommendations,omitempty"`
}

// CreateProjectRequest is the body for CreateProject.
type CreateProjectRequest struct {
	InitialPrompt string      `json:"initial_prompt"`
	ProjectPlan   string      `json:"project_plan,omitempty"`
	AutoApprove   bool        `json:"auto_approve,omitempty"`
	Tasks         []TaskDraft `json:"tasks,omitempty"`
}

// TaskUpdate carries the fields to change; nil fields are left alone.
type TaskUpdate struct {
	Title               *string `json:"title,omitempty"`
	Description         *string `json:"description,omitempty"`
	Status              *string `json:"status,omitempty"`
	CompletedDetails    *string `json:"completed_details,omitempty"`
	ToolRecommendations *string `json:"tool_recommendations,omitempty"`
	RuleRecommendations *string `json:"rule_recommendations,omitempty"`
}

// ApproveResult reports the approved task and whether it already was.
type ApproveResult struct {
	Task            Task `json:"task"`
	AlreadyApproved bool `json:"already_approved"`
}

// JournalEntry is one audit log row.
type JournalEntry struct {
	Seq       int64          `json:"seq"`
	ID        string         `json:"id"`
	TS        string         `json:"ts"`
	Op        string         `json:"op"`
	ProjectID string         `json:"project_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message are filled when the
// body carries the standard error envelope.
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

// String returns a pointer to v, for TaskUpdate fields.
func String(v string) *string { return &v }

// CreateProject creates a project, optionally seeded with tasks.
func (c *Client) CreateProject(ctx context.Context, req CreateProjectRequest) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", req, &resp)
	return resp, err
}

// ListProjects lists project summaries, optionally filtered by state
// (open, pending_approval, completed, all).
func (c *Client) ListProjects(ctx context.Context, state string) ([]ProjectSummary, error) {
	endpoint := "v0/projects"
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp []ProjectSummary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetProject fetches a project with its tasks.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, ""), nil, &resp)
	return resp, err
}

// DeleteProject removes a project that is not completed.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, c.projectPath(projectID, ""), nil, nil)
}

// FinalizeProject marks a project completed once every task is done and
// approved.
func (c *Client) FinalizeProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "finalize"), nil, &resp)
	return resp, err
}

// AddTasks appends tasks to a project.
func (c *Client) AddTasks(ctx context.Context, projectID string, tasks []TaskDraft) ([]Task, error) {
	body := map[string]any{"tasks": tasks}
	var resp []Task
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "tasks"), body, &resp)
	return resp, err
}

// ListTasks lists a project's tasks, optionally filtered by state.
func (c *Client) ListTasks(ctx context.Context, projectID, state string) ([]Task, error) {
	endpoint := c.projectPath(projectID, "tasks")
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetTask fetches a single task.
func (c *Client) GetTask(ctx context.Context, projectID, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.taskPath(projectID, taskID, ""), nil, &resp)
	return resp, err
}

// UpdateTask applies the non-nil fields of upd to a task.
func (c *Client) UpdateTask(ctx context.Context, projectID, taskID string, upd TaskUpdate) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, c.taskPath(projectID, taskID, ""), upd, &resp)
	return resp, err
}

// DeleteTask removes a task that is not done.
func (c *Client) DeleteTask(ctx context.Context, projectID, taskID string) error {
	return c.do(ctx, http.MethodDelete, c.taskPath(projectID, taskID, ""), nil, nil)
}

// ApproveTask records approval of a done task.
func (c *Client) ApproveTask(ctx context.Context, projectID, taskID string) (ApproveResult, error) {
	var resp ApproveResult
	err := c.do(ctx, http.MethodPost, c.taskPath(projectID, taskID, "approve"), nil, &resp)
	return resp, err
}

// NextTask returns the actionable task, or nil when every task is done.
func (c *Client) NextTask(ctx context.Context, projectID string) (*Task, error) {
	var resp struct {
		Task *Task `json:"task"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "tasks/next"), nil, &resp)
	return resp.Task, err
}

// Journal returns recent journal entries, newest first.
func (c *Client) Journal(ctx context.Context, limit int) ([]JournalEntry, error) {
	endpoint := "v0/journal"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []JournalEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Health pings the health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/healthz", nil, nil)
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
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(projectID, p string) string {
	endpoint := fmt.Sprintf("v0/projects/%s", url.PathEscape(projectID))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) taskPath(projectID, taskID, p string) string {
	endpoint := fmt.Sprintf("v0/projects/%s/tasks/%s", url.PathEscape(projectID), url.PathEscape(taskID))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
