package manager

import (
	"context"
	"sync"

	"taskline/internal/domain"
	"taskline/internal/store"
)

// Recorder receives an entry after every successful mutation. Implementations
// own their failure handling; the operation has already been persisted when
// Record runs.
type Recorder interface {
	Record(ctx context.Context, op, projectID, taskID string, payload map[string]any)
}

// Manager is the single authority over the project graph. Every operation
// reloads the store, validates against the freshest state, applies its
// mutation, and saves before returning. A mutex serializes operations so
// in-process callers never interleave inside that critical section; across
// processes the reload narrows, but does not close, the race window.
type Manager struct {
	Store   store.Store
	Journal Recorder

	mu sync.Mutex
}

func New(s store.Store) *Manager {
	return &Manager{Store: s}
}

// CreateProjectOptions are parameters for creating a project.
type CreateProjectOptions struct {
	InitialPrompt string
	ProjectPlan   string
	AutoApprove   bool
	Tasks         []domain.TaskDraft
}

// UpdateTaskOptions are parameters for updating a task. Nil fields are left
// untouched; every supplied field is validated before any is applied.
type UpdateTaskOptions struct {
	Title               *string
	Description         *string
	Status              *domain.TaskStatus
	CompletedDetails    *string
	ToolRecommendations *string
	RuleRecommendations *string
}

// ApproveResult reports whether an approval changed anything.
type ApproveResult struct {
	Task            domain.Task `json:"task"`
	AlreadyApproved bool        `json:"already_approved"`
}

// ProjectSummary is a listing row with progress tallies.
type ProjectSummary struct {
	ID            string `json:"id"`
	InitialPrompt string `json:"initial_prompt"`
	Completed     bool   `json:"completed"`
	AutoApprove   bool   `json:"auto_approve,omitempty"`
	TotalTasks    int    `json:"total_tasks"`
	DoneTasks     int    `json:"done_tasks"`
	ApprovedTasks int    `json:"approved_tasks"`
}

// TaskListing pairs a task with its owning project for cross-project listings.
type TaskListing struct {
	ProjectID string `json:"project_id"`
	domain.Task
}

// CreateProject allocates a new project and its initial tasks in one save.
func (m *Manager) CreateProject(ctx context.Context, opts CreateProjectOptions) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if opts.InitialPrompt == "" {
		return domain.Project{}, domain.NewError(domain.CodeInvalidArgument, "initial prompt is required")
	}
	if err := validateDrafts(opts.Tasks); err != nil {
		return domain.Project{}, err
	}

	st := m.Store.Load()
	plan := opts.ProjectPlan
	if plan == "" {
		plan = opts.InitialPrompt
	}
	p := domain.Project{
		ID:            st.NextProjectID(),
		InitialPrompt: opts.InitialPrompt,
		ProjectPlan:   plan,
		AutoApprove:   opts.AutoApprove,
		Tasks:         make([]domain.Task, 0, len(opts.Tasks)),
	}
	for _, d := range opts.Tasks {
		p.Tasks = append(p.Tasks, newTask(st, d))
	}
	st.Projects = append(st.Projects, p)
	if err := m.Store.Save(st); err != nil {
		return domain.Project{}, err
	}
	m.record(ctx, "project.created", p.ID, "", map[string]any{"tasks": len(p.Tasks), "auto_approve": p.AutoApprove})
	return p.Clone(), nil
}

// AddTasks appends tasks to an existing project, preserving draft order.
func (m *Manager) AddTasks(ctx context.Context, projectID string, drafts []domain.TaskDraft) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := domain.ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	if err := validateDrafts(drafts); err != nil {
		return nil, err
	}

	st := m.Store.Load()
	p, ok := st.Project(projectID)
	if !ok {
		return nil, projectNotFound(projectID)
	}
	if p.Completed {
		return nil, projectFrozen(projectID)
	}
	added := make([]domain.Task, 0, len(drafts))
	for _, d := range drafts {
		t := newTask(st, d)
		p.Tasks = append(p.Tasks, t)
		added = append(added, t)
	}
	if err := m.Store.Save(st); err != nil {
		return nil, err
	}
	m.record(ctx, "task.added", projectID, "", map[string]any{"count": len(added)})
	return added, nil
}

// UpdateTask applies a partial update. Everything is validated against the
// current task before any field changes, so a rejected update never leaves a
// partially applied result.
func (m *Manager) UpdateTask(ctx context.Context, projectID, taskID string, opts UpdateTaskOptions) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := domain.ValidateProjectID(projectID); err != nil {
		return domain.Task{}, err
	}
	if err := domain.ValidateTaskID(taskID); err != nil {
		return domain.Task{}, err
	}

	st := m.Store.Load()
	p, ok := st.Project(projectID)
	if !ok {
		return domain.Task{}, projectNotFound(projectID)
	}
	if p.Completed {
		return domain.Task{}, projectFrozen(projectID)
	}
	t, ok := findTask(p, taskID)
	if !ok {
		return domain.Task{}, taskNotFound(projectID, taskID)
	}
	if t.Approved {
		return domain.Task{}, domain.NewError(domain.CodeTaskApproved, "task %s is approved and can no longer be modified", taskID)
	}

	if opts.Title != nil && *opts.Title == "" {
		return domain.Task{}, domain.NewError(domain.CodeInvalidArgument, "task title is required")
	}
	if opts.Description != nil && *opts.Description == "" {
		return domain.Task{}, domain.NewError(domain.CodeInvalidArgument, "task description is required")
	}

	enteringDone := false
	if opts.Status != nil && *opts.Status != t.Status {
		if err := domain.ValidateTransition(t.Status, *opts.Status); err != nil {
			return domain.Task{}, err
		}
		if *opts.Status == domain.StatusDone {
			if opts.CompletedDetails == nil || *opts.CompletedDetails == "" {
				return domain.Task{}, domain.NewError(domain.CodeDetailsRequired,
					"completed details are required when marking task %s done", taskID)
			}
			enteringDone = true
		}
	}
	if opts.CompletedDetails != nil && !enteringDone && t.Status != domain.StatusDone {
		return domain.Task{}, domain.NewError(domain.CodeTaskNotDone,
			"completed details apply to a done task; task %s is %q", taskID, t.Status)
	}

	if opts.Title != nil {
		t.Title = *opts.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.Status != nil {
		t.Status = *opts.Status
	}
	if opts.CompletedDetails != nil {
		t.CompletedDetails = *opts.CompletedDetails
	}
	if opts.ToolRecommendations != nil {
		t.ToolRecommendations = *opts.ToolRecommendations
	}
	if opts.RuleRecommendations != nil {
		t.RuleRecommendations = *opts.RuleRecommendations
	}
	if enteringDone && p.AutoApprove {
		t.Approved = true
	}
	if err := m.Store.Save(st); err != nil {
		return domain.Task{}, err
	}
	m.record(ctx, "task.updated", projectID, taskID, map[string]any{"status": string(t.Status), "approved": t.Approved})
	return *t, nil
}

// DeleteTask removes a task that has not reached done.
func (m *Manager) DeleteTask(ctx context.Context, projectID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := domain.ValidateProjectID(projectID); err != nil {
		return err
	}
	if err := domain.ValidateTaskID(taskID); err != nil {
		return err
	}

	st := m.Store.Load()
	p, ok := st.Project(projectID)
	if !ok {
		return projectNotFound(projectID)
	}
	if p.Completed {
		return projectFrozen(projectID)
	}
	for i := range p.Tasks {
		if p.Tasks[i].ID != taskID {
			continue
		}
		if p.Tasks[i].Status == domain.StatusDone {
			return domain.NewError(domain.CodeTaskDone, "task %s is done and cannot be deleted", taskID)
		}
		p.Tasks = append(p.Tasks[:i], p.Tasks[i+1:]...)
		if err := m.Store.Save(st); err != nil {
			return err
		}
		m.record(ctx, "task.deleted", projectID, taskID, nil)
		return nil
	}
	return taskNotFound(projectID, taskID)
}

// ApproveTask signs off a done task. Approving twice is a successful no-op
// flagged on the result.
func (m *Manager) ApproveTask(ctx context.Context, projectID, taskID string) (ApproveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := domain.ValidateProjectID(projectID); err != nil {
		return ApproveResult{}, err
	}
	if err := domain.ValidateTaskID(taskID); err != nil {
		return ApproveResult{}, err
	}

	st := m.Store.Load()
	p, ok := st.Project(projectID)
	if !ok {
		return ApproveResult{}, projectNotFound(projectID)
	}
	t, ok := findTask(p, taskID)
	if !ok {
		return ApproveResult{}, taskNotFound(projectID, taskID)
	}
	if t.Status != domain.StatusDone {
		return ApproveResult{}, domain.NewError(domain.CodeTaskNotDone,
			"cannot approve task %s: status is %q, not done", taskID, t.Status)
	}
	if t.Approved {
		return ApproveResult{Task: *t, AlreadyApproved: true}, nil
	}
	t.Approved = true
	if err := m.Store.Save(st); err != nil {
		return ApproveResult{}, err
	}
	m.record(ctx, "task.approved", projectID, taskID, nil)
	return ApproveResult{Task: *t}, nil
}

// FinalizeProject marks a project completed once every task is done and
// approved. Finalization is terminal.
func (m *Manager) FinalizeProject(ctx context.Context, projectID string) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := domain.ValidateProjectID(projectID); err != nil {
		return domain.Project{}, err
	}

	st := m.Store.Load()
	p, ok := st.Project(projectID)
	if !ok {
		return domain.Project{}, projectNotFound(projectID)
	}
	if p.Completed {
		return domain.Project{}, domain.NewError(domain.CodeProjectCompleted, "project %s is already completed", projectID)
	}
	for _, t := range p.Tasks {
		if t.Status != domain.StatusDone {
			return domain.Project{}, domain.NewError(domain.CodeTasksNotDone,
				"not all tasks are done in project %s", projectID).WithDetail("task_id", t.ID)
		}
	}
	for _, t := range p.Tasks {
		if !t.Approved {
			return domain.Project{}, domain.NewError(domain.CodeTasksNotApproved,
				"not all done tasks are approved in project %s", projectID).WithDetail("task_id", t.ID)
		}
	}
	p.Completed = true
	if err := m.Store.Save(st); err != nil {
		return domain.Project{}, err
	}
	m.record(ctx, "project.finalized", projectID, "", nil)
	return p.Clone(), nil
}

// DeleteProject removes a project and all of its tasks.
func (m *Manager) DeleteProject(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := domain.ValidateProjectID(projectID); err != nil {
		return err
	}

	st := m.Store.Load()
	for i := range st.Projects {
		if st.Projects[i].ID != projectID {
			continue
		}
		st.Projects = append(st.Projects[:i], st.Projects[i+1:]...)
		if err := m.Store.Save(st); err != nil {
			return err
		}
		m.record(ctx, "project.deleted", projectID, "", nil)
		return nil
	}
	return projectNotFound(projectID)
}

// GetProject returns a copy of one project.
func (m *Manager) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := domain.ValidateProjectID(projectID); err != nil {
		return domain.Project{}, err
	}
	st := m.Store.Load()
	p, ok := st.Project(projectID)
	if !ok {
		return domain.Project{}, projectNotFound(projectID)
	}
	return p.Clone(), nil
}

// GetTask returns a copy of one task.
func (m *Manager) GetTask(ctx context.Context, projectID, taskID string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := domain.ValidateProjectID(projectID); err != nil {
		return domain.Task{}, err
	}
	if err := domain.ValidateTaskID(taskID); err != nil {
		return domain.Task{}, err
	}
	st := m.Store.Load()
	p, ok := st.Project(projectID)
	if !ok {
		return domain.Task{}, projectNotFound(projectID)
	}
	t, ok := findTask(p, taskID)
	if !ok {
		return domain.Task{}, taskNotFound(projectID, taskID)
	}
	return *t, nil
}

// ListProjects returns summary rows, optionally filtered by listing bucket.
// An empty filter means all projects.
func (m *Manager) ListProjects(ctx context.Context, filter domain.EntityState) ([]ProjectSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filter, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	st := m.Store.Load()
	out := make([]ProjectSummary, 0, len(st.Projects))
	for _, p := range st.Projects {
		if filter != "" && !p.MatchesState(filter) {
			continue
		}
		total, done, approved := p.TaskCounts()
		out = append(out, ProjectSummary{
			ID:            p.ID,
			InitialPrompt: p.InitialPrompt,
			Completed:     p.Completed,
			AutoApprove:   p.AutoApprove,
			TotalTasks:    total,
			DoneTasks:     done,
			ApprovedTasks: approved,
		})
	}
	return out, nil
}

// ListTasks returns tasks across all projects, or within one when projectID
// is set, optionally filtered by listing bucket.
func (m *Manager) ListTasks(ctx context.Context, projectID string, filter domain.EntityState) ([]TaskListing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filter, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	if projectID != "" {
		if err := domain.ValidateProjectID(projectID); err != nil {
			return nil, err
		}
	}
	st := m.Store.Load()
	if projectID != "" {
		if _, ok := st.Project(projectID); !ok {
			return nil, projectNotFound(projectID)
		}
	}
	out := []TaskListing{}
	for _, p := range st.Projects {
		if projectID != "" && p.ID != projectID {
			continue
		}
		for _, t := range p.Tasks {
			if filter != "" && t.State() != filter {
				continue
			}
			out = append(out, TaskListing{ProjectID: p.ID, Task: t})
		}
	}
	return out, nil
}

// NextTask picks the task to work on: the first in-progress task wins, then
// the first not-started one. A nil task with a nil error means every task is
// done and the project is ready for approval and finalization.
func (m *Manager) NextTask(ctx context.Context, projectID string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := domain.ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	st := m.Store.Load()
	p, ok := st.Project(projectID)
	if !ok {
		return nil, projectNotFound(projectID)
	}
	if len(p.Tasks) == 0 {
		return nil, domain.NewError(domain.CodeProjectEmpty, "project %s has no tasks", projectID)
	}
	for i := range p.Tasks {
		if p.Tasks[i].Status == domain.StatusInProgress {
			t := p.Tasks[i]
			return &t, nil
		}
	}
	for i := range p.Tasks {
		if p.Tasks[i].Status == domain.StatusNotStarted {
			t := p.Tasks[i]
			return &t, nil
		}
	}
	return nil, nil
}

func newTask(st *store.State, d domain.TaskDraft) domain.Task {
	return domain.Task{
		ID:                  st.NextTaskID(),
		Title:               d.Title,
		Description:         d.Description,
		Status:              domain.StatusNotStarted,
		ToolRecommendations: d.ToolRecommendations,
		RuleRecommendations: d.RuleRecommendations,
	}
}

func findTask(p *domain.Project, taskID string) (*domain.Task, bool) {
	for i := range p.Tasks {
		if p.Tasks[i].ID == taskID {
			return &p.Tasks[i], true
		}
	}
	return nil, false
}

func validateDrafts(drafts []domain.TaskDraft) error {
	for i, d := range drafts {
		if d.Title == "" {
			return domain.NewError(domain.CodeInvalidArgument, "task %d: title is required", i+1)
		}
		if d.Description == "" {
			return domain.NewError(domain.CodeInvalidArgument, "task %d: description is required", i+1)
		}
	}
	return nil
}

func normalizeFilter(filter domain.EntityState) (domain.EntityState, error) {
	if filter == "" || filter == domain.StateAll {
		return "", nil
	}
	if !domain.ValidState(filter) {
		return "", domain.NewError(domain.CodeInvalidArgument,
			"invalid state filter %q (want open, pending_approval, completed, or all)", filter)
	}
	return filter, nil
}

func projectNotFound(projectID string) error {
	return domain.NewError(domain.CodeProjectNotFound, "project %s not found", projectID)
}

func projectFrozen(projectID string) error {
	return domain.NewError(domain.CodeProjectCompleted, "project %s is completed and can no longer be modified", projectID)
}

func taskNotFound(projectID, taskID string) error {
	return domain.NewError(domain.CodeTaskNotFound, "task %s not found in project %s", taskID, projectID)
}

func (m *Manager) record(ctx context.Context, op, projectID, taskID string, payload map[string]any) {
	if m.Journal == nil {
		return
	}
	m.Journal.Record(ctx, op, projectID, taskID, payload)
}
