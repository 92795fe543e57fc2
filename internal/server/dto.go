package server

import (
	"taskline/internal/domain"
	"taskline/internal/manager"
)

// Request payloads

type TaskDraftRequest struct {
	Title               string `json:"title"`
	Description         string `json:"description"`
	ToolRecommendations string `json:"tool_recommendations,omitempty"`
	RuleRecommendations string `json:"rule_recommendations,omitempty"`
}

type CreateProjectRequest struct {
	InitialPrompt string             `json:"initial_prompt"`
	ProjectPlan   string             `json:"project_plan,omitempty"`
	AutoApprove   bool               `json:"auto_approve,omitempty"`
	Tasks         []TaskDraftRequest `json:"tasks,omitempty"`
}

type AddTasksRequest struct {
	Tasks []TaskDraftRequest `json:"tasks"`
}

type UpdateTaskRequest struct {
	Title               *string `json:"title,omitempty"`
	Description         *string `json:"description,omitempty"`
	Status              *string `json:"status,omitempty" enum:"not started,in progress,done"`
	CompletedDetails    *string `json:"completed_details,omitempty"`
	ToolRecommendations *string `json:"tool_recommendations,omitempty"`
	RuleRecommendations *string `json:"rule_recommendations,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID                  string `json:"id"`
	Title               string `json:"title"`
	Description         string `json:"description"`
	Status              string `json:"status" enum:"not started,in progress,done"`
	Approved            bool   `json:"approved"`
	CompletedDetails    string `json:"completed_details,omitempty"`
	ToolRecommendations string `json:"tool_recommendations,omitempty"`
	RuleRecommendations string `json:"rule_recommendations,omitempty"`
	State               string `json:"state" enum:"open,pending_approval,completed"`
}

type ProjectResponse struct {
	ID            string         `json:"id"`
	InitialPrompt string         `json:"initial_prompt"`
	ProjectPlan   string         `json:"project_plan"`
	Completed     bool           `json:"completed"`
	AutoApprove   bool           `json:"auto_approve,omitempty"`
	Tasks         []TaskResponse `json:"tasks"`
}

type ProjectSummaryResponse struct {
	ID            string `json:"id"`
	InitialPrompt string `json:"initial_prompt"`
	Completed     bool   `json:"completed"`
	AutoApprove   bool   `json:"auto_approve,omitempty"`
	TotalTasks    int    `json:"total_tasks"`
	DoneTasks     int    `json:"done_tasks"`
	ApprovedTasks int    `json:"approved_tasks"`
}

type ApproveTaskResponse struct {
	Task            TaskResponse `json:"task"`
	AlreadyApproved bool         `json:"already_approved"`
}

// NextTaskResponse carries a null task when every task is done.
type NextTaskResponse struct {
	Task *TaskResponse `json:"task"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                  t.ID,
		Title:               t.Title,
		Description:         t.Description,
		Status:              string(t.Status),
		Approved:            t.Approved,
		CompletedDetails:    t.CompletedDetails,
		ToolRecommendations: t.ToolRecommendations,
		RuleRecommendations: t.RuleRecommendations,
		State:               string(t.State()),
	}
}

func mapTasks(tasks []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	return out
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:            p.ID,
		InitialPrompt: p.InitialPrompt,
		ProjectPlan:   p.ProjectPlan,
		Completed:     p.Completed,
		AutoApprove:   p.AutoApprove,
		Tasks:         mapTasks(p.Tasks),
	}
}

func summaryResponse(s manager.ProjectSummary) ProjectSummaryResponse {
	return ProjectSummaryResponse{
		ID:            s.ID,
		InitialPrompt: s.InitialPrompt,
		Completed:     s.Completed,
		AutoApprove:   s.AutoApprove,
		TotalTasks:    s.TotalTasks,
		DoneTasks:     s.DoneTasks,
		ApprovedTasks: s.ApprovedTasks,
	}
}

func draftsFromRequest(reqs []TaskDraftRequest) []domain.TaskDraft {
	out := make([]domain.TaskDraft, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, domain.TaskDraft{
			Title:               r.Title,
			Description:         r.Description,
			ToolRecommendations: r.ToolRecommendations,
			RuleRecommendations: r.RuleRecommendations,
		})
	}
	return out
}
