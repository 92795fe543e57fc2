package toolserver

import (
	"context"

	"taskline/internal/domain"
	"taskline/internal/manager"
	"taskline/internal/planner"
)

// ToolHandler dispatches tool calls onto the Manager. Every tool maps onto
// one manager operation so agents and the HTTP API see the same semantics.
type ToolHandler struct {
	manager      *manager.Manager
	newGenerator func(provider string) (planner.Generator, error)
}

func newToolHandler(m *manager.Manager, gen func(string) (planner.Generator, error)) *ToolHandler {
	return &ToolHandler{manager: m, newGenerator: gen}
}

func (h *ToolHandler) Handle(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	switch name {
	case "list_projects":
		return h.listProjects(ctx, args)
	case "read_project":
		return h.readProject(ctx, args)
	case "create_project":
		return h.createProject(ctx, args)
	case "delete_project":
		return h.deleteProject(ctx, args)
	case "add_tasks_to_project":
		return h.addTasks(ctx, args)
	case "finalize_project":
		return h.finalizeProject(ctx, args)
	case "list_tasks":
		return h.listTasks(ctx, args)
	case "read_task":
		return h.readTask(ctx, args)
	case "update_task":
		return h.updateTask(ctx, args)
	case "delete_task":
		return h.deleteTask(ctx, args)
	case "approve_task":
		return h.approveTask(ctx, args)
	case "get_next_task":
		return h.getNextTask(ctx, args)
	case "generate_project_plan":
		return h.generateProjectPlan(ctx, args)
	default:
		return nil, domain.NewError(domain.CodeInvalidArgument, "unknown tool %q", name)
	}
}

func (h *ToolHandler) listProjects(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return h.manager.ListProjects(ctx, domain.EntityState(stringArg(args, "state")))
}

func (h *ToolHandler) readProject(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return h.manager.GetProject(ctx, stringArg(args, "project_id"))
}

func (h *ToolHandler) createProject(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return h.manager.CreateProject(ctx, manager.CreateProjectOptions{
		InitialPrompt: stringArg(args, "initial_prompt"),
		ProjectPlan:   stringArg(args, "project_plan"),
		AutoApprove:   boolArg(args, "auto_approve"),
		Tasks:         draftsArg(args, "tasks"),
	})
}

func (h *ToolHandler) deleteProject(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	projectID := stringArg(args, "project_id")
	if err := h.manager.DeleteProject(ctx, projectID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": projectID}, nil
}

func (h *ToolHandler) addTasks(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	tasks, err := h.manager.AddTasks(ctx, stringArg(args, "project_id"), draftsArg(args, "tasks"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tasks": tasks}, nil
}

func (h *ToolHandler) finalizeProject(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return h.manager.FinalizeProject(ctx, stringArg(args, "project_id"))
}

func (h *ToolHandler) listTasks(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return h.manager.ListTasks(ctx, stringArg(args, "project_id"), domain.EntityState(stringArg(args, "state")))
}

func (h *ToolHandler) readTask(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return h.manager.GetTask(ctx, stringArg(args, "project_id"), stringArg(args, "task_id"))
}

func (h *ToolHandler) updateTask(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	opts := manager.UpdateTaskOptions{
		Title:               optStringArg(args, "title"),
		Description:         optStringArg(args, "description"),
		CompletedDetails:    optStringArg(args, "completed_details"),
		ToolRecommendations: optStringArg(args, "tool_recommendations"),
		RuleRecommendations: optStringArg(args, "rule_recommendations"),
	}
	if s := optStringArg(args, "status"); s != nil {
		status := domain.TaskStatus(*s)
		opts.Status = &status
	}
	return h.manager.UpdateTask(ctx, stringArg(args, "project_id"), stringArg(args, "task_id"), opts)
}

func (h *ToolHandler) deleteTask(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	projectID := stringArg(args, "project_id")
	taskID := stringArg(args, "task_id")
	if err := h.manager.DeleteTask(ctx, projectID, taskID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": taskID}, nil
}

func (h *ToolHandler) approveTask(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return h.manager.ApproveTask(ctx, stringArg(args, "project_id"), stringArg(args, "task_id"))
}

// getNextTask wraps the result so an exhausted project serializes as
// {"task": null} instead of bare null.
func (h *ToolHandler) getNextTask(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	task, err := h.manager.NextTask(ctx, stringArg(args, "project_id"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task": task}, nil
}

func (h *ToolHandler) generateProjectPlan(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	prompt := stringArg(args, "prompt")
	if prompt == "" {
		return nil, domain.NewError(domain.CodeInvalidArgument, "prompt is required")
	}
	gen, err := h.newGenerator(stringArg(args, "provider"))
	if err != nil {
		return nil, err
	}
	draft, err := gen.GeneratePlan(ctx, planner.Request{
		Prompt:      prompt,
		Model:       stringArg(args, "model"),
		Attachments: stringSliceArg(args, "attachments"),
	})
	if err != nil {
		return nil, err
	}
	return h.manager.CreateProject(ctx, manager.CreateProjectOptions{
		InitialPrompt: prompt,
		ProjectPlan:   draft.ProjectPlan,
		AutoApprove:   boolArg(args, "auto_approve"),
		Tasks:         draft.Tasks,
	})
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func optStringArg(args map[string]interface{}, key string) *string {
	v, ok := args[key]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func draftsArg(args map[string]interface{}, key string) []domain.TaskDraft {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]domain.TaskDraft, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, domain.TaskDraft{
			Title:               stringArg(m, "title"),
			Description:         stringArg(m, "description"),
			ToolRecommendations: stringArg(m, "tool_recommendations"),
			RuleRecommendations: stringArg(m, "rule_recommendations"),
		})
	}
	return out
}

func getToolDefinitions() []Tool {
	return []Tool{
		{
			Name:        "list_projects",
			Description: "List projects with task progress counts, optionally filtered by state.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"state": map[string]interface{}{
						"type":        "string",
						"description": "Filter: open, pending_approval, completed, or all",
					},
				},
			},
		},
		{
			Name:        "read_project",
			Description: "Read one project with its full task list.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"project_id": map[string]interface{}{
						"type":        "string",
						"description": "Project ID, e.g. proj-1",
					},
				},
				"required": []string{"project_id"},
			},
		},
		{
			Name:        "create_project",
			Description: "Create a project from a prompt, optionally seeding tasks. The plan defaults to the prompt when omitted.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"initial_prompt": map[string]interface{}{
						"type":        "string",
						"description": "The request the project was created from",
					},
					"project_plan": map[string]interface{}{
						"type":        "string",
						"description": "Plan text; defaults to the initial prompt",
					},
					"auto_approve": map[string]interface{}{
						"type":        "boolean",
						"description": "Approve tasks automatically when they are marked done",
					},
					"tasks": map[string]interface{}{
						"type":        "array",
						"description": "Initial tasks in execution order",
						"items":       taskItemSchema(),
					},
				},
				"required": []string{"initial_prompt"},
			},
		},
		{
			Name:        "delete_project",
			Description: "Delete a project and all of its tasks.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"project_id": map[string]interface{}{
						"type":        "string",
						"description": "Project ID, e.g. proj-1",
					},
				},
				"required": []string{"project_id"},
			},
		},
		{
			Name:        "add_tasks_to_project",
			Description: "Append tasks to the end of a project's task list.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"project_id": map[string]interface{}{
						"type":        "string",
						"description": "Project ID, e.g. proj-1",
					},
					"tasks": map[string]interface{}{
						"type":        "array",
						"description": "Tasks to append, in order",
						"items":       taskItemSchema(),
					},
				},
				"required": []string{"project_id", "tasks"},
			},
		},
		{
			Name:        "finalize_project",
			Description: "Mark a project completed. Every task must be done and approved first.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"project_id": map[string]interface{}{
						"type":        "string",
						"description": "Project ID, e.g. proj-1",
					},
				},
				"required": []string{"project_id"},
			},
		},
		{
			Name:        "list_tasks",
			Description: "List tasks across all projects, or within one project, optionally filtered by state.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"project_id": map[string]interface{}{
						"type":        "string",
						"description": "Restrict to one project; omit to list every project's tasks",
					},
					"state": map[string]interface{}{
						"type":        "string",
						"description": "Filter: open, pending_approval, completed, or all",
					},
				},
			},
		},
		{
			Name:        "read_task",
			Description: "Read one task.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"project_id": map[string]interface{}{
						"type":        "string",
						"description": "Project ID, e.g. proj-1",
					},
					"task_id": map[string]interface{}{
						"type":        "string",
						"description": "Task ID, e.g. task-1",
					},
				},
				"required": []string{"project_id", "task_id"},
			},
		},
		{
			Name:        "update_task",
			Description: "Update task fields or move it through the status flow. Marking a task done requires completed_details.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"project_id": map[string]interface{}{
						"type":        "string",
						"description": "Project ID, e.g. proj-1",
					},
					"task_id": map[string]interface{}{
						"type":        "string",
						"description": "Task ID, e.g. task-1",
					},
					"title": map[string]interface{}{
						"type": "string",
					},
					"description": map[string]interface{}{
						"type": "string",
					},
					"status": map[string]interface{}{
						"type":        "string",
						"description": "One of: not started, in progress, done",
					},
					"completed_details": map[string]interface{}{
						"type":        "string",
						"description": "What was accomplished; required when setting status to done",
					},
					"tool_recommendations": map[string]interface{}{
						"type": "string",
					},
					"rule_recommendations": map[string]interface{}{
						"type": "string",
					},
				},
				"required": []string{"project_id", "task_id"},
			},
		},
		{
			Name:        "delete_task",
			Description: "Delete a task that is not done yet.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"project_id": map[string]interface{}{
						"type":        "string",
						"description": "Project ID, e.g. proj-1",
					},
					"task_id": map[string]interface{}{
						"type":        "string",
						"description": "Task ID, e.g. task-1",
					},
				},
				"required": []string{"project_id", "task_id"},
			},
		},
		{
			Name:        "approve_task",
			Description: "Approve a done task. Approving an already approved task reports already_approved.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"project_id": map[string]interface{}{
						"type":        "string",
						"description": "Project ID, e.g. proj-1",
					},
					"task_id": map[string]interface{}{
						"type":        "string",
						"description": "Task ID, e.g. task-1",
					},
				},
				"required": []string{"project_id", "task_id"},
			},
		},
		{
			Name:        "get_next_task",
			Description: "Return the task to work on next: the first in progress task, else the first not started one, else null.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"project_id": map[string]interface{}{
						"type":        "string",
						"description": "Project ID, e.g. proj-1",
					},
				},
				"required": []string{"project_id"},
			},
		},
		{
			Name:        "generate_project_plan",
			Description: "Ask an LLM provider to draft a plan and tasks from a prompt, then create the project from the draft.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"prompt": map[string]interface{}{
						"type":        "string",
						"description": "What the project should accomplish",
					},
					"provider": map[string]interface{}{
						"type":        "string",
						"description": "anthropic (default) or openai",
					},
					"model": map[string]interface{}{
						"type":        "string",
						"description": "Provider model override",
					},
					"attachments": map[string]interface{}{
						"type":        "array",
						"description": "Extra context passed to the provider",
						"items": map[string]interface{}{
							"type": "string",
						},
					},
					"auto_approve": map[string]interface{}{
						"type":        "boolean",
						"description": "Approve tasks automatically when they are marked done",
					},
				},
				"required": []string{"prompt"},
			},
		},
	}
}

func taskItemSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"title": map[string]interface{}{
				"type": "string",
			},
			"description": map[string]interface{}{
				"type": "string",
			},
			"tool_recommendations": map[string]interface{}{
				"type": "string",
			},
			"rule_recommendations": map[string]interface{}{
				"type": "string",
			},
		},
		"required": []string{"title", "description"},
	}
}
