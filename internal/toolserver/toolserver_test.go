package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"taskline/internal/domain"
	"taskline/internal/manager"
	"taskline/internal/planner"
	"taskline/internal/store"
)

func newToolServer(t *testing.T) *Server {
	t.Helper()
	m := manager.New(store.Store{Path: filepath.Join(t.TempDir(), "tasks.json")})
	return NewServer(m)
}

func callTool(t *testing.T, s *Server, name string, args map[string]interface{}) CallToolResult {
	t.Helper()
	params, err := json.Marshal(CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	resp := s.handleRequest(context.Background(), &MCPRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/call",
		Params:  params,
	})
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	result, ok := resp.Result.(CallToolResult)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("unexpected content: %+v", result.Content)
	}
	return result
}

func decodeTool(t *testing.T, res CallToolResult, v interface{}) {
	t.Helper()
	if res.IsError {
		t.Fatalf("tool failed: %s", res.Content[0].Text)
	}
	if err := json.Unmarshal([]byte(res.Content[0].Text), v); err != nil {
		t.Fatalf("decode %q: %v", res.Content[0].Text, err)
	}
}

func wantToolError(t *testing.T, res CallToolResult, code domain.Code) {
	t.Helper()
	if !res.IsError {
		t.Fatalf("expected %s error, got %s", code, res.Content[0].Text)
	}
	var payload struct {
		Code    domain.Code `json:"code"`
		Message string      `json:"message"`
	}
	if err := json.Unmarshal([]byte(res.Content[0].Text), &payload); err != nil {
		t.Fatalf("decode error payload %q: %v", res.Content[0].Text, err)
	}
	if payload.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, payload.Code, payload.Message)
	}
	if payload.Message == "" {
		t.Fatalf("expected a message alongside %s", code)
	}
}

func taskArgs(title string) map[string]interface{} {
	return map[string]interface{}{
		"title":       title,
		"description": "Work on " + title,
	}
}

func TestInitializeAndListTools(t *testing.T) {
	s := newToolServer(t)
	ctx := context.Background()

	resp := s.handleRequest(ctx, &MCPRequest{JSONRPC: "2.0", ID: 1, Method: "initialize"})
	init, ok := resp.Result.(InitializeResult)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	if init.ProtocolVersion != "2024-11-05" {
		t.Fatalf("unexpected protocol version %q", init.ProtocolVersion)
	}
	if init.ServerInfo.Name != "taskline" {
		t.Fatalf("unexpected server name %q", init.ServerInfo.Name)
	}
	if init.Capabilities.Tools == nil {
		t.Fatalf("expected tools capability")
	}

	resp = s.handleRequest(ctx, &MCPRequest{JSONRPC: "2.0", ID: 2, Method: "tools/list"})
	list, ok := resp.Result.(ListToolsResult)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	want := []string{
		"list_projects", "read_project", "create_project", "delete_project",
		"add_tasks_to_project", "finalize_project",
		"list_tasks", "read_task", "update_task", "delete_task",
		"approve_task", "get_next_task", "generate_project_plan",
	}
	if len(list.Tools) != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), len(list.Tools))
	}
	byName := make(map[string]Tool, len(list.Tools))
	for _, tool := range list.Tools {
		byName[tool.Name] = tool
	}
	for _, name := range want {
		tool, ok := byName[name]
		if !ok {
			t.Fatalf("missing tool %s", name)
		}
		if tool.Description == "" || tool.InputSchema == nil {
			t.Fatalf("tool %s lacks description or schema", name)
		}
	}
}

func TestToolLifecycle(t *testing.T) {
	s := newToolServer(t)

	var p domain.Project
	decodeTool(t, callTool(t, s, "create_project", map[string]interface{}{
		"initial_prompt": "Ship the importer",
		"tasks":          []interface{}{taskArgs("design"), taskArgs("build")},
	}), &p)
	if p.ID != "proj-1" || len(p.Tasks) != 2 {
		t.Fatalf("unexpected project: %+v", p)
	}
	if p.ProjectPlan != p.InitialPrompt {
		t.Fatalf("expected plan to default to the prompt, got %q", p.ProjectPlan)
	}

	var next struct {
		Task *domain.Task `json:"task"`
	}
	decodeTool(t, callTool(t, s, "get_next_task", map[string]interface{}{"project_id": p.ID}), &next)
	if next.Task == nil || next.Task.ID != "task-1" {
		t.Fatalf("unexpected next task: %+v", next.Task)
	}

	var task domain.Task
	decodeTool(t, callTool(t, s, "update_task", map[string]interface{}{
		"project_id": p.ID, "task_id": "task-1", "status": "in progress",
	}), &task)
	if task.Status != domain.StatusInProgress {
		t.Fatalf("unexpected status %q", task.Status)
	}
	decodeTool(t, callTool(t, s, "update_task", map[string]interface{}{
		"project_id": p.ID, "task_id": "task-1",
		"status": "done", "completed_details": "laid out the schema",
	}), &task)
	if task.Status != domain.StatusDone || task.Approved {
		t.Fatalf("unexpected task after done: %+v", task)
	}

	wantToolError(t, callTool(t, s, "finalize_project", map[string]interface{}{"project_id": p.ID}),
		domain.CodeTasksNotDone)

	var approved struct {
		Task            domain.Task `json:"task"`
		AlreadyApproved bool        `json:"already_approved"`
	}
	decodeTool(t, callTool(t, s, "approve_task", map[string]interface{}{
		"project_id": p.ID, "task_id": "task-1",
	}), &approved)
	if !approved.Task.Approved || approved.AlreadyApproved {
		t.Fatalf("unexpected approval: %+v", approved)
	}
	decodeTool(t, callTool(t, s, "approve_task", map[string]interface{}{
		"project_id": p.ID, "task_id": "task-1",
	}), &approved)
	if !approved.AlreadyApproved {
		t.Fatalf("expected already_approved on repeat")
	}

	for _, status := range []string{"in progress", "done"} {
		args := map[string]interface{}{"project_id": p.ID, "task_id": "task-2", "status": status}
		if status == "done" {
			args["completed_details"] = "wired it up"
		}
		decodeTool(t, callTool(t, s, "update_task", args), &task)
	}
	decodeTool(t, callTool(t, s, "approve_task", map[string]interface{}{
		"project_id": p.ID, "task_id": "task-2",
	}), &approved)

	decodeTool(t, callTool(t, s, "get_next_task", map[string]interface{}{"project_id": p.ID}), &next)
	if next.Task != nil {
		t.Fatalf("expected null next task, got %+v", next.Task)
	}

	decodeTool(t, callTool(t, s, "finalize_project", map[string]interface{}{"project_id": p.ID}), &p)
	if !p.Completed {
		t.Fatalf("expected completed project")
	}

	var summaries []manager.ProjectSummary
	decodeTool(t, callTool(t, s, "list_projects", map[string]interface{}{"state": "completed"}), &summaries)
	if len(summaries) != 1 || summaries[0].ApprovedTasks != 2 {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}
}

func TestToolErrors(t *testing.T) {
	s := newToolServer(t)

	wantToolError(t, callTool(t, s, "read_project", map[string]interface{}{"project_id": "proj-99"}),
		domain.CodeProjectNotFound)
	wantToolError(t, callTool(t, s, "read_project", map[string]interface{}{"project_id": "banana"}),
		domain.CodeInvalidIdentifier)
	wantToolError(t, callTool(t, s, "create_project", map[string]interface{}{}),
		domain.CodeInvalidArgument)
	wantToolError(t, callTool(t, s, "no_such_tool", map[string]interface{}{}),
		domain.CodeInvalidArgument)

	var p domain.Project
	decodeTool(t, callTool(t, s, "create_project", map[string]interface{}{
		"initial_prompt": "Error cases",
		"tasks":          []interface{}{taskArgs("solo")},
	}), &p)

	wantToolError(t, callTool(t, s, "update_task", map[string]interface{}{
		"project_id": p.ID, "task_id": "task-1",
		"status": "done", "completed_details": "skipping ahead",
	}), domain.CodeInvalidTransition)
	wantToolError(t, callTool(t, s, "update_task", map[string]interface{}{
		"project_id": p.ID, "task_id": "task-1", "status": "blocked",
	}), domain.CodeInvalidTransition)
	wantToolError(t, callTool(t, s, "approve_task", map[string]interface{}{
		"project_id": p.ID, "task_id": "task-1",
	}), domain.CodeTaskNotDone)

	var task domain.Task
	decodeTool(t, callTool(t, s, "update_task", map[string]interface{}{
		"project_id": p.ID, "task_id": "task-1", "status": "in progress",
	}), &task)
	wantToolError(t, callTool(t, s, "update_task", map[string]interface{}{
		"project_id": p.ID, "task_id": "task-1", "status": "done",
	}), domain.CodeDetailsRequired)
}

func TestProtocolErrors(t *testing.T) {
	s := newToolServer(t)
	ctx := context.Background()

	resp := s.handleRequest(ctx, &MCPRequest{JSONRPC: "2.0", ID: 7, Method: "resources/list"})
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected method not found, got %+v", resp)
	}
	if resp.ID != 7 {
		t.Fatalf("expected id echoed back, got %v", resp.ID)
	}

	resp = s.handleRequest(ctx, &MCPRequest{
		JSONRPC: "2.0", ID: 8, Method: "tools/call",
		Params: json.RawMessage(`42`),
	})
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("expected invalid params, got %+v", resp)
	}

	if resp := s.handleRequest(ctx, &MCPRequest{JSONRPC: "2.0", Method: "notifications/initialized"}); resp != nil {
		t.Fatalf("expected no response to a notification, got %+v", resp)
	}
}

func TestRunLoop(t *testing.T) {
	s := newToolServer(t)
	input := `{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n" +
		"{not json\n" +
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n"
	var out bytes.Buffer
	s.in = strings.NewReader(input)
	s.out = &out

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 responses, got %d: %q", len(lines), out.String())
	}

	var first struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode first response: %v", err)
	}
	if first.Result.ProtocolVersion != "2024-11-05" {
		t.Fatalf("unexpected initialize response: %s", lines[0])
	}

	var second MCPResponse
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("decode second response: %v", err)
	}
	if second.Error == nil || second.Error.Code != -32700 {
		t.Fatalf("expected parse error, got %s", lines[1])
	}

	var third struct {
		Result struct {
			Tools []Tool `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(lines[2]), &third); err != nil {
		t.Fatalf("decode third response: %v", err)
	}
	if len(third.Result.Tools) != 13 {
		t.Fatalf("expected 13 tools, got %d", len(third.Result.Tools))
	}
}

type stubGenerator struct {
	lastReq planner.Request
	draft   *planner.Draft
}

func (g *stubGenerator) GeneratePlan(ctx context.Context, req planner.Request) (*planner.Draft, error) {
	g.lastReq = req
	return g.draft, nil
}

func TestGenerateProjectPlan(t *testing.T) {
	s := newToolServer(t)
	gen := &stubGenerator{draft: &planner.Draft{
		ProjectPlan: "scaffold then build",
		Tasks: []domain.TaskDraft{
			{Title: "Scaffold", Description: "Lay out the repo"},
			{Title: "Build", Description: "Implement the core"},
		},
	}}
	var gotProvider string
	s.newGenerator = func(provider string) (planner.Generator, error) {
		gotProvider = provider
		return gen, nil
	}

	var p domain.Project
	decodeTool(t, callTool(t, s, "generate_project_plan", map[string]interface{}{
		"prompt":       "Build a url shortener",
		"provider":     "openai",
		"model":        "gpt-4o-mini",
		"attachments":  []interface{}{"must run on port 8080"},
		"auto_approve": true,
	}), &p)

	if gotProvider != "openai" {
		t.Fatalf("expected provider passed through, got %q", gotProvider)
	}
	if gen.lastReq.Prompt != "Build a url shortener" || gen.lastReq.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected planner request: %+v", gen.lastReq)
	}
	if len(gen.lastReq.Attachments) != 1 || gen.lastReq.Attachments[0] != "must run on port 8080" {
		t.Fatalf("unexpected attachments: %+v", gen.lastReq.Attachments)
	}
	if p.ProjectPlan != "scaffold then build" || len(p.Tasks) != 2 || !p.AutoApprove {
		t.Fatalf("unexpected project: %+v", p)
	}
	if p.InitialPrompt != "Build a url shortener" {
		t.Fatalf("expected prompt kept as initial prompt, got %q", p.InitialPrompt)
	}

	wantToolError(t, callTool(t, s, "generate_project_plan", map[string]interface{}{}),
		domain.CodeInvalidArgument)

	// The default generator factory rejects unknown providers before any
	// network call.
	real := newToolServer(t)
	wantToolError(t, callTool(t, real, "generate_project_plan", map[string]interface{}{
		"prompt": "p", "provider": "gemini",
	}), domain.CodePlannerInvalidProvider)
}
