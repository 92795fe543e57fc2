package manager_test

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"taskline/internal/domain"
	"taskline/internal/manager"
	"taskline/internal/store"
)

type testEnv struct {
	Manager *manager.Manager
	Store   store.Store
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	s := store.Store{Path: filepath.Join(t.TempDir(), "tasks.json")}
	return testEnv{Manager: manager.New(s), Store: s, Ctx: context.Background()}
}

func drafts(titles ...string) []domain.TaskDraft {
	out := make([]domain.TaskDraft, 0, len(titles))
	for _, title := range titles {
		out = append(out, domain.TaskDraft{Title: title, Description: "do " + title})
	}
	return out
}

func seedProject(t *testing.T, env testEnv, opts manager.CreateProjectOptions) domain.Project {
	t.Helper()
	if opts.InitialPrompt == "" {
		opts.InitialPrompt = "build the thing"
	}
	p, err := env.Manager.CreateProject(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func str(s string) *string { return &s }

func status(s domain.TaskStatus) *domain.TaskStatus { return &s }

// markDone walks a task through in progress into done.
func markDone(t *testing.T, env testEnv, projectID, taskID, details string) domain.Task {
	t.Helper()
	if _, err := env.Manager.UpdateTask(env.Ctx, projectID, taskID, manager.UpdateTaskOptions{
		Status: status(domain.StatusInProgress),
	}); err != nil {
		t.Fatalf("to in progress: %v", err)
	}
	task, err := env.Manager.UpdateTask(env.Ctx, projectID, taskID, manager.UpdateTaskOptions{
		Status:           status(domain.StatusDone),
		CompletedDetails: str(details),
	})
	if err != nil {
		t.Fatalf("to done: %v", err)
	}
	return task
}

func TestCreateProjectAllocatesSequentialIDs(t *testing.T) {
	env := newTestEnv(t)
	p1 := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("one", "two")})
	if p1.ID != "proj-1" {
		t.Fatalf("expected proj-1, got %s", p1.ID)
	}
	if p1.Tasks[0].ID != "task-1" || p1.Tasks[1].ID != "task-2" {
		t.Fatalf("unexpected task ids: %s, %s", p1.Tasks[0].ID, p1.Tasks[1].ID)
	}
	if p1.ProjectPlan != p1.InitialPrompt {
		t.Fatalf("expected plan to default to prompt")
	}
	p2 := seedProject(t, env, manager.CreateProjectOptions{ProjectPlan: "the plan", Tasks: drafts("three")})
	if p2.ID != "proj-2" || p2.Tasks[0].ID != "task-3" {
		t.Fatalf("unexpected ids: %s, %s", p2.ID, p2.Tasks[0].ID)
	}
	if p2.ProjectPlan != "the plan" {
		t.Fatalf("expected explicit plan to stick")
	}
	for _, task := range p1.Tasks {
		if task.Status != domain.StatusNotStarted || task.Approved {
			t.Fatalf("new task not in initial state: %+v", task)
		}
	}
}

func TestIdentifierAllocationSurvivesReload(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("one", "two")})

	// simulated restart: a fresh manager over the same file
	m2 := manager.New(env.Store)
	p, err := m2.CreateProject(env.Ctx, manager.CreateProjectOptions{InitialPrompt: "more", Tasks: drafts("three")})
	if err != nil {
		t.Fatalf("create after reload: %v", err)
	}
	if p.ID != "proj-2" {
		t.Fatalf("expected proj-2 after reload, got %s", p.ID)
	}
	if p.Tasks[0].ID != "task-3" {
		t.Fatalf("expected task-3 after reload, got %s", p.Tasks[0].ID)
	}
	added, err := m2.AddTasks(env.Ctx, "proj-1", drafts("four"))
	if err != nil {
		t.Fatalf("add tasks: %v", err)
	}
	if added[0].ID != "task-4" {
		t.Fatalf("expected task-4, got %s", added[0].ID)
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("work")})
	id := p.Tasks[0].ID

	// valid walk: forward, then the permitted regressions
	task, err := env.Manager.UpdateTask(env.Ctx, p.ID, id, manager.UpdateTaskOptions{Status: status(domain.StatusInProgress)})
	if err != nil || task.Status != domain.StatusInProgress {
		t.Fatalf("to in progress: %v", err)
	}
	task, err = env.Manager.UpdateTask(env.Ctx, p.ID, id, manager.UpdateTaskOptions{
		Status: status(domain.StatusDone), CompletedDetails: str("did it"),
	})
	if err != nil || task.Status != domain.StatusDone {
		t.Fatalf("to done: %v", err)
	}
	task, err = env.Manager.UpdateTask(env.Ctx, p.ID, id, manager.UpdateTaskOptions{Status: status(domain.StatusInProgress)})
	if err != nil || task.Status != domain.StatusInProgress {
		t.Fatalf("reopen: %v", err)
	}
	task, err = env.Manager.UpdateTask(env.Ctx, p.ID, id, manager.UpdateTaskOptions{Status: status(domain.StatusNotStarted)})
	if err != nil || task.Status != domain.StatusNotStarted {
		t.Fatalf("back to not started: %v", err)
	}

	// not started -> done directly is forbidden and leaves the task unchanged
	_, err = env.Manager.UpdateTask(env.Ctx, p.ID, id, manager.UpdateTaskOptions{
		Status: status(domain.StatusDone), CompletedDetails: str("skipped ahead"),
	})
	if !domain.IsCode(err, domain.CodeInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	task, err = env.Manager.GetTask(env.Ctx, p.ID, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.StatusNotStarted || task.CompletedDetails != "" {
		t.Fatalf("task mutated by rejected update: %+v", task)
	}
}

func TestSameStatusUpdateIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("work")})
	id := p.Tasks[0].ID

	if _, err := env.Manager.UpdateTask(env.Ctx, p.ID, id, manager.UpdateTaskOptions{Status: status(domain.StatusNotStarted)}); err != nil {
		t.Fatalf("same-status update should succeed: %v", err)
	}
	markDone(t, env, p.ID, id, "done once")
	// asking for done again needs no fresh details
	task, err := env.Manager.UpdateTask(env.Ctx, p.ID, id, manager.UpdateTaskOptions{Status: status(domain.StatusDone)})
	if err != nil {
		t.Fatalf("idempotent done: %v", err)
	}
	if task.CompletedDetails != "done once" {
		t.Fatalf("details changed by no-op: %q", task.CompletedDetails)
	}
}

func TestCompletedDetailsRequired(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("work")})
	id := p.Tasks[0].ID

	if _, err := env.Manager.UpdateTask(env.Ctx, p.ID, id, manager.UpdateTaskOptions{Status: status(domain.StatusInProgress)}); err != nil {
		t.Fatalf("to in progress: %v", err)
	}
	_, err := env.Manager.UpdateTask(env.Ctx, p.ID, id, manager.UpdateTaskOptions{Status: status(domain.StatusDone)})
	if !domain.IsCode(err, domain.CodeDetailsRequired) {
		t.Fatalf("expected details required, got %v", err)
	}
	task, _ := env.Manager.GetTask(env.Ctx, p.ID, id)
	if task.Status != domain.StatusInProgress {
		t.Fatalf("status changed despite rejection: %s", task.Status)
	}

	// details on a task that is not done are rejected too
	_, err = env.Manager.UpdateTask(env.Ctx, p.ID, id, manager.UpdateTaskOptions{CompletedDetails: str("early")})
	if !domain.IsCode(err, domain.CodeTaskNotDone) {
		t.Fatalf("expected task not done, got %v", err)
	}
}

func TestApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("work")})
	id := p.Tasks[0].ID

	if _, err := env.Manager.UpdateTask(env.Ctx, p.ID, id, manager.UpdateTaskOptions{Status: status(domain.StatusInProgress)}); err != nil {
		t.Fatalf("to in progress: %v", err)
	}
	// approval before done fails
	_, err := env.Manager.ApproveTask(env.Ctx, p.ID, id)
	if !domain.IsCode(err, domain.CodeTaskNotDone) {
		t.Fatalf("expected task not done, got %v", err)
	}

	markDone(t, env, p.ID, id, "finished")
	res, err := env.Manager.ApproveTask(env.Ctx, p.ID, id)
	if err != nil || res.AlreadyApproved {
		t.Fatalf("first approval: %v (already=%v)", err, res.AlreadyApproved)
	}
	if !res.Task.Approved {
		t.Fatalf("task not approved")
	}
	// approving again is a successful no-op
	res, err = env.Manager.ApproveTask(env.Ctx, p.ID, id)
	if err != nil || !res.AlreadyApproved {
		t.Fatalf("expected already-approved result, got %v (already=%v)", err, res.AlreadyApproved)
	}

	// an approved task rejects every update
	_, err = env.Manager.UpdateTask(env.Ctx, p.ID, id, manager.UpdateTaskOptions{Title: str("rename")})
	if !domain.IsCode(err, domain.CodeTaskApproved) {
		t.Fatalf("expected approved-task rejection, got %v", err)
	}
	_, err = env.Manager.UpdateTask(env.Ctx, p.ID, id, manager.UpdateTaskOptions{Status: status(domain.StatusInProgress)})
	if !domain.IsCode(err, domain.CodeTaskApproved) {
		t.Fatalf("expected approved-task rejection on regression, got %v", err)
	}
}

func TestAutoApprove(t *testing.T) {
	env := newTestEnv(t)
	auto := seedProject(t, env, manager.CreateProjectOptions{AutoApprove: true, Tasks: drafts("auto")})
	task := markDone(t, env, auto.ID, auto.Tasks[0].ID, "auto done")
	if !task.Approved {
		t.Fatalf("expected auto-approval in the same call")
	}

	plain := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("manual")})
	task = markDone(t, env, plain.ID, plain.Tasks[0].ID, "manual done")
	if task.Approved {
		t.Fatalf("expected approval to stay false without autoApprove")
	}
}

func TestFinalizeProjectGates(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("one", "two")})

	// nothing done yet
	_, err := env.Manager.FinalizeProject(env.Ctx, p.ID)
	if !domain.IsCode(err, domain.CodeTasksNotDone) {
		t.Fatalf("expected tasks-not-done, got %v", err)
	}

	markDone(t, env, p.ID, "task-1", "first")
	markDone(t, env, p.ID, "task-2", "second")
	// done but unapproved
	_, err = env.Manager.FinalizeProject(env.Ctx, p.ID)
	if !domain.IsCode(err, domain.CodeTasksNotApproved) {
		t.Fatalf("expected tasks-not-approved, got %v", err)
	}
	got, _ := env.Manager.GetProject(env.Ctx, p.ID)
	if got.Completed {
		t.Fatalf("completed flag set by failed finalize")
	}

	if _, err := env.Manager.ApproveTask(env.Ctx, p.ID, "task-1"); err != nil {
		t.Fatalf("approve 1: %v", err)
	}
	if _, err := env.Manager.ApproveTask(env.Ctx, p.ID, "task-2"); err != nil {
		t.Fatalf("approve 2: %v", err)
	}
	final, err := env.Manager.FinalizeProject(env.Ctx, p.ID)
	if err != nil || !final.Completed {
		t.Fatalf("finalize: %v", err)
	}

	// terminal: a second finalize reports the distinct already-completed error
	_, err = env.Manager.FinalizeProject(env.Ctx, p.ID)
	if !domain.IsCode(err, domain.CodeProjectCompleted) {
		t.Fatalf("expected already-completed, got %v", err)
	}

	// the completed project's tasks are frozen
	if _, err := env.Manager.AddTasks(env.Ctx, p.ID, drafts("late")); !domain.IsCode(err, domain.CodeProjectCompleted) {
		t.Fatalf("expected frozen on add, got %v", err)
	}
	if _, err := env.Manager.UpdateTask(env.Ctx, p.ID, "task-1", manager.UpdateTaskOptions{Title: str("x")}); !domain.IsCode(err, domain.CodeProjectCompleted) {
		t.Fatalf("expected frozen on update, got %v", err)
	}
	if err := env.Manager.DeleteTask(env.Ctx, p.ID, "task-1"); !domain.IsCode(err, domain.CodeProjectCompleted) {
		t.Fatalf("expected frozen on delete, got %v", err)
	}
	// approve stays idempotent even after finalization
	res, err := env.Manager.ApproveTask(env.Ctx, p.ID, "task-1")
	if err != nil || !res.AlreadyApproved {
		t.Fatalf("expected idempotent approve on completed project, got %v", err)
	}
}

func TestFinalizeEmptyProject(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, manager.CreateProjectOptions{})
	final, err := env.Manager.FinalizeProject(env.Ctx, p.ID)
	if err != nil || !final.Completed {
		t.Fatalf("finalize empty project: %v", err)
	}
}

func TestNextTaskSelection(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("one", "two", "three")})

	markDone(t, env, p.ID, "task-1", "first")
	if _, err := env.Manager.UpdateTask(env.Ctx, p.ID, "task-2", manager.UpdateTaskOptions{Status: status(domain.StatusInProgress)}); err != nil {
		t.Fatalf("to in progress: %v", err)
	}
	// done, in progress, not started -> the in-progress task
	next, err := env.Manager.NextTask(env.Ctx, p.ID)
	if err != nil || next == nil || next.ID != "task-2" {
		t.Fatalf("expected task-2, got %+v (%v)", next, err)
	}

	// an in-progress task beats an earlier not-started one
	p2 := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("a", "b")})
	if _, err := env.Manager.UpdateTask(env.Ctx, p2.ID, p2.Tasks[1].ID, manager.UpdateTaskOptions{Status: status(domain.StatusInProgress)}); err != nil {
		t.Fatalf("to in progress: %v", err)
	}
	next, err = env.Manager.NextTask(env.Ctx, p2.ID)
	if err != nil || next == nil || next.ID != p2.Tasks[1].ID {
		t.Fatalf("expected later in-progress task, got %+v (%v)", next, err)
	}

	// done(approved) + not started -> the not-started task
	p3 := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("c", "d")})
	markDone(t, env, p3.ID, p3.Tasks[0].ID, "c done")
	if _, err := env.Manager.ApproveTask(env.Ctx, p3.ID, p3.Tasks[0].ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	next, err = env.Manager.NextTask(env.Ctx, p3.ID)
	if err != nil || next == nil || next.ID != p3.Tasks[1].ID {
		t.Fatalf("expected not-started task, got %+v (%v)", next, err)
	}

	// all done -> null result, not an error
	markDone(t, env, p3.ID, p3.Tasks[1].ID, "d done")
	next, err = env.Manager.NextTask(env.Ctx, p3.ID)
	if err != nil || next != nil {
		t.Fatalf("expected no next task, got %+v (%v)", next, err)
	}

	// zero tasks -> error
	empty := seedProject(t, env, manager.CreateProjectOptions{})
	_, err = env.Manager.NextTask(env.Ctx, empty.ID)
	if !domain.IsCode(err, domain.CodeProjectEmpty) {
		t.Fatalf("expected project-empty, got %v", err)
	}
}

func TestListProjectsFiltering(t *testing.T) {
	env := newTestEnv(t)
	open := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("open")})
	pending := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("pending")})
	markDone(t, env, pending.ID, pending.Tasks[0].ID, "waiting on sign-off")
	finished := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("closed")})
	markDone(t, env, finished.ID, finished.Tasks[0].ID, "all wrapped")
	if _, err := env.Manager.ApproveTask(env.Ctx, finished.ID, finished.Tasks[0].ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Manager.FinalizeProject(env.Ctx, finished.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	all, err := env.Manager.ListProjects(env.Ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 projects, got %d (%v)", len(all), err)
	}
	alias, err := env.Manager.ListProjects(env.Ctx, domain.StateAll)
	if err != nil || len(alias) != 3 {
		t.Fatalf("all alias: expected 3 projects, got %d (%v)", len(alias), err)
	}
	rows, err := env.Manager.ListProjects(env.Ctx, domain.StateOpen)
	if err != nil || len(rows) != 1 || rows[0].ID != open.ID {
		t.Fatalf("open filter: %+v (%v)", rows, err)
	}
	rows, err = env.Manager.ListProjects(env.Ctx, domain.StatePendingApproval)
	if err != nil || len(rows) != 1 || rows[0].ID != pending.ID {
		t.Fatalf("pending filter: %+v (%v)", rows, err)
	}
	rows, err = env.Manager.ListProjects(env.Ctx, domain.StateCompleted)
	if err != nil || len(rows) != 1 || rows[0].ID != finished.ID {
		t.Fatalf("completed filter: %+v (%v)", rows, err)
	}
	if rows[0].TotalTasks != 1 || rows[0].DoneTasks != 1 || rows[0].ApprovedTasks != 1 {
		t.Fatalf("unexpected counts: %+v", rows[0])
	}

	_, err = env.Manager.ListProjects(env.Ctx, "bogus")
	if !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid filter error, got %v", err)
	}
}

func TestListTasksFiltering(t *testing.T) {
	env := newTestEnv(t)
	p1 := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("one", "two")})
	p2 := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("three")})
	markDone(t, env, p1.ID, "task-1", "first")

	all, err := env.Manager.ListTasks(env.Ctx, "", "")
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d (%v)", len(all), err)
	}
	scoped, err := env.Manager.ListTasks(env.Ctx, p2.ID, "")
	if err != nil || len(scoped) != 1 || scoped[0].ProjectID != p2.ID {
		t.Fatalf("scoped listing: %+v (%v)", scoped, err)
	}
	pending, err := env.Manager.ListTasks(env.Ctx, p1.ID, domain.StatePendingApproval)
	if err != nil || len(pending) != 1 || pending[0].Task.ID != "task-1" {
		t.Fatalf("pending filter: %+v (%v)", pending, err)
	}
	// empty result is a success, not an error
	none, err := env.Manager.ListTasks(env.Ctx, p2.ID, domain.StateCompleted)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty result, got %+v (%v)", none, err)
	}
	_, err = env.Manager.ListTasks(env.Ctx, "proj-99", "")
	if !domain.IsCode(err, domain.CodeProjectNotFound) {
		t.Fatalf("expected project not found, got %v", err)
	}
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("one", "two", "three")})

	if err := env.Manager.DeleteTask(env.Ctx, p.ID, "task-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := env.Manager.GetProject(env.Ctx, p.ID)
	if len(got.Tasks) != 2 || got.Tasks[0].ID != "task-1" || got.Tasks[1].ID != "task-3" {
		t.Fatalf("unexpected tasks after delete: %+v", got.Tasks)
	}

	markDone(t, env, p.ID, "task-1", "locked in")
	if err := env.Manager.DeleteTask(env.Ctx, p.ID, "task-1"); !domain.IsCode(err, domain.CodeTaskDone) {
		t.Fatalf("expected done-task rejection, got %v", err)
	}
	if err := env.Manager.DeleteTask(env.Ctx, p.ID, "task-2"); !domain.IsCode(err, domain.CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteProject(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("one")})
	if err := env.Manager.DeleteProject(env.Ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := env.Manager.DeleteProject(env.Ctx, p.ID); !domain.IsCode(err, domain.CodeProjectNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInvalidIdentifiers(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("one")})

	for _, id := range []string{"", "project-1", "proj-", "proj-0", "proj-x", "task-1", "proj--2"} {
		if _, err := env.Manager.GetProject(env.Ctx, id); !domain.IsCode(err, domain.CodeInvalidIdentifier) {
			t.Fatalf("project id %q: expected invalid identifier, got %v", id, err)
		}
	}
	for _, id := range []string{"", "task", "task-", "task-0", "tasks-1", "proj-1"} {
		if _, err := env.Manager.GetTask(env.Ctx, "proj-1", id); !domain.IsCode(err, domain.CodeInvalidIdentifier) {
			t.Fatalf("task id %q: expected invalid identifier, got %v", id, err)
		}
	}
	// well-formed but absent ids are not-found, not invalid
	if _, err := env.Manager.GetProject(env.Ctx, "proj-42"); !domain.IsCode(err, domain.CodeProjectNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Manager.GetTask(env.Ctx, "proj-1", "task-42"); !domain.IsCode(err, domain.CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateValidatesBeforeMutating(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, manager.CreateProjectOptions{Tasks: drafts("work")})
	id := p.Tasks[0].ID

	// a good title paired with a bad transition must apply nothing
	_, err := env.Manager.UpdateTask(env.Ctx, p.ID, id, manager.UpdateTaskOptions{
		Title:  str("renamed"),
		Status: status(domain.StatusDone),
	})
	if !domain.IsCode(err, domain.CodeInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	task, _ := env.Manager.GetTask(env.Ctx, p.ID, id)
	if task.Title != "work" {
		t.Fatalf("title applied despite rejected update: %q", task.Title)
	}

	_, err = env.Manager.UpdateTask(env.Ctx, p.ID, id, manager.UpdateTaskOptions{Title: str("")})
	if !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestApprovedImpliesDoneInvariant(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, manager.CreateProjectOptions{AutoApprove: true, Tasks: drafts("a", "b", "c")})

	check := func(step string) {
		t.Helper()
		tasks, err := env.Manager.ListTasks(env.Ctx, "", "")
		if err != nil {
			t.Fatalf("%s: list: %v", step, err)
		}
		for _, row := range tasks {
			if row.Approved && row.Status != domain.StatusDone {
				t.Fatalf("%s: approved task %s is %q", step, row.Task.ID, row.Status)
			}
		}
	}
	check("initial")
	markDone(t, env, p.ID, "task-1", "one")
	check("after auto-approved done")
	if _, err := env.Manager.UpdateTask(env.Ctx, p.ID, "task-2", manager.UpdateTaskOptions{Status: status(domain.StatusInProgress)}); err != nil {
		t.Fatalf("to in progress: %v", err)
	}
	check("after start")
	markDone(t, env, p.ID, "task-2", "two")
	check("after second done")
}

func TestRoundTripPreservesState(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, manager.CreateProjectOptions{
		InitialPrompt: "ship it",
		ProjectPlan:   "plan of record",
		AutoApprove:   true,
		Tasks: []domain.TaskDraft{
			{Title: "build", Description: "make it", ToolRecommendations: "hammer", RuleRecommendations: "measure twice"},
			{Title: "test", Description: "check it"},
		},
	})
	markDone(t, env, p.ID, p.Tasks[0].ID, "built and verified")
	want, err := env.Manager.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// reload through a brand new manager on the same file
	got, err := manager.New(env.Store).GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("state drifted across reload:\nwant %+v\ngot  %+v", want, got)
	}
}

func TestConcurrentAddsStaySerialized(t *testing.T) {
	env := newTestEnv(t)
	p := seedProject(t, env, manager.CreateProjectOptions{})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := env.Manager.AddTasks(env.Ctx, p.ID, drafts(fmt.Sprintf("job %d", n)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent add: %v", err)
		}
	}
	got, _ := env.Manager.GetProject(env.Ctx, p.ID)
	if len(got.Tasks) != 10 {
		t.Fatalf("expected 10 tasks, got %d", len(got.Tasks))
	}
	seen := map[string]bool{}
	for _, task := range got.Tasks {
		if seen[task.ID] {
			t.Fatalf("duplicate task id %s", task.ID)
		}
		seen[task.ID] = true
	}
}

func TestCreateProjectRequiresPromptAndTaskText(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Manager.CreateProject(env.Ctx, manager.CreateProjectOptions{}); !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for empty prompt, got %v", err)
	}
	_, err := env.Manager.CreateProject(env.Ctx, manager.CreateProjectOptions{
		InitialPrompt: "p",
		Tasks:         []domain.TaskDraft{{Title: "", Description: "d"}},
	})
	if !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for empty title, got %v", err)
	}
	_, err = env.Manager.CreateProject(env.Ctx, manager.CreateProjectOptions{
		InitialPrompt: "p",
		Tasks:         []domain.TaskDraft{{Title: "t", Description: ""}},
	})
	if !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for empty description, got %v", err)
	}
}
