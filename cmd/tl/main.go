package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/journal"
	"taskline/internal/manager"
	"taskline/internal/planner"
	"taskline/internal/server"
	"taskline/internal/store"
	"taskline/internal/toolserver"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Taskline CLI",
	Long: `Taskline keeps agent-driven project work reviewable.
- Project: one initiative created from an initial prompt; it owns an ordered task list and a plan.
- Task: a unit of work that moves not started -> in progress -> done and must say what was accomplished.
- Approval: done tasks wait for an explicit approve step, unless the project was created with auto-approve.
- Finalize: a project closes only when every task is done and approved; after that it is read-only.
- Journal: every change is recorded; view it with 'tl log tail'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("file", "", "store file (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("file", rootCmd.PersistentFlags().Lookup("file"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectFinalizeCmd())
	prj.AddCommand(projectPlanCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m *manager.Manager, _ *config.Config) error {
				items, err := m.ListProjects(ctx, domain.EntityState(state))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Prompt", "Completed", "Done", "Approved", "Tasks"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.InitialPrompt, p.Completed, p.DoneTasks, p.ApprovedTasks, p.TotalTasks})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter (open, pending_approval, completed, all)")
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var prompt, plan, tasksJSON string
	var taskPairs []string
	var autoApprove bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := parseTaskDrafts(tasksJSON)
			if err != nil {
				return err
			}
			for _, pair := range taskPairs {
				draft, err := parseTaskPair(pair)
				if err != nil {
					return err
				}
				tasks = append(tasks, draft)
			}
			return withManager(cmd.Context(), func(ctx context.Context, m *manager.Manager, _ *config.Config) error {
				p, err := m.CreateProject(ctx, manager.CreateProjectOptions{
					InitialPrompt: prompt,
					ProjectPlan:   plan,
					AutoApprove:   autoApprove,
					Tasks:         tasks,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "initial prompt")
	cmd.Flags().StringVar(&plan, "plan", "", "project plan (defaults to the prompt)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "approve tasks automatically when they are done")
	cmd.Flags().StringVar(&tasksJSON, "tasks-json", "", `initial tasks JSON, e.g. [{"title":"...","description":"..."}]`)
	cmd.Flags().StringArrayVar(&taskPairs, "task", []string{}, `initial task as "Title: Description" (repeatable)`)
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m *manager.Manager, _ *config.Config) error {
				p, err := m.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m *manager.Manager, _ *config.Config) error {
				return m.DeleteProject(ctx, args[0])
			})
		},
	}
	return cmd
}

func projectFinalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finalize <project-id>",
		Short: "Mark a project completed",
		Long:  "Finalize closes a project once every task is done and approved. A completed project rejects further changes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m *manager.Manager, _ *config.Config) error {
				p, err := m.FinalizeProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectPlanCmd() *cobra.Command {
	var prompt, provider, model string
	var attachments []string
	var autoApprove bool
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Draft a project with an LLM provider",
		Long:  "Plan asks the configured provider to draft a plan and task list from the prompt, then creates the project from the draft. Requires ANTHROPIC_API_KEY or OPENAI_API_KEY.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m *manager.Manager, cfg *config.Config) error {
				if provider == "" {
					provider = cfg.Planner.Provider
				}
				if model == "" {
					model = cfg.Planner.Model
				}
				gen, err := planner.New(provider)
				if err != nil {
					return err
				}
				draft, err := gen.GeneratePlan(ctx, planner.Request{
					Prompt:      prompt,
					Model:       model,
					Attachments: attachments,
				})
				if err != nil {
					return err
				}
				p, err := m.CreateProject(ctx, manager.CreateProjectOptions{
					InitialPrompt: prompt,
					ProjectPlan:   draft.ProjectPlan,
					AutoApprove:   autoApprove,
					Tasks:         draft.Tasks,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "what the project should accomplish")
	cmd.Flags().StringVar(&provider, "provider", "", "anthropic or openai (defaults to config)")
	cmd.Flags().StringVar(&model, "model", "", "provider model (defaults to config)")
	cmd.Flags().StringArrayVar(&attachments, "attachment", []string{}, "extra context for the provider (repeatable)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "approve tasks automatically when they are done")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow not started -> in progress -> done. Marking one done requires completion details, and done tasks need approval before the project can finalize.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskDoneCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskNextCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var projectID, state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m *manager.Manager, _ *config.Config) error {
				tasks, err := m.ListTasks(ctx, projectID, domain.EntityState(state))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Title", "Status", "State"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.ProjectID, t.Title, t.Status, t.State()})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "restrict to one project")
	cmd.Flags().StringVar(&state, "state", "", "state filter (open, pending_approval, completed, all)")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id> <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m *manager.Manager, _ *config.Config) error {
				t, err := m.GetTask(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskAddCmd() *cobra.Command {
	var projectID, title, description, toolRecs, ruleRecs, tasksJSON string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append tasks to a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			drafts, err := parseTaskDrafts(tasksJSON)
			if err != nil {
				return err
			}
			if drafts == nil {
				drafts = []domain.TaskDraft{{
					Title:               title,
					Description:         description,
					ToolRecommendations: toolRecs,
					RuleRecommendations: ruleRecs,
				}}
			}
			return withManager(cmd.Context(), func(ctx context.Context, m *manager.Manager, _ *config.Config) error {
				tasks, err := m.AddTasks(ctx, projectID, drafts)
				if err != nil {
					return err
				}
				return printJSONOrTable(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&toolRecs, "tool-recommendations", "", "suggested tools")
	cmd.Flags().StringVar(&ruleRecs, "rule-recommendations", "", "rules to respect")
	cmd.Flags().StringVar(&tasksJSON, "tasks-json", "", "batch of tasks as JSON (overrides the per-field flags)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description, status, details, toolRecs, ruleRecs string
	cmd := &cobra.Command{
		Use:   "update <project-id> <task-id>",
		Short: "Update a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts manager.UpdateTaskOptions
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("status") {
				st := domain.TaskStatus(status)
				opts.Status = &st
			}
			if cmd.Flags().Changed("completed-details") {
				opts.CompletedDetails = &details
			}
			if cmd.Flags().Changed("tool-recommendations") {
				opts.ToolRecommendations = &toolRecs
			}
			if cmd.Flags().Changed("rule-recommendations") {
				opts.RuleRecommendations = &ruleRecs
			}
			return withManager(cmd.Context(), func(ctx context.Context, m *manager.Manager, _ *config.Config) error {
				t, err := m.UpdateTask(ctx, args[0], args[1], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&status, "status", "", "new status (not started, in progress, done)")
	cmd.Flags().StringVar(&details, "completed-details", "", "what was accomplished (required when setting done)")
	cmd.Flags().StringVar(&toolRecs, "tool-recommendations", "", "suggested tools")
	cmd.Flags().StringVar(&ruleRecs, "rule-recommendations", "", "rules to respect")
	return cmd
}

func taskStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <project-id> <task-id>",
		Short: "Move a task to in progress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m *manager.Manager, _ *config.Config) error {
				st := domain.StatusInProgress
				t, err := m.UpdateTask(ctx, args[0], args[1], manager.UpdateTaskOptions{Status: &st})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskDoneCmd() *cobra.Command {
	var details string
	cmd := &cobra.Command{
		Use:   "done <project-id> <task-id>",
		Short: "Complete a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if details == "" {
				return fmt.Errorf("--details required")
			}
			return withManager(cmd.Context(), func(ctx context.Context, m *manager.Manager, _ *config.Config) error {
				st := domain.StatusDone
				t, err := m.UpdateTask(ctx, args[0], args[1], manager.UpdateTaskOptions{
					Status:           &st,
					CompletedDetails: &details,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&details, "details", "", "what was accomplished")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <project-id> <task-id>",
		Short: "Approve a done task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m *manager.Manager, _ *config.Config) error {
				res, err := m.ApproveTask(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <project-id> <task-id>",
		Short: "Delete a task that is not done",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m *manager.Manager, _ *config.Config) error {
				return m.DeleteTask(ctx, args[0], args[1])
			})
		},
	}
	return cmd
}

func taskNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next <project-id>",
		Short: "Show the task to work on next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m *manager.Manager, _ *config.Config) error {
				t, err := m.NextTask(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task": t})
				}
				if t == nil {
					fmt.Println("no open tasks")
					return nil
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in taskline.yml next to the store. It covers the store file, server address and credentials, planner provider, journal, and webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Change journal",
		Long:  "The journal records every change: project creation, task updates, approvals, finalization, deletions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := journal.Open(journal.DefaultPath(viper.GetString("workspace")))
			if err != nil {
				return err
			}
			defer j.Close()
			entries, err := j.Recent(cmd.Context(), n)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Seq", "Time", "Op", "Project", "Task"})
			for _, e := range entries {
				tw.AppendRow(table.Row{e.Seq, e.TS, e.Op, e.ProjectID, e.TaskID})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of entries")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			m := manager.New(store.Store{Path: storePath(cfg, workspace)})
			var j *journal.Journal
			if !cfg.Journal.Disabled {
				j, err = journal.Open(journal.DefaultPath(workspace))
				if err != nil {
					return err
				}
				defer j.Close()
				m.Journal = j
			}
			handler, err := server.New(server.Config{
				Manager:  m,
				Journal:  j,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret: cfg.Server.JWTSecret,
					APIKey:    cfg.Server.APIKey,
				},
				Webhooks: cfg.Webhooks,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			if cfg.Server.JWTSecret == "" && cfg.Server.APIKey == "" {
				fmt.Println("auth: open (set server.jwt_secret or server.api_key in taskline.yml to require credentials)")
			}
			fmt.Printf("Serving Taskline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve tools over stdio",
		Long:  "Speaks JSON-RPC on stdin/stdout so agent runtimes can drive projects and tasks as tools.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m *manager.Manager, _ *config.Config) error {
				return toolserver.NewServer(m).Run(ctx)
			})
		},
	}
	return cmd
}

// --- helpers ---

func withManager(ctx context.Context, fn func(context.Context, *manager.Manager, *config.Config) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	m := manager.New(store.Store{Path: storePath(cfg, workspace)})
	if !cfg.Journal.Disabled {
		j, err := journal.Open(journal.DefaultPath(workspace))
		if err != nil {
			return err
		}
		defer j.Close()
		m.Journal = j
	}
	return fn(ctx, m, cfg)
}

func storePath(cfg *config.Config, workspace string) string {
	if file := viper.GetString("file"); file != "" {
		return file
	}
	return cfg.StorePath(workspace)
}

func parseTaskDrafts(raw string) ([]domain.TaskDraft, error) {
	if raw == "" {
		return nil, nil
	}
	var drafts []domain.TaskDraft
	if err := json.Unmarshal([]byte(raw), &drafts); err != nil {
		return nil, fmt.Errorf("invalid tasks JSON: %w", err)
	}
	return drafts, nil
}

func parseTaskPair(pair string) (domain.TaskDraft, error) {
	title, description, ok := strings.Cut(pair, ":")
	if !ok {
		return domain.TaskDraft{}, fmt.Errorf("--task wants \"Title: Description\", got %q", pair)
	}
	return domain.TaskDraft{
		Title:       strings.TrimSpace(title),
		Description: strings.TrimSpace(description),
	}, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
