// Package planner turns a natural-language prompt into a project draft by
// calling an LLM provider. Providers return a single JSON object; the parser
// tolerates markdown code fences and rejects drafts that could not seed a
// valid project.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"taskline/internal/domain"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Request describes one plan-generation call. Model is optional; each
// provider falls back to its default. Attachments are appended to the prompt
// as extra context blocks.
type Request struct {
	Prompt      string
	Model       string
	Attachments []string
}

// Draft is the payload a provider hands back: the plan text and the tasks to
// seed the project with, in execution order.
type Draft struct {
	ProjectPlan string             `json:"project_plan"`
	Tasks       []domain.TaskDraft `json:"tasks"`
}

// Generator produces a project draft from a prompt.
type Generator interface {
	GeneratePlan(ctx context.Context, req Request) (*Draft, error)
}

// New selects a provider by name. The empty string picks anthropic. API keys
// come from ANTHROPIC_API_KEY / OPENAI_API_KEY.
func New(provider string) (Generator, error) {
	switch provider {
	case "", ProviderAnthropic:
		return NewAnthropicClient(os.Getenv("ANTHROPIC_API_KEY")), nil
	case ProviderOpenAI:
		return NewOpenAIClient(os.Getenv("OPENAI_API_KEY")), nil
	default:
		return nil, domain.NewError(domain.CodePlannerInvalidProvider,
			"unknown planner provider %q (want %s or %s)", provider, ProviderAnthropic, ProviderOpenAI)
	}
}

const plannerSystemPrompt = `You turn a software request into an ordered task list.
Respond with a single JSON object and nothing else:
{"project_plan": "...", "tasks": [{"title": "...", "description": "...", "tool_recommendations": "...", "rule_recommendations": "..."}]}
Each task needs a title and a description. tool_recommendations and
rule_recommendations are optional. Order tasks so they can be executed top to bottom.`

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(req.Prompt)
	for i, att := range req.Attachments {
		fmt.Fprintf(&b, "\n\n--- attachment %d ---\n%s", i+1, att)
	}
	return b.String()
}

// parseDraft extracts the draft JSON from model output, handling markdown
// code fences.
func parseDraft(text string) (*Draft, error) {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		// Remove opening fence (with optional language tag)
		if idx := strings.Index(cleaned, "\n"); idx >= 0 {
			cleaned = cleaned[idx+1:]
		}
		// Remove closing fence
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}

	var draft Draft
	if err := json.Unmarshal([]byte(cleaned), &draft); err != nil {
		return nil, domain.WrapError(domain.CodePlannerMalformedOutput, err, "model output is not draft JSON")
	}
	if len(draft.Tasks) == 0 {
		return nil, domain.NewError(domain.CodePlannerMalformedOutput, "model output contains no tasks")
	}
	for i, t := range draft.Tasks {
		if strings.TrimSpace(t.Title) == "" || strings.TrimSpace(t.Description) == "" {
			return nil, domain.NewError(domain.CodePlannerMalformedOutput,
				"model output task %d is missing a title or description", i+1)
		}
	}
	return &draft, nil
}
