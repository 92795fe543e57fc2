package domain

type Task struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	Description         string     `json:"description"`
	Status              TaskStatus `json:"status"`
	Approved            bool       `json:"approved"`
	CompletedDetails    string     `json:"completed_details"`
	ToolRecommendations string     `json:"tool_recommendations,omitempty"`
	RuleRecommendations string     `json:"rule_recommendations,omitempty"`
}

type Project struct {
	ID            string `json:"id"`
	InitialPrompt string `json:"initial_prompt"`
	ProjectPlan   string `json:"project_plan"`
	Completed     bool   `json:"completed"`
	AutoApprove   bool   `json:"auto_approve,omitempty"`
	Tasks         []Task `json:"tasks"`
}

// TaskDraft is the creation payload for a task, before an ID is allocated.
type TaskDraft struct {
	Title               string `json:"title"`
	Description         string `json:"description"`
	ToolRecommendations string `json:"tool_recommendations,omitempty"`
	RuleRecommendations string `json:"rule_recommendations,omitempty"`
}

// State returns the derived review bucket for the task.
func (t Task) State() EntityState {
	switch {
	case t.Status == StatusDone && t.Approved:
		return StateCompleted
	case t.Status == StatusDone:
		return StatePendingApproval
	default:
		return StateOpen
	}
}

// Clone returns a copy whose task slice does not alias the original.
func (p Project) Clone() Project {
	out := p
	out.Tasks = make([]Task, len(p.Tasks))
	copy(out.Tasks, p.Tasks)
	return out
}

// MatchesState reports whether the project belongs to a listing bucket.
// The completed bucket is the project-level flag; the other buckets hold
// any project with at least one task in that per-task bucket.
func (p Project) MatchesState(s EntityState) bool {
	if s == StateCompleted {
		return p.Completed
	}
	for _, t := range p.Tasks {
		if t.State() == s {
			return true
		}
	}
	return false
}

// TaskCounts returns total, done, and approved tallies for progress displays.
func (p Project) TaskCounts() (total, done, approved int) {
	for _, t := range p.Tasks {
		if t.Status == StatusDone {
			done++
		}
		if t.Approved {
			approved++
		}
	}
	return len(p.Tasks), done, approved
}
