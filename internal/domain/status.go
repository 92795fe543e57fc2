package domain

import "strings"

// TaskStatus is the stored task progress value.
type TaskStatus string

const (
	StatusNotStarted TaskStatus = "not started"
	StatusInProgress TaskStatus = "in progress"
	StatusDone       TaskStatus = "done"
)

// EntityState is the derived bucket used by listing filters. It is computed
// on read and never stored.
type EntityState string

const (
	StateOpen            EntityState = "open"
	StatePendingApproval EntityState = "pending_approval"
	StateCompleted       EntityState = "completed"

	// StateAll is a filter alias that matches every bucket, same as unset.
	StateAll EntityState = "all"
)

// statusTransitions is the allowed status graph. Requesting the current
// status again is a no-op handled by the caller, not a transition.
var statusTransitions = map[TaskStatus][]TaskStatus{
	StatusNotStarted: {StatusInProgress},
	StatusInProgress: {StatusDone, StatusNotStarted},
	StatusDone:       {StatusInProgress},
}

// ValidStatus reports whether s is one of the three stored statuses.
func ValidStatus(s TaskStatus) bool {
	_, ok := statusTransitions[s]
	return ok
}

// ValidState reports whether s names a listing bucket.
func ValidState(s EntityState) bool {
	switch s {
	case StateOpen, StatePendingApproval, StateCompleted:
		return true
	default:
		return false
	}
}

// AllowedTransitions returns the statuses reachable from s.
func AllowedTransitions(s TaskStatus) []TaskStatus {
	out := make([]TaskStatus, len(statusTransitions[s]))
	copy(out, statusTransitions[s])
	return out
}

// ValidateTransition checks a requested status change against the transition
// table. Callers handle from == to before calling.
func ValidateTransition(from, to TaskStatus) error {
	allowed := statusTransitions[from]
	if !ValidStatus(to) {
		return NewError(CodeInvalidTransition, "unknown task status %q", to).
			WithDetail("allowed", statusStrings(allowed))
	}
	for _, next := range allowed {
		if next == to {
			return nil
		}
	}
	return NewError(CodeInvalidTransition, "invalid task status transition %s -> %s (allowed: %s)",
		from, to, strings.Join(statusStrings(allowed), ", ")).
		WithDetail("allowed", statusStrings(allowed))
}

func statusStrings(statuses []TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
