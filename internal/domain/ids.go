package domain

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	projectIDPrefix = "proj-"
	taskIDPrefix    = "task-"
)

// ProjectID formats the identifier for project number n.
func ProjectID(n int) string { return fmt.Sprintf("proj-%d", n) }

// TaskID formats the identifier for task number n.
func TaskID(n int) string { return fmt.Sprintf("task-%d", n) }

// ProjectIDNumber parses the numeric suffix of a project identifier.
func ProjectIDNumber(id string) (int, bool) { return idNumber(id, projectIDPrefix) }

// TaskIDNumber parses the numeric suffix of a task identifier.
func TaskIDNumber(id string) (int, bool) { return idNumber(id, taskIDPrefix) }

// ValidateProjectID rejects identifiers that do not match proj-<n>.
func ValidateProjectID(id string) error {
	if _, ok := ProjectIDNumber(id); !ok {
		return NewError(CodeInvalidIdentifier, "invalid project id %q (want proj-<n>)", id)
	}
	return nil
}

// ValidateTaskID rejects identifiers that do not match task-<n>.
func ValidateTaskID(id string) error {
	if _, ok := TaskIDNumber(id); !ok {
		return NewError(CodeInvalidIdentifier, "invalid task id %q (want task-<n>)", id)
	}
	return nil
}

func idNumber(id, prefix string) (int, bool) {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || rest == "" {
		return 0, false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
