package domain

import (
	"errors"
	"fmt"
)

// Code identifies a failure class. Codes are stable so callers match on them
// instead of parsing messages.
type Code string

const (
	CodeProjectNotFound   Code = "project_not_found"
	CodeTaskNotFound      Code = "task_not_found"
	CodeInvalidIdentifier Code = "invalid_identifier"
	CodeInvalidTransition Code = "invalid_transition"

	CodeInvalidArgument  Code = "invalid_argument"
	CodeDetailsRequired  Code = "completed_details_required"
	CodeTaskNotDone      Code = "task_not_done"
	CodeTaskApproved     Code = "task_approved"
	CodeTaskDone         Code = "task_done"
	CodeProjectCompleted Code = "project_completed"
	CodeTasksNotDone     Code = "tasks_not_done"
	CodeTasksNotApproved Code = "tasks_not_approved"
	CodeProjectEmpty     Code = "project_empty"

	CodePlannerInvalidProvider Code = "planner_invalid_provider"
	CodePlannerMalformedOutput Code = "planner_malformed_output"
	CodePlannerAuth            Code = "planner_auth"
	CodePlannerRateLimited     Code = "planner_rate_limited"
	CodePlannerUpstream        Code = "planner_upstream"

	CodeStorageFailure Code = "storage_failure"
)

// Error is a structured operation failure: a stable code, a human-readable
// message, and optional details for programmatic callers.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds an Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error that keeps err reachable through errors.Is/As.
func WrapError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithDetail attaches a structured detail and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// ErrorCode extracts the code from err, or "" when err carries none.
func ErrorCode(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool { return ErrorCode(err) == code }
