package task

import "fmt"

// ErrKind is the closed error taxonomy from spec §7 — a sentinel-string
// "kind", not a distinct Go type per kind, so every layer can carry and
// compare kinds uniformly.
type ErrKind string

const (
	KindInvalidArguments     ErrKind = "invalid_arguments"
	KindPathEscape           ErrKind = "path_escape"
	KindPlanInvalid          ErrKind = "plan_invalid"
	KindNoPendingInterrupt   ErrKind = "no_pending_interrupt"
	KindToolFailed           ErrKind = "tool_failed"
	KindToolTimeout          ErrKind = "tool_timeout"
	KindSandboxViolation     ErrKind = "sandbox_violation"
	KindLLMUnavailable       ErrKind = "llm_unavailable"
	KindLLMParseError        ErrKind = "llm_parse_error"
	KindPlaceholderUnresolved ErrKind = "placeholder_unresolved"
	KindPlanUnrecoverable    ErrKind = "plan_unrecoverable"
	KindBudgetExceeded       ErrKind = "budget_exceeded"
	KindTaskCancelled        ErrKind = "task_cancelled"
	KindTaskNotFound         ErrKind = "task_not_found"
	KindStorageError         ErrKind = "storage_error"
	KindBug                  ErrKind = "bug"
)

// TaskError is the uniform shape for every terminal or surfaced engine
// failure: a Kind for programmatic dispatch, a short Reason tag mirrored
// into the failed event, and a human-readable Detail.
type TaskError struct {
	Kind   ErrKind
	Reason string
	Detail string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// NewTaskError builds a TaskError, defaulting Reason to the Kind string
// when the caller has nothing more specific to say.
func NewTaskError(kind ErrKind, detail string) *TaskError {
	return &TaskError{Kind: kind, Reason: string(kind), Detail: detail}
}
