// Package eventbus is the per-task append-only log of typed events plus
// live fan-out to subscribers (spec §4.5). Grounded on the teacher's
// session.Store (sync.RWMutex-protected map + per-entry slice, TTL cleanup)
// generalized from ephemeral chat history into a durable, replayable,
// strictly-ordered event stream.
package eventbus

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of event kinds emitted by a Task Controller,
// per spec §6.
type EventType string

const (
	EventRouterDecision          EventType = "router_decision"
	EventDirectAnswer            EventType = "direct_answer"
	EventArchitectPlanGenerated  EventType = "architect_plan_generated"
	EventPlanProposal            EventType = "plan_proposal"
	EventFinalPlanApprovalReq    EventType = "final_plan_approval_request"
	EventBoardApprovalRequest    EventType = "board_approval_request"
	EventChairPlanGenerated      EventType = "chair_plan_generated"
	EventExpertCritiqueGenerated EventType = "expert_critique_generated"
	EventForemanStepPrepared     EventType = "foreman_step_prepared"
	EventWorkerStepExecuted      EventType = "worker_step_executed"
	EventSupervisorStepEvaluated EventType = "supervisor_step_evaluated"
	EventEditorReportGenerated   EventType = "editor_report_generated"
	EventFinalAnswer             EventType = "final_answer"
	EventTokenUsage              EventType = "token_usage"
	EventTaskCancelled           EventType = "task_cancelled"
	EventFailed                  EventType = "failed"
)

// terminalEvents are the only event types allowed to be the last event of a
// Run, per §3's invariant.
var terminalEvents = map[EventType]bool{
	EventDirectAnswer:  true,
	EventFinalAnswer:   true,
	EventFailed:        true,
	EventTaskCancelled: true,
}

// IsTerminal reports whether t ends a Run.
func IsTerminal(t EventType) bool { return terminalEvents[t] }

// Event is one persisted, replayable record.
type Event struct {
	Type      EventType       `json:"type"`
	TaskID    string          `json:"task_id"`
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewPayload marshals v for use as an Event's Payload. Callers build typed
// payload structs (RouterDecisionPayload, FailedPayload, ...) and pass them
// here before calling Bus.Append.
func NewPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Marshaling a payload struct built from our own types should never
		// fail; surface the failure visibly rather than silently drop data.
		raw, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return raw
}

// Common payload shapes referenced directly by §6. Nodes may also define
// their own ad hoc payload structs (e.g. for plan/critique bodies) and pass
// them to NewPayload — the bus does not constrain payload shape beyond
// requiring it be JSON.

type RouterDecisionPayload struct {
	Route string `json:"route"`
}

type DirectAnswerPayload struct {
	Text string `json:"text"`
}

type TokenUsagePayload struct {
	Role    string `json:"role"`
	ModelID string `json:"model_id"`
	Input   int    `json:"input"`
	Output  int    `json:"output"`
	Total   int    `json:"total"`
}

type FailedPayload struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

type FinalAnswerPayload struct {
	Text string `json:"text"`
}
