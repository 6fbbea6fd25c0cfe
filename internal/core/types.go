package core

// Action represents the result of a node execution that determines flow control.
type Action string

// Common actions used throughout the framework.
const (
	ActionContinue Action = "continue"
	ActionEnd      Action = "end"
	ActionSuccess  Action = "success"
	ActionFailure  Action = "failure"
	ActionDefault  Action = "default"

	// Router classification actions.
	ActionRouteDirectQA    Action = "route_direct_qa"
	ActionRouteComplex     Action = "route_complex"
	ActionRoutePeerReview  Action = "route_peer_review"

	// HITL gate actions.
	ActionApproved Action = "approved"
	ActionRejected Action = "rejected"

	// Supervisor routing actions.
	ActionStepSuccess  Action = "step_success"
	ActionStepRetry    Action = "step_retry"
	ActionStepEscalate Action = "step_escalate"
	ActionStepComplete Action = "step_complete"

	// Re-plan loop.
	ActionReplan Action = "replan"

	// Board-of-experts pipeline.
	ActionNextExpert Action = "next_expert"
	ActionBoardDone  Action = "board_done"

	// Worker tool-call routing.
	ActionTool Action = "tool"
)
