// Package task is the Task Controller (spec §4.4): the node graph, the
// per-Run state, and the imperative phase-level state machine that drives
// the graph through Router, Architect/Board, HITL gates, the Foreman/
// Worker/Supervisor execute loop, and the Editor. Grounded on the teacher's
// AgentState + Flow-based ReAct loop (internal/agent), generalized from one
// 3-node loop running once per HTTP request into a graph with HITL
// suspension points that must survive a process restart.
package task

import (
	"encoding/json"
	"sync"

	"github.com/pocketomega/foreman/internal/llmgateway"
	"github.com/pocketomega/foreman/internal/plan"
)

// Status is a Task's lifecycle state, per spec §3.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusRunning        Status = "running"
	StatusAwaitingInput  Status = "awaiting_input"
	StatusCancelling     Status = "cancelling"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// InterruptKind names the three HITL gates the node graph can suspend at.
type InterruptKind string

const (
	InterruptPlanApproval      InterruptKind = "plan_approval"
	InterruptBoardApproval     InterruptKind = "board_approval"
	InterruptFinalPlanApproval InterruptKind = "final_plan_approval"
)

// Interrupt is the persisted pending-approval gate state, rehydrated on
// resume or on process restart — "HITL as suspended state, not blocking
// thread" per §9.
type Interrupt struct {
	Kind    InterruptKind   `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ResumeDecision is the client's answer to a pending Interrupt.
type ResumeDecision string

const (
	DecisionApprove ResumeDecision = "approve"
	DecisionReject  ResumeDecision = "reject"
	DecisionModify  ResumeDecision = "modify"
)

// ResumeInput is the body of a client `resume` message (spec §6).
type ResumeInput struct {
	Decision     ResumeDecision `json:"decision"`
	ModifiedPlan *plan.Plan     `json:"modified_plan,omitempty"`
	Feedback     string         `json:"feedback,omitempty"`
}

// Task is the long-lived record for one conversation thread: stable id,
// current status, and aggregated token totals. Mutated only by its owning
// TaskController while a Run is active; read concurrently by the gateway
// layer for snapshots, hence the mutex.
type Task struct {
	mu sync.Mutex

	ID            string
	Name          string
	WorkspaceRoot string
	Status        Status
	PendingInterrupt *Interrupt
	TokenTotals   map[llmgateway.Role]llmgateway.Usage
}

// NewTask creates an idle Task record for id rooted at workspaceRoot.
func NewTask(id, name, workspaceRoot string) *Task {
	return &Task{
		ID:            id,
		Name:          name,
		WorkspaceRoot: workspaceRoot,
		Status:        StatusIdle,
		TokenTotals:   make(map[llmgateway.Role]llmgateway.Usage),
	}
}

// SetStatus updates the task's status under lock.
func (t *Task) SetStatus(s Status) {
	t.mu.Lock()
	t.Status = s
	t.mu.Unlock()
}

func (t *Task) GetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}

// SetPendingInterrupt persists in, flipping the task to awaiting_input; pass
// nil to clear it (e.g. on resume or cancellation).
func (t *Task) SetPendingInterrupt(in *Interrupt) {
	t.mu.Lock()
	t.PendingInterrupt = in
	if in != nil {
		t.Status = StatusAwaitingInput
	}
	t.mu.Unlock()
}

func (t *Task) GetPendingInterrupt() *Interrupt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.PendingInterrupt
}

// RecordUsage aggregates usage into the task's per-role totals.
func (t *Task) RecordUsage(role llmgateway.Role, usage llmgateway.Usage) {
	t.mu.Lock()
	cur := t.TokenTotals[role]
	cur.Input += usage.Input
	cur.Output += usage.Output
	cur.Total += usage.Total
	t.TokenTotals[role] = cur
	t.mu.Unlock()
}

func (t *Task) TokenTotalsSnapshot() map[llmgateway.Role]llmgateway.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[llmgateway.Role]llmgateway.Usage, len(t.TokenTotals))
	for k, v := range t.TokenTotals {
		out[k] = v
	}
	return out
}

// StepRecord is one Worker invocation, kept for loop detection across the
// whole Run (generalized from the teacher's per-ReAct-step StepHistory).
type StepRecord struct {
	StepID   int
	ToolName string
	Input    string
	Output   string
	IsError  bool
}

// RunState is the shared, single-goroutine state threaded through every
// node in one Run — the generalization of the teacher's AgentState from a
// single ReAct loop to the full §4.4 graph. Not goroutine-safe by design:
// exactly one TaskController goroutine owns a RunState at a time, mirroring
// the teacher's own "NOT goroutine-safe" contract on AgentState.
type RunState struct {
	TaskID        string
	WorkspaceRoot string
	Prompt        string
	EnabledTools  []string // nil = all registered tools allowed
	ModelByRole   map[llmgateway.Role]string

	Route string // DIRECT_QA | COMPLEX_TASK | PEER_REVIEW

	Plan                 *plan.Plan
	CurrentStepIndex     int // index into Plan.Steps, 0-based
	StepRetriesRemaining int
	InitialStepRetries   int // refill value when advancing to the next step
	ReplanCount          int
	FailureContext       []string // accumulated across re-plans

	// Per-step scratch, written by Foreman/Worker and read by Supervisor.
	HydratedToolName string
	HydratedInput    any
	LastToolOutput   string
	LastToolError    string
	LastForemanError *TaskError

	Experts       []string // board member labels, for PEER_REVIEW
	ExpertIndex   int
	Critiques     []string
	ChairNotes    string

	WorkerHistory []StepRecord

	RevisedInstruction string // set by Supervisor on retry, read by Foreman

	DirectAnswer string
	FinalAnswer  string

	FailReason string
	FailDetail string
}

// ToolAllowed reports whether name may be invoked in this Run: the "None"
// sentinel always passes, and a nil EnabledTools list means the whole
// catalog is permitted.
func (s *RunState) ToolAllowed(name string) bool {
	if name == plan.NoneTool || len(s.EnabledTools) == 0 {
		return true
	}
	for _, t := range s.EnabledTools {
		if t == name {
			return true
		}
	}
	return false
}
