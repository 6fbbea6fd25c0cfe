package task

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pocketomega/foreman/internal/core"
	"github.com/pocketomega/foreman/internal/eventbus"
	"github.com/pocketomega/foreman/internal/llmgateway"
	"github.com/pocketomega/foreman/internal/plan"
	"github.com/pocketomega/foreman/internal/prompt"
	"github.com/pocketomega/foreman/internal/tool"
	"github.com/pocketomega/foreman/internal/workspace"
)

// Config holds the per-controller knobs read once from the environment at
// startup and shared by every task.
type Config struct {
	MaxStepRetries int           // supervisor retry budget per step
	MaxReplans     int           // architect re-entries per Run
	NodeRetries    int           // LLM node retry budget (same prompt)
	GracePeriod    time.Duration // bound on cancellation drain
	Timeouts       ToolTimeouts
	Experts        []string // board member labels for PEER_REVIEW
	MaxRunTokens   int64    // 0 = no token budget
	MaxRunDuration time.Duration
}

// Controller owns one Task: it runs the node graph for each Run, handles
// HITL suspension and cancellation, and is the only writer of the task's
// state while a Run is active.
type Controller struct {
	task    *Task
	cfg     Config
	gateway *llmgateway.Gateway
	tools   *tool.Registry
	bus     *eventbus.Bus
	prompts *prompt.PromptLoader
	metrics ToolMetrics
	cache   *workspace.ReadCache

	mu       sync.Mutex
	handle   *runHandle // non-nil while a Run is active
	resumeCh chan ResumeInput
	resolve  func(name string) bool // per-run tool resolver, set at RunAgent
}

// runHandle is the per-Run bookkeeping shared between the run goroutine and
// Stop: the cancel func, a done channel, and a once guarding the single
// task_cancelled terminal event.
type runHandle struct {
	cancel     context.CancelFunc
	done       chan struct{}
	cancelOnce sync.Once
}

// NewController wires a Controller around an existing Task record. cache
// may be nil to disable read caching (tests mostly do).
func NewController(t *Task, cfg Config, gw *llmgateway.Gateway, tools *tool.Registry, bus *eventbus.Bus, prompts *prompt.PromptLoader, metrics ToolMetrics, cache *workspace.ReadCache) *Controller {
	return &Controller{
		task:    t,
		cfg:     cfg,
		gateway: gw,
		tools:   tools,
		bus:     bus,
		prompts: prompts,
		metrics: metrics,
		cache:   cache,
	}
}

// Task returns the controller's task record.
func (c *Controller) Task() *Task { return c.task }

// RunAgent begins a new Run for prompt. It rejects the request while a Run
// is active or a HITL gate is pending — the client must resume or stop
// first (spec §8, HITL round-trip).
func (c *Controller) RunAgent(promptText string, modelByRole map[llmgateway.Role]string, enabledTools []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		if c.task.GetStatus() == StatusAwaitingInput {
			return &TaskError{Kind: KindInvalidArguments, Reason: "task_busy", Detail: "task is awaiting a resume decision; answer or stop it before starting a new run"}
		}
		return &TaskError{Kind: KindInvalidArguments, Reason: "task_busy", Detail: "task already has a run in progress"}
	}

	enabledSet := make(map[string]bool, len(enabledTools))
	for _, n := range enabledTools {
		enabledSet[n] = true
	}
	c.resolve = func(name string) bool {
		if _, ok := c.tools.Get(name); !ok {
			return false
		}
		return len(enabledSet) == 0 || enabledSet[name]
	}

	state := &RunState{
		TaskID:               c.task.ID,
		WorkspaceRoot:        c.task.WorkspaceRoot,
		Prompt:               promptText,
		EnabledTools:         enabledTools,
		ModelByRole:          modelByRole,
		StepRetriesRemaining: c.cfg.MaxStepRetries,
		InitialStepRetries:   c.cfg.MaxStepRetries,
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &runHandle{cancel: cancel, done: make(chan struct{})}
	c.handle = h
	c.resumeCh = make(chan ResumeInput)
	c.task.SetStatus(StatusRunning)

	go c.run(ctx, h, state)
	return nil
}

// Resume delivers a client decision to the pending HITL gate. A resume with
// no pending interrupt — including a duplicate after the decision was
// delivered — is rejected with no_pending_interrupt and changes nothing.
func (c *Controller) Resume(in ResumeInput) error {
	c.mu.Lock()
	resumeCh := c.resumeCh
	resolve := c.resolve
	c.mu.Unlock()

	if c.task.GetStatus() != StatusAwaitingInput || c.task.GetPendingInterrupt() == nil {
		return NewTaskError(KindNoPendingInterrupt, "task has no pending interrupt")
	}
	switch in.Decision {
	case DecisionApprove, DecisionReject:
	case DecisionModify:
		if in.ModifiedPlan == nil {
			return NewTaskError(KindPlanInvalid, "modify decision requires a modified_plan")
		}
		// Invalid modifications are rejected here and the gate stays open.
		if err := plan.Validate(in.ModifiedPlan, resolve); err != nil {
			return NewTaskError(KindPlanInvalid, err.Error())
		}
	default:
		return NewTaskError(KindInvalidArguments, fmt.Sprintf("unknown resume decision %q", in.Decision))
	}

	// The run goroutine parks at the gate just after appending the request
	// event, so a client resuming promptly can arrive marginally earlier
	// than the select; the bounded send absorbs that window. A resume whose
	// gate has vanished (cancellation won the race) times out rejected.
	select {
	case resumeCh <- in:
		return nil
	case <-time.After(2 * time.Second):
		return NewTaskError(KindNoPendingInterrupt, "task has no pending interrupt")
	}
}

// Stop requests cooperative cancellation of the active Run. It reports
// whether a cancellation was initiated; a stop on a task that is not
// running or awaiting input is a no-op.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()
	if h == nil {
		return false
	}

	c.task.SetPendingInterrupt(nil)
	c.task.SetStatus(StatusCancelling)
	h.cancel()

	// Bound the drain: if the run goroutine is stuck inside a provider call
	// that ignores its context, abandon it and emit the terminal event from
	// here. cancelOnce keeps the emission single no matter who wins.
	go func() {
		select {
		case <-h.done:
		case <-time.After(c.cfg.GracePeriod):
			log.Printf("[Controller] task %s: grace period elapsed, abandoning in-flight operation", c.task.ID)
			c.finishCancelled(h)
		}
	}()
	return true
}

// Wait blocks until the active Run, if any, has finished — bounded by
// timeout. Used by the Manager to drain a stopped Run before tearing the
// task's event log down.
func (c *Controller) Wait(timeout time.Duration) {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()
	if h == nil {
		return
	}
	select {
	case <-h.done:
	case <-time.After(timeout):
	}
}

// Running reports whether a Run is currently active (including awaiting a
// HITL decision).
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle != nil
}

// ── run loop ──

func (c *Controller) run(ctx context.Context, h *runHandle, state *RunState) {
	defer func() {
		close(h.done)
		c.mu.Lock()
		if c.handle == h {
			c.handle = nil
		}
		c.mu.Unlock()
	}()

	deps := &Deps{
		Gateway:  c.gateway,
		Tools:    c.tools,
		Bus:      c.bus,
		Prompts:  c.prompts,
		Guard:    NewCostGuard(c.cfg.MaxRunTokens, c.cfg.MaxRunDuration),
		Task:     c.task,
		Timeouts: c.cfg.Timeouts,
		Metrics:  c.metrics,
		Cache:    c.cache,
	}

	router := core.NewNode[RunState, routerPrep, routerExec](NewRouterNode(deps), c.cfg.NodeRetries)
	action := core.NewFlow[RunState](router).Run(ctx, state)
	if c.checkCancelled(ctx, h) {
		return
	}

	switch action {
	case core.ActionRouteDirectQA:
		c.runDirect(ctx, h, state, deps)
	case core.ActionRouteComplex:
		c.runPlanned(ctx, h, state, deps, false)
	case core.ActionRoutePeerReview:
		c.runPlanned(ctx, h, state, deps, true)
	default:
		c.finishFailed(ctx, h, state)
	}
}

func (c *Controller) runDirect(ctx context.Context, h *runHandle, state *RunState, deps *Deps) {
	librarian := core.NewNode[RunState, librarianPrep, librarianExec](NewLibrarianNode(deps), c.cfg.NodeRetries)
	action := core.NewFlow[RunState](librarian).Run(ctx, state)
	if c.checkCancelled(ctx, h) {
		return
	}
	if action != core.ActionEnd {
		c.finishFailed(ctx, h, state)
		return
	}
	c.task.SetStatus(StatusCompleted)
}

// runPlanned drives COMPLEX_TASK and PEER_REVIEW: produce a plan (via the
// Architect, or the board pipeline), gate it through HITL approval, execute
// it, and re-enter the Architect with failure context on escalation — at
// most MaxReplans times.
func (c *Controller) runPlanned(ctx context.Context, h *runHandle, state *RunState, deps *Deps, board bool) {
	for {
		if c.failIfOverBudget(ctx, h, state, deps) {
			return
		}

		var gated ResumeInput
		var ok bool
		if board && state.ReplanCount == 0 {
			gated, ok = c.boardPropose(ctx, h, state, deps)
		} else {
			gated, ok = c.architectPropose(ctx, h, state, deps)
		}
		if !ok {
			return // terminal already emitted
		}

		switch gated.Decision {
		case DecisionReject:
			state.FailReason = "plan_rejected"
			state.FailDetail = "the proposed plan was rejected"
			if gated.Feedback != "" {
				state.FailDetail = "the proposed plan was rejected: " + gated.Feedback
			}
			c.finishFailed(ctx, h, state)
			return
		case DecisionModify:
			state.Plan = gated.ModifiedPlan
		}

		state.CurrentStepIndex = 0
		state.StepRetriesRemaining = c.cfg.MaxStepRetries
		state.RevisedInstruction = ""

		if c.failIfOverBudget(ctx, h, state, deps) {
			return
		}

		action := c.execute(ctx, state, deps)
		if c.checkCancelled(ctx, h) {
			return
		}

		switch action {
		case core.ActionEnd:
			c.task.SetStatus(StatusCompleted)
			return
		case core.ActionStepEscalate:
			if state.ReplanCount >= c.cfg.MaxReplans {
				state.FailReason = string(KindPlanUnrecoverable)
				state.FailDetail = fmt.Sprintf("re-plan budget (%d) exhausted; last failure: %s", c.cfg.MaxReplans, lastFailure(state))
				c.finishFailed(ctx, h, state)
				return
			}
			state.ReplanCount++
		default:
			c.finishFailed(ctx, h, state)
			return
		}
	}
}

func lastFailure(state *RunState) string {
	if n := len(state.FailureContext); n > 0 {
		return state.FailureContext[n-1]
	}
	return "(no failure context recorded)"
}

// architectPropose runs the Architect and gates the resulting plan through
// plan_proposal approval. ok=false means a terminal event was emitted.
func (c *Controller) architectPropose(ctx context.Context, h *runHandle, state *RunState, deps *Deps) (ResumeInput, bool) {
	architect := core.NewNode[RunState, architectPrep, architectExec](NewArchitectNode(deps, c.resolve), c.cfg.NodeRetries)
	action := core.NewFlow[RunState](architect).Run(ctx, state)
	if c.checkCancelled(ctx, h) {
		return ResumeInput{}, false
	}
	if action != core.ActionContinue {
		c.finishFailed(ctx, h, state)
		return ResumeInput{}, false
	}
	return c.gate(ctx, h, InterruptPlanApproval, eventbus.EventPlanProposal, planEventPayload{Plan: state.Plan, IsAwaitingApproval: true}, state)
}

// boardPropose runs the PEER_REVIEW front half: board approval, the chair's
// initial plan, sequential expert critiques, and the chair's final
// synthesis, gated through final_plan_approval_request.
func (c *Controller) boardPropose(ctx context.Context, h *runHandle, state *RunState, deps *Deps) (ResumeInput, bool) {
	state.Experts = c.cfg.Experts
	if len(state.Experts) == 0 {
		state.Experts = []string{"feasibility", "risk"}
	}

	if _, ok := c.gateDecide(ctx, h, InterruptBoardApproval, eventbus.EventBoardApprovalRequest, map[string]any{"experts": state.Experts}, state); !ok {
		return ResumeInput{}, false
	}

	chairInitial := core.NewNode[RunState, chairPrep, chairExec](NewBoardChairNode(deps, c.resolve, false), c.cfg.NodeRetries)
	expert := core.NewNode[RunState, expertPrep, expertExec](NewBoardExpertNode(deps), c.cfg.NodeRetries)
	chairFinal := core.NewNode[RunState, chairPrep, chairExec](NewBoardChairNode(deps, c.resolve, true), c.cfg.NodeRetries)

	chairInitial.AddSuccessor(expert, core.ActionContinue)
	expert.AddSuccessor(expert, core.ActionNextExpert)
	expert.AddSuccessor(chairFinal, core.ActionBoardDone)

	action := core.NewFlow[RunState](chairInitial).Run(ctx, state)
	if c.checkCancelled(ctx, h) {
		return ResumeInput{}, false
	}
	if action != core.ActionContinue {
		c.finishFailed(ctx, h, state)
		return ResumeInput{}, false
	}

	return c.gate(ctx, h, InterruptFinalPlanApproval, eventbus.EventFinalPlanApprovalReq, finalPlanPayload{
		Plan:                state.Plan,
		Critiques:           state.Critiques,
		ImplementationNotes: state.ChairNotes,
	}, state)
}

// execute runs the Foreman → Worker → Supervisor loop over the approved
// plan, ending with the Editor on completion. Exits with ActionEnd
// (final_answer emitted), ActionStepEscalate, or ActionFailure.
func (c *Controller) execute(ctx context.Context, state *RunState, deps *Deps) core.Action {
	foreman := core.NewNode[RunState, foremanPrep, foremanExec](NewForemanNode(deps), 0)
	worker := core.NewNode[RunState, workerPrep, workerExec](NewWorkerNode(deps), 0)
	supervisor := core.NewNode[RunState, supervisorPrep, supervisorExec](NewSupervisorNode(deps), c.cfg.NodeRetries)
	editor := core.NewNode[RunState, editorPrep, editorExec](NewEditorNode(deps), c.cfg.NodeRetries)

	foreman.AddSuccessor(worker, core.ActionContinue)
	foreman.AddSuccessor(supervisor, core.ActionStepRetry) // hydration failure: judged, not executed
	worker.AddSuccessor(supervisor, core.ActionContinue)
	supervisor.AddSuccessor(foreman, core.ActionStepSuccess)
	supervisor.AddSuccessor(foreman, core.ActionStepRetry)
	supervisor.AddSuccessor(editor, core.ActionStepComplete)
	// step_escalate and failure have no successor: the flow exits and the
	// controller decides between re-plan and plan_unrecoverable.

	return core.NewFlow[RunState](foreman).Run(ctx, state)
}

// ── HITL gates ──

// gate persists the pending interrupt, emits the approval-request event,
// and parks the run goroutine until a matching resume or cancellation.
// ok=false means the run was cancelled (terminal already emitted).
func (c *Controller) gate(ctx context.Context, h *runHandle, kind InterruptKind, evType eventbus.EventType, payload any, state *RunState) (ResumeInput, bool) {
	c.task.SetPendingInterrupt(&Interrupt{Kind: kind, Payload: eventbus.NewPayload(payload)})
	if _, err := c.bus.Append(state.TaskID, evType, payload); err != nil {
		c.task.SetPendingInterrupt(nil)
		state.FailReason = string(KindStorageError)
		state.FailDetail = err.Error()
		c.finishFailed(ctx, h, state)
		return ResumeInput{}, false
	}

	select {
	case in := <-c.resumeCh:
		c.task.SetPendingInterrupt(nil)
		c.task.SetStatus(StatusRunning)
		return in, true
	case <-ctx.Done():
		c.task.SetPendingInterrupt(nil)
		c.finishCancelled(h)
		return ResumeInput{}, false
	}
}

// gateDecide is gate for yes/no gates where a modify decision makes no
// sense (board approval): reject terminates the run like a plan rejection.
func (c *Controller) gateDecide(ctx context.Context, h *runHandle, kind InterruptKind, evType eventbus.EventType, payload any, state *RunState) (ResumeInput, bool) {
	in, ok := c.gate(ctx, h, kind, evType, payload, state)
	if !ok {
		return in, false
	}
	if in.Decision != DecisionApprove {
		state.FailReason = "plan_rejected"
		state.FailDetail = "the board proposal was rejected"
		if in.Feedback != "" {
			state.FailDetail = "the board proposal was rejected: " + in.Feedback
		}
		c.finishFailed(ctx, h, state)
		return in, false
	}
	return in, true
}

// failIfOverBudget enforces the Run's token and wall-clock budgets at a
// phase boundary, failing the Run with budget_exceeded when either is
// exhausted. Reports whether a terminal was emitted.
func (c *Controller) failIfOverBudget(ctx context.Context, h *runHandle, state *RunState, deps *Deps) bool {
	if deps.Guard == nil {
		return false
	}
	if err := deps.Guard.Check(); err != nil {
		state.FailReason = string(KindBudgetExceeded)
		state.FailDetail = err.Error()
		c.finishFailed(ctx, h, state)
		return true
	}
	return false
}

// ── terminal transitions ──

// checkCancelled observes the cancellation signal at a node boundary; when
// set, it emits the single task_cancelled terminal and reports true.
func (c *Controller) checkCancelled(ctx context.Context, h *runHandle) bool {
	if ctx.Err() == nil {
		return false
	}
	c.finishCancelled(h)
	return true
}

func (c *Controller) finishCancelled(h *runHandle) {
	h.cancelOnce.Do(func() {
		if _, err := c.bus.Append(c.task.ID, eventbus.EventTaskCancelled, map[string]any{}); err != nil {
			log.Printf("[Controller] task %s: persist task_cancelled: %v", c.task.ID, err)
		}
		c.task.SetPendingInterrupt(nil)
		c.task.SetStatus(StatusIdle)
	})
}

func (c *Controller) finishFailed(ctx context.Context, h *runHandle, state *RunState) {
	if ctx.Err() != nil {
		// A failure observed after cancellation is the cancellation.
		c.finishCancelled(h)
		return
	}
	reason := state.FailReason
	if reason == "" {
		reason = string(KindBug)
	}
	detail := state.FailDetail
	if detail == "" {
		detail = "the run failed without recording a detail"
	}
	if _, err := c.bus.Append(state.TaskID, eventbus.EventFailed, eventbus.FailedPayload{Reason: reason, Detail: detail}); err != nil {
		log.Printf("[Controller] task %s: persist failed event: %v", state.TaskID, err)
	}
	c.task.SetStatus(StatusFailed)
}
