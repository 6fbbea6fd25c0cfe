package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pocketomega/foreman/internal/core"
	"github.com/pocketomega/foreman/internal/eventbus"
	"github.com/pocketomega/foreman/internal/llmgateway"
	"github.com/pocketomega/foreman/internal/plan"
	"github.com/pocketomega/foreman/internal/tool"
	"github.com/pocketomega/foreman/internal/workspace"
)

// Each node below is a tagged variant implementing core.BaseNode[RunState,
// PrepX, ExecX] for its own Prep/Exec result types, per §9's "Graph dispatch
// vs. inheritance" note — one execute-shaped operation per variant, no
// polymorphic node hierarchy. core.NewNode wraps each in retry + successor
// routing; the TaskController wires successors into the §4.4 graph.

// ── Router ──

type routerPrep struct {
	system, user, modelID string
}

type routerExec struct {
	route   string
	usage   llmgateway.Usage
	modelID string
	fail    *TaskError
}

// classifyNodeError maps a node-level LLM failure onto the §7 taxonomy so
// the failed event carries the precise kind, not a catch-all.
func classifyNodeError(err error) *TaskError {
	var pe *llmgateway.ErrParseError
	if errors.As(err, &pe) {
		return NewTaskError(KindLLMParseError, err.Error())
	}
	var pv *plan.ErrPlanInvalid
	if errors.As(err, &pv) {
		return NewTaskError(KindPlanInvalid, err.Error())
	}
	return NewTaskError(KindLLMUnavailable, err.Error())
}

type RouterNode struct {
	deps *Deps
}

func NewRouterNode(deps *Deps) *RouterNode { return &RouterNode{deps: deps} }

func (n *RouterNode) Prep(state *RunState) []routerPrep {
	system := n.deps.Prompts.Load("router.md")
	return []routerPrep{{system: system, user: state.Prompt, modelID: state.ModelByRole[llmgateway.RoleRouter]}}
}

func (n *RouterNode) Exec(ctx context.Context, p routerPrep) (routerExec, error) {
	var out struct {
		Route string `json:"route"`
	}
	usage, err := callStructured(ctx, n.deps.Gateway, llmgateway.RoleRouter, p.modelID, p.system, p.user, &out)
	if err != nil {
		return routerExec{}, err
	}
	route := out.Route
	if route != "DIRECT_QA" && route != "COMPLEX_TASK" && route != "PEER_REVIEW" {
		route = "DIRECT_QA" // ties default to DIRECT_QA per §4.4
	}
	return routerExec{route: route, usage: usage, modelID: p.modelID}, nil
}

func (n *RouterNode) ExecFallback(err error) routerExec {
	return routerExec{fail: classifyNodeError(err)}
}

func (n *RouterNode) Post(state *RunState, prepRes []routerPrep, execResults ...routerExec) core.Action {
	r := execResults[0]
	if r.fail != nil {
		state.FailReason = string(r.fail.Kind)
		state.FailDetail = "router failed to classify the prompt: " + r.fail.Detail
		return core.ActionFailure
	}
	state.Route = r.route
	n.deps.emit(state.TaskID, eventbus.EventRouterDecision, eventbus.RouterDecisionPayload{Route: r.route})
	n.deps.recordUsage(llmgateway.RoleRouter, r.modelID, r.usage, state.TaskID)
	switch r.route {
	case "COMPLEX_TASK":
		return core.ActionRouteComplex
	case "PEER_REVIEW":
		return core.ActionRoutePeerReview
	default:
		return core.ActionRouteDirectQA
	}
}

// ── Librarian (terminal for DIRECT_QA) ──

type librarianPrep struct {
	system, user, modelID string
}

type librarianExec struct {
	text    string
	usage   llmgateway.Usage
	modelID string
	failed  bool
}

type LibrarianNode struct {
	deps *Deps
}

func NewLibrarianNode(deps *Deps) *LibrarianNode { return &LibrarianNode{deps: deps} }

func (n *LibrarianNode) Prep(state *RunState) []librarianPrep {
	return []librarianPrep{{
		system:  n.deps.Prompts.Load("librarian.md"),
		user:    state.Prompt,
		modelID: state.ModelByRole[llmgateway.RoleLibrarian],
	}}
}

func (n *LibrarianNode) Exec(ctx context.Context, p librarianPrep) (librarianExec, error) {
	res, err := callLLM(ctx, n.deps.Gateway, llmgateway.RoleLibrarian, p.modelID, p.system, p.user)
	if err != nil {
		return librarianExec{}, err
	}
	return librarianExec{text: res.Text, usage: res.Usage, modelID: p.modelID}, nil
}

func (n *LibrarianNode) ExecFallback(err error) librarianExec {
	return librarianExec{failed: true}
}

func (n *LibrarianNode) Post(state *RunState, prepRes []librarianPrep, execResults ...librarianExec) core.Action {
	r := execResults[0]
	if r.failed {
		state.FailReason = string(KindLLMUnavailable)
		state.FailDetail = "librarian failed to answer the prompt"
		return core.ActionFailure
	}
	n.deps.recordUsage(llmgateway.RoleLibrarian, r.modelID, r.usage, state.TaskID)
	state.DirectAnswer = r.text
	n.deps.emit(state.TaskID, eventbus.EventDirectAnswer, eventbus.DirectAnswerPayload{Text: r.text})
	return core.ActionEnd
}

// ── Architect ──

type architectPrep struct {
	system, user, modelID string
}

type architectExec struct {
	plan    *plan.Plan
	usage   llmgateway.Usage
	modelID string
	fail    *TaskError
}

// ArchitectNode drafts (or revises) the execution plan. resolveTool reports
// whether a tool name is registered, used to validate the Architect's own
// output before it ever reaches a HITL gate.
type ArchitectNode struct {
	deps        *Deps
	resolveTool func(name string) bool
}

func NewArchitectNode(deps *Deps, resolveTool func(name string) bool) *ArchitectNode {
	return &ArchitectNode{deps: deps, resolveTool: resolveTool}
}

func (n *ArchitectNode) Prep(state *RunState) []architectPrep {
	user := state.Prompt
	if len(state.FailureContext) > 0 {
		user += "\n\nPrior attempts failed. Context:\n"
		for _, fc := range state.FailureContext {
			user += "- " + fc + "\n"
		}
	}
	return []architectPrep{{
		system:  n.deps.Prompts.Load("architect.md"),
		user:    user,
		modelID: state.ModelByRole[llmgateway.RoleArchitect],
	}}
}

func (n *ArchitectNode) Exec(ctx context.Context, p architectPrep) (architectExec, error) {
	var out plan.Plan
	usage, err := callStructured(ctx, n.deps.Gateway, llmgateway.RoleArchitect, p.modelID, p.system, p.user, &out)
	if err != nil {
		return architectExec{}, err
	}
	if verr := plan.Validate(&out, n.resolveTool); verr != nil {
		return architectExec{}, verr
	}
	return architectExec{plan: &out, usage: usage, modelID: p.modelID}, nil
}

func (n *ArchitectNode) ExecFallback(err error) architectExec {
	return architectExec{fail: classifyNodeError(err)}
}

func (n *ArchitectNode) Post(state *RunState, prepRes []architectPrep, execResults ...architectExec) core.Action {
	r := execResults[0]
	if r.fail != nil {
		state.FailReason = string(r.fail.Kind)
		state.FailDetail = "architect failed to produce a valid plan: " + r.fail.Detail
		return core.ActionFailure
	}
	n.deps.recordUsage(llmgateway.RoleArchitect, r.modelID, r.usage, state.TaskID)
	state.Plan = r.plan
	state.CurrentStepIndex = 0
	n.deps.emit(state.TaskID, eventbus.EventArchitectPlanGenerated, planEventPayload{Plan: r.plan, IsAwaitingApproval: true})
	return core.ActionContinue
}

type planEventPayload struct {
	Plan               *plan.Plan `json:"plan"`
	IsAwaitingApproval bool       `json:"is_awaiting_approval"`
}

// ── Foreman ──
//
// Pure templating, no LLM call: the FOREMAN role exists in the closed role
// set for attribution symmetry, but hydration per §4.4 is a deterministic
// substitution, never a reasoning step.

type foremanPrep struct {
	step plan.PlanStep
	pl   *plan.Plan
}

type foremanExec struct {
	toolName      string
	hydratedInput any
	err           *TaskError
}

type ForemanNode struct {
	deps *Deps
}

func NewForemanNode(deps *Deps) *ForemanNode { return &ForemanNode{deps: deps} }

func (n *ForemanNode) Prep(state *RunState) []foremanPrep {
	step := state.Plan.Steps[state.CurrentStepIndex]
	if state.RevisedInstruction != "" {
		step.Instruction = state.RevisedInstruction
	}
	return []foremanPrep{{step: step, pl: state.Plan}}
}

func (n *ForemanNode) Exec(_ context.Context, p foremanPrep) (foremanExec, error) {
	hydrated, err := plan.Hydrate(p.pl, p.step.StepID, p.step.ToolInput)
	if err != nil {
		return foremanExec{err: NewTaskError(KindPlaceholderUnresolved, err.Error())}, nil
	}
	return foremanExec{toolName: p.step.ToolName, hydratedInput: hydrated}, nil
}

func (n *ForemanNode) ExecFallback(err error) foremanExec {
	return foremanExec{err: NewTaskError(KindBug, err.Error())}
}

func (n *ForemanNode) Post(state *RunState, prepRes []foremanPrep, execResults ...foremanExec) core.Action {
	// Per-step budget boundary: stop before the Worker spends tool time or
	// tokens the Run no longer has.
	if n.deps.Guard != nil {
		if err := n.deps.Guard.Check(); err != nil {
			state.FailReason = string(KindBudgetExceeded)
			state.FailDetail = err.Error()
			return core.ActionFailure
		}
	}

	r := execResults[0]
	step := prepRes[0].step
	if r.err != nil {
		state.RevisedInstruction = ""
		n.deps.emit(state.TaskID, eventbus.EventForemanStepPrepared, foremanEventPayload{Step: step, HydratedToolCall: nil, Error: r.err.Detail})
		state.LastForemanError = r.err
		state.LastToolOutput = ""
		state.LastToolError = r.err.Detail
		return core.ActionStepRetry
	}
	state.LastForemanError = nil
	state.HydratedToolName = r.toolName
	state.HydratedInput = r.hydratedInput
	n.deps.emit(state.TaskID, eventbus.EventForemanStepPrepared, foremanEventPayload{Step: step, HydratedToolCall: map[string]any{"tool_name": r.toolName, "tool_input": r.hydratedInput}})
	return core.ActionContinue
}

type foremanEventPayload struct {
	Step             plan.PlanStep `json:"step"`
	HydratedToolCall any           `json:"hydrated_tool_call,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// ── Worker ──

type workerPrep struct {
	toolName      string
	input         any
	stepID        int
	instruction   string
	workspaceRoot string
	modelID       string
	allowed       bool
}

type workerExec struct {
	output  string
	errStr  string
	usage   llmgateway.Usage
	usedLLM bool
	cached  bool
	fatal   *TaskError
}

type WorkerNode struct {
	deps *Deps
}

func NewWorkerNode(deps *Deps) *WorkerNode { return &WorkerNode{deps: deps} }

func (n *WorkerNode) Prep(state *RunState) []workerPrep {
	step := state.Plan.Steps[state.CurrentStepIndex]
	instruction := step.Instruction
	if state.RevisedInstruction != "" {
		instruction = state.RevisedInstruction
	}
	return []workerPrep{{
		toolName:      state.HydratedToolName,
		input:         state.HydratedInput,
		stepID:        step.StepID,
		instruction:   instruction,
		workspaceRoot: state.WorkspaceRoot,
		modelID:       state.ModelByRole[llmgateway.RoleWorker],
		allowed:       state.ToolAllowed(state.HydratedToolName),
	}}
}

func (n *WorkerNode) Exec(ctx context.Context, p workerPrep) (workerExec, error) {
	if p.toolName == plan.NoneTool {
		// LLM-only step: the Worker reasons through the instruction itself.
		user := p.instruction
		if s, ok := p.input.(string); ok && s != "" {
			user += "\n\nContext:\n" + s
		}
		res, err := callLLM(ctx, n.deps.Gateway, llmgateway.RoleWorker, p.modelID, n.deps.Prompts.Load("worker.md"), user)
		if err != nil {
			return workerExec{fatal: NewTaskError(KindLLMUnavailable, err.Error())}, nil
		}
		return workerExec{output: res.Text, usage: res.Usage, usedLLM: true}, nil
	}

	if !p.allowed {
		return workerExec{fatal: NewTaskError(KindToolFailed, fmt.Sprintf("tool %q is not enabled for this run", p.toolName))}, nil
	}
	t, ok := n.deps.Tools.Get(p.toolName)
	if !ok {
		return workerExec{fatal: NewTaskError(KindToolFailed, fmt.Sprintf("tool %q is not registered", p.toolName))}, nil
	}

	args, err := json.Marshal(p.input)
	if err != nil {
		return workerExec{fatal: NewTaskError(KindBug, "marshal hydrated tool input: "+err.Error())}, nil
	}

	// Idempotent read tools are served from the per-task cache, so a plan
	// that reads the same file in two steps pays for it once.
	cacheKey := ""
	if n.deps.Cache != nil && workspace.IsCacheable(p.toolName) {
		cacheKey = workspace.CacheKey(p.toolName, string(args))
		if entry, ok := n.deps.Cache.Get(cacheKey); ok {
			return workerExec{output: entry.Output, cached: true}, nil
		}
	}

	toolCtx := workspace.ContextRoot(ctx, p.workspaceRoot)
	if budget := n.deps.Timeouts.For(t.Scope()); budget > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(toolCtx, budget)
		defer cancel()
	}

	start := time.Now()
	result, err := n.deps.Tools.Invoke(toolCtx, p.toolName, args)
	errKind := ""
	if err != nil {
		te := classifyToolError(err)
		if toolCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			te = NewTaskError(KindToolTimeout, fmt.Sprintf("tool %q exceeded its %s budget", p.toolName, n.deps.Timeouts.For(t.Scope())))
		}
		errKind = string(te.Kind)
		n.recordToolMetric(t, time.Since(start), errKind)
		return workerExec{fatal: te}, nil
	}
	if result.Error != "" {
		errKind = string(KindToolFailed)
	}
	n.recordToolMetric(t, time.Since(start), errKind)

	if n.deps.Cache != nil && result.Error == "" {
		if cacheKey != "" {
			n.deps.Cache.Put(cacheKey, workspace.ReadCacheEntry{StepID: p.stepID, Output: result.Output})
		}
		if workspace.IsWriteTool(p.toolName) {
			for _, dirty := range workspace.InvalidatedPaths(p.toolName, string(args)) {
				n.deps.Cache.Invalidate(workspace.FileReadCacheKey(dirty))
			}
			n.deps.Cache.InvalidateListings()
		}
	}
	return workerExec{output: result.Output, errStr: result.Error}, nil
}

func (n *WorkerNode) recordToolMetric(t tool.Tool, elapsed time.Duration, errKind string) {
	if n.deps.Metrics == nil {
		return
	}
	n.deps.Metrics.RecordToolInvocation(t.Name(), scopeLabel(t.Scope()), elapsed.Seconds(), errKind)
}

func scopeLabel(s tool.Scope) string {
	switch {
	case s.Has(tool.ScopeExecutesCode):
		return "executes_code"
	case s.Has(tool.ScopeWritesWorkspace):
		return "writes_workspace"
	case s.Has(tool.ScopeNetwork):
		return "network"
	default:
		return "reads_workspace"
	}
}

func (n *WorkerNode) ExecFallback(err error) workerExec {
	return workerExec{fatal: NewTaskError(KindToolFailed, err.Error())}
}

func classifyToolError(err error) *TaskError {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "invalid_arguments"):
		return NewTaskError(KindInvalidArguments, msg)
	case strings.HasPrefix(msg, "path_escape"):
		return NewTaskError(KindSandboxViolation, msg)
	}
	return NewTaskError(KindToolFailed, msg)
}

func (n *WorkerNode) Post(state *RunState, prepRes []workerPrep, execResults ...workerExec) core.Action {
	p := prepRes[0]
	r := execResults[0]

	if r.usedLLM {
		n.deps.recordUsage(llmgateway.RoleWorker, p.modelID, r.usage, state.TaskID)
	}

	rec := StepRecord{StepID: p.stepID, ToolName: p.toolName, Input: fmt.Sprintf("%v", p.input)}
	if r.fatal != nil {
		rec.IsError = true
		rec.Output = r.fatal.Detail
		state.WorkerHistory = append(state.WorkerHistory, rec)
		state.LastToolOutput = ""
		state.LastToolError = r.fatal.Detail
		n.deps.emit(state.TaskID, eventbus.EventWorkerStepExecuted, workerEventPayload{
			ToolCall: map[string]any{"tool_name": p.toolName, "tool_input": p.input}, Output: "", Error: r.fatal.Detail,
		})
		return core.ActionContinue
	}

	rec.IsError = r.errStr != ""
	rec.Output = r.output
	if rec.IsError {
		rec.Output = r.errStr
	}
	state.WorkerHistory = append(state.WorkerHistory, rec)
	state.LastToolOutput = r.output
	state.LastToolError = r.errStr
	n.deps.emit(state.TaskID, eventbus.EventWorkerStepExecuted, workerEventPayload{
		ToolCall: map[string]any{"tool_name": p.toolName, "tool_input": p.input}, Output: r.output, Error: r.errStr, Cached: r.cached,
	})
	return core.ActionContinue
}

type workerEventPayload struct {
	ToolCall  any      `json:"tool_call"`
	Output    string   `json:"output"`
	Error     string   `json:"error,omitempty"`
	Cached    bool     `json:"cached,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// ── Supervisor ──

type supervisorPrep struct {
	system, user, modelID string
	step                  plan.PlanStep
	isLastStep            bool
}

type supervisorExec struct {
	outcome            string
	reasoning          string
	revisedInstruction string
	usage              llmgateway.Usage
	modelID            string
	fail               *TaskError
}

type SupervisorNode struct {
	deps *Deps
}

func NewSupervisorNode(deps *Deps) *SupervisorNode { return &SupervisorNode{deps: deps} }

func (n *SupervisorNode) Prep(state *RunState) []supervisorPrep {
	step := state.Plan.Steps[state.CurrentStepIndex]
	loop := DetectLoop(state.WorkerHistory)
	// Step allowance: every plan step may run once plus its retry budget.
	exploration := DetectExploration(state.WorkerHistory, len(state.Plan.Steps)*(1+state.InitialStepRetries))

	user := fmt.Sprintf(
		"Instruction: %s\nExpected outcome: %s\nTool call: %s\nTool output: %s\nTool error: %s",
		step.Instruction, step.ExpectedOutcome, state.HydratedToolName, state.LastToolOutput, state.LastToolError,
	)
	if state.LastForemanError != nil {
		user += "\nHydration error: " + state.LastForemanError.Detail
	}
	if loop.Detected {
		user += fmt.Sprintf("\nRepetition detected (%s): %s — treat this as a failure requiring escalation.", loop.Rule, loop.Description)
	}
	if exploration.Detected {
		user += "\nExploration overrun: " + exploration.Description + " — treat this as a failure requiring escalation."
	}

	isLast := state.CurrentStepIndex == len(state.Plan.Steps)-1
	return []supervisorPrep{{
		system:     n.deps.Prompts.Load("supervisor.md"),
		user:       user,
		modelID:    state.ModelByRole[llmgateway.RoleSupervisor],
		step:       step,
		isLastStep: isLast,
	}}
}

func (n *SupervisorNode) Exec(ctx context.Context, p supervisorPrep) (supervisorExec, error) {
	var out struct {
		Outcome            string `json:"outcome"`
		Reasoning          string `json:"reasoning"`
		RevisedInstruction string `json:"revised_instruction"`
	}
	usage, err := callStructured(ctx, n.deps.Gateway, llmgateway.RoleSupervisor, p.modelID, p.system, p.user, &out)
	if err != nil {
		return supervisorExec{}, err
	}
	return supervisorExec{outcome: out.Outcome, reasoning: out.Reasoning, revisedInstruction: out.RevisedInstruction, usage: usage, modelID: p.modelID}, nil
}

func (n *SupervisorNode) ExecFallback(err error) supervisorExec {
	return supervisorExec{fail: classifyNodeError(err)}
}

func (n *SupervisorNode) Post(state *RunState, prepRes []supervisorPrep, execResults ...supervisorExec) core.Action {
	p := prepRes[0]
	r := execResults[0]

	if r.fail != nil {
		state.FailReason = string(r.fail.Kind)
		state.FailDetail = "supervisor failed to evaluate the step: " + r.fail.Detail
		return core.ActionFailure
	}
	n.deps.recordUsage(llmgateway.RoleSupervisor, r.modelID, r.usage, state.TaskID)

	outcome := r.outcome
	if outcome != "success" && outcome != "retry" && outcome != "escalate" {
		outcome = "retry"
	}
	// Ties between retry and escalate default to retry if retries remain,
	// otherwise escalate, per §4.4.
	if outcome == "retry" && state.StepRetriesRemaining <= 0 {
		outcome = "escalate"
	}

	n.deps.emit(state.TaskID, eventbus.EventSupervisorStepEvaluated, supervisorEventPayload{
		Evaluation: map[string]any{"outcome": outcome, "reasoning": r.reasoning, "revised_instruction": r.revisedInstruction},
	})

	switch outcome {
	case "success":
		_ = state.Plan.SetActualOutput(p.step.StepID, actualOutputFor(state), false)
		state.RevisedInstruction = ""
		state.LastForemanError = nil
		if p.isLastStep {
			return core.ActionStepComplete
		}
		state.CurrentStepIndex++
		state.StepRetriesRemaining = state.InitialStepRetries
		return core.ActionStepSuccess
	case "retry":
		_ = state.Plan.SetActualOutput(p.step.StepID, actualOutputFor(state), true)
		state.StepRetriesRemaining--
		state.RevisedInstruction = r.revisedInstruction
		return core.ActionStepRetry
	default: // escalate
		_ = state.Plan.SetActualOutput(p.step.StepID, actualOutputFor(state), true)
		state.FailureContext = append(state.FailureContext, fmt.Sprintf("step %d (%s) failed: %s", p.step.StepID, p.step.Instruction, r.reasoning))
		return core.ActionStepEscalate
	}
}

type supervisorEventPayload struct {
	Evaluation any `json:"evaluation"`
}

func actualOutputFor(state *RunState) any {
	if state.LastToolError != "" {
		return map[string]string{"error": state.LastToolError}
	}
	return state.LastToolOutput
}

// ── Editor (terminal for plans) ──

type editorPrep struct {
	system, user, modelID string
}

type editorExec struct {
	text    string
	usage   llmgateway.Usage
	modelID string
	failed  bool
}

type EditorNode struct {
	deps *Deps
}

func NewEditorNode(deps *Deps) *EditorNode { return &EditorNode{deps: deps} }

func (n *EditorNode) Prep(state *RunState) []editorPrep {
	user := "Original request: " + state.Prompt + "\n\nStep history:\n"
	for _, s := range state.WorkerHistory {
		status := "ok"
		if s.IsError {
			status = "error"
		}
		user += fmt.Sprintf("- step %d [%s] %s: %s\n", s.StepID, status, s.ToolName, s.Output)
	}
	return []editorPrep{{system: n.deps.Prompts.Load("editor.md"), user: user, modelID: state.ModelByRole[llmgateway.RoleEditor]}}
}

func (n *EditorNode) Exec(ctx context.Context, p editorPrep) (editorExec, error) {
	res, err := callLLM(ctx, n.deps.Gateway, llmgateway.RoleEditor, p.modelID, p.system, p.user)
	if err != nil {
		return editorExec{}, err
	}
	return editorExec{text: res.Text, usage: res.Usage, modelID: p.modelID}, nil
}

func (n *EditorNode) ExecFallback(err error) editorExec {
	return editorExec{failed: true}
}

func (n *EditorNode) Post(state *RunState, prepRes []editorPrep, execResults ...editorExec) core.Action {
	r := execResults[0]
	if r.failed {
		state.FailReason = string(KindLLMUnavailable)
		state.FailDetail = "editor failed to write the final report"
		return core.ActionFailure
	}
	n.deps.recordUsage(llmgateway.RoleEditor, r.modelID, r.usage, state.TaskID)
	state.FinalAnswer = r.text
	n.deps.emit(state.TaskID, eventbus.EventEditorReportGenerated, editorReportPayload{Report: r.text})
	n.deps.emit(state.TaskID, eventbus.EventFinalAnswer, eventbus.FinalAnswerPayload{Text: r.text})
	return core.ActionEnd
}

type editorReportPayload struct {
	Report string `json:"report"`
}

// ── BoardChair ──

type chairPrep struct {
	system, user, modelID string
	final                 bool
}

type chairExec struct {
	plan    *plan.Plan
	notes   string
	usage   llmgateway.Usage
	modelID string
	fail    *TaskError
}

type BoardChairNode struct {
	deps        *Deps
	resolveTool func(name string) bool
	final       bool // false = initial draft, true = post-critique synthesis
}

func NewBoardChairNode(deps *Deps, resolveTool func(name string) bool, final bool) *BoardChairNode {
	return &BoardChairNode{deps: deps, resolveTool: resolveTool, final: final}
}

func (n *BoardChairNode) Prep(state *RunState) []chairPrep {
	user := state.Prompt
	if n.final {
		user += "\n\nDraft plan:\n" + renderPlan(state.Plan) + "\n\nExpert critiques:\n"
		for i, c := range state.Critiques {
			user += fmt.Sprintf("%d. %s\n", i+1, c)
		}
	}
	return []chairPrep{{system: n.deps.Prompts.Load("board_chair.md"), user: user, modelID: state.ModelByRole[llmgateway.RoleBoardChair], final: n.final}}
}

func renderPlan(p *plan.Plan) string {
	if p == nil {
		return "(none)"
	}
	raw, _ := json.Marshal(p)
	return string(raw)
}

func (n *BoardChairNode) Exec(ctx context.Context, p chairPrep) (chairExec, error) {
	var out struct {
		plan.Plan
		ImplementationNotes string `json:"implementation_notes"`
	}
	usage, err := callStructured(ctx, n.deps.Gateway, llmgateway.RoleBoardChair, p.modelID, p.system, p.user, &out)
	if err != nil {
		return chairExec{}, err
	}
	if verr := plan.Validate(&out.Plan, n.resolveTool); verr != nil {
		return chairExec{}, verr
	}
	return chairExec{plan: &out.Plan, notes: out.ImplementationNotes, usage: usage, modelID: p.modelID}, nil
}

func (n *BoardChairNode) ExecFallback(err error) chairExec {
	return chairExec{fail: classifyNodeError(err)}
}

func (n *BoardChairNode) Post(state *RunState, prepRes []chairPrep, execResults ...chairExec) core.Action {
	r := execResults[0]
	if r.fail != nil {
		state.FailReason = string(r.fail.Kind)
		state.FailDetail = "board chair failed to produce a valid plan: " + r.fail.Detail
		return core.ActionFailure
	}
	n.deps.recordUsage(llmgateway.RoleBoardChair, r.modelID, r.usage, state.TaskID)
	state.Plan = r.plan
	state.ChairNotes = r.notes
	if !n.final {
		n.deps.emit(state.TaskID, eventbus.EventChairPlanGenerated, planEventPayload{Plan: r.plan})
		return core.ActionContinue
	}
	// The final_plan_approval_request event is emitted by the controller's
	// gate, which must persist the pending interrupt first.
	state.CurrentStepIndex = 0
	return core.ActionContinue
}

type finalPlanPayload struct {
	Plan                *plan.Plan `json:"plan"`
	Critiques           []string   `json:"critiques,omitempty"`
	ImplementationNotes string     `json:"implementation_notes,omitempty"`
}

// ── BoardExpert ──

type expertPrep struct {
	system, user, modelID, label string
}

type expertExec struct {
	critique string
	usage    llmgateway.Usage
	modelID  string
	failed   bool
}

type BoardExpertNode struct {
	deps *Deps
}

func NewBoardExpertNode(deps *Deps) *BoardExpertNode { return &BoardExpertNode{deps: deps} }

func (n *BoardExpertNode) Prep(state *RunState) []expertPrep {
	label := state.Experts[state.ExpertIndex]
	user := "Draft plan:\n" + renderPlan(state.Plan) + "\n\nPrior critiques:\n"
	for i, c := range state.Critiques {
		user += fmt.Sprintf("%d. %s\n", i+1, c)
	}
	return []expertPrep{{system: n.deps.Prompts.Load("board_expert.md"), user: user, modelID: state.ModelByRole[llmgateway.RoleBoardExpert], label: label}}
}

func (n *BoardExpertNode) Exec(ctx context.Context, p expertPrep) (expertExec, error) {
	res, err := callLLM(ctx, n.deps.Gateway, llmgateway.RoleBoardExpert, p.modelID, p.system, p.user)
	if err != nil {
		return expertExec{}, err
	}
	return expertExec{critique: res.Text, usage: res.Usage, modelID: p.modelID}, nil
}

func (n *BoardExpertNode) ExecFallback(err error) expertExec {
	return expertExec{failed: true}
}

func (n *BoardExpertNode) Post(state *RunState, prepRes []expertPrep, execResults ...expertExec) core.Action {
	r := execResults[0]
	if r.failed {
		state.FailReason = string(KindLLMUnavailable)
		state.FailDetail = "board expert failed to produce a critique"
		return core.ActionFailure
	}
	n.deps.recordUsage(llmgateway.RoleBoardExpert, r.modelID, r.usage, state.TaskID)
	state.Critiques = append(state.Critiques, fmt.Sprintf("%s: %s", prepRes[0].label, r.critique))
	n.deps.emit(state.TaskID, eventbus.EventExpertCritiqueGenerated, expertCritiquePayload{Critique: r.critique, Expert: prepRes[0].label})
	state.ExpertIndex++
	if state.ExpertIndex >= len(state.Experts) {
		return core.ActionBoardDone
	}
	return core.ActionNextExpert
}

type expertCritiquePayload struct {
	Expert   string `json:"expert"`
	Critique string `json:"critique"`
}
