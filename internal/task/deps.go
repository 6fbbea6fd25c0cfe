package task

import (
	"context"
	"log"
	"time"

	"github.com/pocketomega/foreman/internal/eventbus"
	"github.com/pocketomega/foreman/internal/llmgateway"
	"github.com/pocketomega/foreman/internal/prompt"
	"github.com/pocketomega/foreman/internal/tool"
	"github.com/pocketomega/foreman/internal/workspace"
)

// ToolTimeouts carries the per-scope wall-clock budgets from spec §5: a
// read-only tool gets the shortest leash, code execution the longest.
type ToolTimeouts struct {
	ReadOnly time.Duration
	Writes   time.Duration
	Executes time.Duration
}

// For picks the budget for a tool's declared scope; the widest capability
// wins when a tool carries several flags.
func (t ToolTimeouts) For(s tool.Scope) time.Duration {
	switch {
	case s.Has(tool.ScopeExecutesCode):
		return t.Executes
	case s.Has(tool.ScopeWritesWorkspace):
		return t.Writes
	default:
		return t.ReadOnly
	}
}

// ToolMetrics is the slice of internal/metrics the Worker needs; an
// interface so tests run without a Prometheus registry.
type ToolMetrics interface {
	RecordToolInvocation(toolName, scope string, seconds float64, errKind string)
}

// Deps bundles the process-wide collaborators every node needs: the LLM
// Gateway, the process Tool Registry (enabled_tools is enforced through
// RunState.ToolAllowed, not a narrowed registry), the Event Bus, and the
// prompt loader. One Deps is
// built per Run by the TaskController and shared by every node instance in
// that Run's graph — mirroring the teacher's AgentHandler holding one
// *tool.Registry/*llm.Client for the duration of one HTTP request.
type Deps struct {
	Gateway  *llmgateway.Gateway
	Tools    *tool.Registry
	Bus      *eventbus.Bus
	Prompts  *prompt.PromptLoader
	Guard    *CostGuard
	Task     *Task
	Timeouts ToolTimeouts
	Metrics  ToolMetrics
	Cache    *workspace.ReadCache // per-task; nil disables read caching
}

func (d *Deps) emit(taskID string, evType eventbus.EventType, payload any) {
	if _, err := d.Bus.Append(taskID, evType, payload); err != nil {
		// The bus already wraps this as a storage_error; callers that need
		// to fail the Run on a persistence failure check the returned error
		// from Append directly instead of relying on this fire-and-forget
		// helper, used only for events whose loss is non-fatal to note.
		_ = err
	}
}

func (d *Deps) recordUsage(role llmgateway.Role, modelID string, usage llmgateway.Usage, taskID string) {
	d.Task.RecordUsage(role, usage)
	d.emit(taskID, eventbus.EventTokenUsage, eventbus.TokenUsagePayload{
		Role: string(role), ModelID: modelID, Input: usage.Input, Output: usage.Output, Total: usage.Total,
	})
	if d.Guard != nil {
		// The exhausted budget is surfaced at the next Guard.Check boundary
		// (Foreman / controller); here we only note the crossing.
		if err := d.Guard.RecordTokens(usage.Total); err != nil {
			log.Printf("[TaskController] task %s: %v", taskID, err)
		}
	}
}

// callLLM builds a two-message (system, user) conversation and invokes the
// gateway. Separated from callStructured so plain-text nodes (Librarian,
// Editor, BoardExpert) don't carry parsing machinery they don't need.
func callLLM(ctx context.Context, gw *llmgateway.Gateway, role llmgateway.Role, modelID, system, user string) (llmgateway.Result, error) {
	return gw.Invoke(ctx, role, modelID, []llmgateway.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, llmgateway.Options{})
}

func addUsage(a, b llmgateway.Usage) llmgateway.Usage {
	return llmgateway.Usage{Input: a.Input + b.Input, Output: a.Output + b.Output, Total: a.Total + b.Total}
}
