// Package plan holds the Architect/Chair output model — an ordered sequence
// of PlanSteps with a tiny placeholder templating layer over string leaves,
// generalized from the teacher's flat plan_store.go (string-ID, no
// templating) into the dense-integer-id, tool-call-hydrating model spec §3
// requires.
package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cast"
)

// StepStatus mirrors a PlanStep's lifecycle.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// NoneTool is the sentinel tool_name marking an LLM-only step.
const NoneTool = "None"

// PlanStep is one unit of work in a Plan.
type PlanStep struct {
	StepID          int             `json:"step_id"`
	Instruction     string          `json:"instruction"`
	ToolName        string          `json:"tool_name"`
	ToolInput       any             `json:"tool_input"` // string, or map[string]any
	ExpectedOutcome string          `json:"expected_outcome"`
	Status          StepStatus      `json:"status"`
	ActualOutput    json.RawMessage `json:"actual_output,omitempty"`
}

// Plan is an ordered sequence of PlanSteps produced by the Architect or Chair.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// StepByID returns the step with the given id, or false.
func (p *Plan) StepByID(id int) (*PlanStep, bool) {
	for i := range p.Steps {
		if p.Steps[i].StepID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// ToolResolver reports whether name is a known tool, for §3's invariant that
// every non-"None" tool_name must resolve in the registry.
type ToolResolver interface {
	Get(name string) (any, bool)
}

// placeholderPattern matches {step_N_output} references.
var placeholderPattern = regexp.MustCompile(`\{step_(\d+)_output\}`)

// ErrPlanInvalid reports a §3 invariant violation — the plan_invalid error
// kind.
type ErrPlanInvalid struct {
	Reason string
}

func (e *ErrPlanInvalid) Error() string { return fmt.Sprintf("plan_invalid: %s", e.Reason) }

// Validate enforces §3's plan invariants: dense 1-based step_ids, tool_name
// resolves in the registry or is "None", and every placeholder reference in
// a step's tool_input names a strictly earlier step. resolve reports whether
// a tool name is registered; pass nil to skip that check (e.g. validating a
// client-submitted modified_plan before the registry is consulted).
func Validate(p *Plan, resolve func(name string) bool) error {
	if len(p.Steps) == 0 {
		return &ErrPlanInvalid{Reason: "plan has no steps"}
	}
	seen := make(map[int]bool, len(p.Steps))
	for i, s := range p.Steps {
		wantID := i + 1
		if s.StepID != wantID {
			return &ErrPlanInvalid{Reason: fmt.Sprintf("step_id at position %d is %d, want dense 1-based %d", i, s.StepID, wantID)}
		}
		if seen[s.StepID] {
			return &ErrPlanInvalid{Reason: fmt.Sprintf("duplicate step_id %d", s.StepID)}
		}
		seen[s.StepID] = true
		if s.ToolName != NoneTool && resolve != nil && !resolve(s.ToolName) {
			return &ErrPlanInvalid{Reason: fmt.Sprintf("step %d: tool %q is not registered", s.StepID, s.ToolName)}
		}
		refs := Dependencies(s.ToolInput)
		for _, n := range refs {
			if n >= s.StepID {
				return &ErrPlanInvalid{Reason: fmt.Sprintf("step %d: placeholder references step %d, which is not strictly earlier", s.StepID, n)}
			}
		}
	}
	return nil
}

// Dependencies returns the sorted, de-duplicated set of step numbers
// referenced by {step_N_output} placeholders anywhere in input — precomputed
// per §9 ("Precompute dependencies per step to reject forward references
// early") so the Foreman never discovers a bad reference mid-hydration.
func Dependencies(input any) []int {
	seen := map[int]bool{}
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, m := range placeholderPattern.FindAllStringSubmatch(t, -1) {
				n := cast.ToInt(m[1])
				seen[n] = true
			}
		case map[string]any:
			for _, vv := range t {
				walk(vv)
			}
		case []any:
			for _, vv := range t {
				walk(vv)
			}
		}
	}
	walk(input)
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// ErrPlaceholderUnresolved reports the placeholder_unresolved error kind.
type ErrPlaceholderUnresolved struct {
	StepID int
	Ref    int
	Reason string
}

func (e *ErrPlaceholderUnresolved) Error() string {
	return fmt.Sprintf("placeholder_unresolved: step %d references step %d: %s", e.StepID, e.Ref, e.Reason)
}

// Hydrate substitutes every {step_N_output} placeholder in a step's
// tool_input with the actual_output recorded against step N in plan,
// returning the concrete value to send to the tool. If the template is a
// string, substitution is textual; if it is a map, substitution recurses
// into string-typed leaves only (non-string leaves pass through unchanged).
// A non-string actual_output used in a string context is serialized as
// compact JSON, per §4.4's placeholder hydration rule.
func Hydrate(p *Plan, stepID int, template any) (any, error) {
	switch t := template.(type) {
	case string:
		return hydrateString(p, stepID, t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			hv, err := Hydrate(p, stepID, v)
			if err != nil {
				return nil, err
			}
			out[k] = hv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			hv, err := Hydrate(p, stepID, v)
			if err != nil {
				return nil, err
			}
			out[i] = hv
		}
		return out, nil
	default:
		return template, nil
	}
}

func hydrateString(p *Plan, stepID int, s string) (string, error) {
	var firstErr error
	result := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		sub := placeholderPattern.FindStringSubmatch(match)
		n := cast.ToInt(sub[1])
		step, ok := p.StepByID(n)
		if !ok {
			firstErr = &ErrPlaceholderUnresolved{StepID: stepID, Ref: n, Reason: "referenced step does not exist"}
			return match
		}
		if step.Status != StepCompleted || len(step.ActualOutput) == 0 {
			firstErr = &ErrPlaceholderUnresolved{StepID: stepID, Ref: n, Reason: "referenced step has no recorded output"}
			return match
		}
		return actualOutputAsString(step.ActualOutput)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// actualOutputAsString renders a step's recorded output for substitution
// into a string template: a JSON string value is unwrapped verbatim, any
// other JSON value is re-serialized compactly.
func actualOutputAsString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return strings.TrimSpace(string(raw))
	}
	compact, err := json.Marshal(v)
	if err != nil {
		return strings.TrimSpace(string(raw))
	}
	return string(compact)
}

// SetActualOutput records a step's completion output, marking it immutable
// thereafter per §3 ("actual_output: populated on completion; immutable
// thereafter").
func (p *Plan) SetActualOutput(stepID int, output any, failed bool) error {
	step, ok := p.StepByID(stepID)
	if !ok {
		return fmt.Errorf("plan: no such step %d", stepID)
	}
	if step.Status == StepCompleted {
		return fmt.Errorf("plan: step %d actual_output is immutable once completed", stepID)
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("plan: marshal actual_output for step %d: %w", stepID, err)
	}
	step.ActualOutput = raw
	if failed {
		step.Status = StepFailed
	} else {
		step.Status = StepCompleted
	}
	return nil
}
