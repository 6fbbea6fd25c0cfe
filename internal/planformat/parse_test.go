package planformat

import (
	"errors"
	"testing"
)

func TestUnmarshal_RawJSON(t *testing.T) {
	var out struct {
		Route string `json:"route"`
	}
	if err := Unmarshal(`{"route":"DIRECT_QA"}`, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Route != "DIRECT_QA" {
		t.Fatalf("route = %q", out.Route)
	}
}

func TestUnmarshal_FencedJSON(t *testing.T) {
	raw := "Here is the classification:\n```json\n{\"route\": \"COMPLEX_TASK\"}\n```\nLet me know if you need anything else."
	var out struct {
		Route string `json:"route"`
	}
	if err := Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Route != "COMPLEX_TASK" {
		t.Fatalf("route = %q", out.Route)
	}
}

func TestUnmarshal_EmbeddedObjectInProse(t *testing.T) {
	raw := `Sure! The judgement is {"outcome": "retry", "reasoning": "output was empty"} as requested.`
	var out struct {
		Outcome string `json:"outcome"`
	}
	if err := Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Outcome != "retry" {
		t.Fatalf("outcome = %q", out.Outcome)
	}
}

func TestUnmarshal_BracesInsideStrings(t *testing.T) {
	raw := `{"steps":[{"step_id":1,"instruction":"write {a} and } brace","tool_name":"None","tool_input":"","expected_outcome":"ok"}]}`
	var out struct {
		Steps []map[string]any `json:"steps"`
	}
	if err := Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Steps) != 1 {
		t.Fatalf("steps = %d", len(out.Steps))
	}
}

func TestUnmarshal_FailureReturnsErrParse(t *testing.T) {
	var out map[string]any
	err := Unmarshal("I could not produce a plan, sorry.", &out)
	var pe *ErrParse
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ErrParse", err)
	}
}

func TestExtractJSON_Array(t *testing.T) {
	got := ExtractJSON(`the experts are ["feasibility", "risk"] in order`)
	if got != `["feasibility", "risk"]` {
		t.Fatalf("extracted %q", got)
	}
}
