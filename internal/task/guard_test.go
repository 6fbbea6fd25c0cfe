package task

import (
	"strings"
	"testing"
	"time"
)

func TestCostGuard_TokenBudget(t *testing.T) {
	g := NewCostGuard(100, 0)
	if err := g.RecordTokens(60); err != nil {
		t.Fatalf("within budget: %v", err)
	}
	if err := g.Check(); err != nil {
		t.Fatalf("check within budget: %v", err)
	}
	if err := g.RecordTokens(60); err == nil {
		t.Fatal("RecordTokens did not report the crossing")
	}
	if err := g.Check(); err == nil {
		t.Fatal("Check did not report an exhausted token budget")
	}
}

func TestCostGuard_DisabledBudgets(t *testing.T) {
	g := NewCostGuard(0, 0)
	g.RecordTokens(1 << 30)
	if err := g.Check(); err != nil {
		t.Fatalf("disabled guard reported: %v", err)
	}
}

func TestCostGuard_DurationBudget(t *testing.T) {
	g := NewCostGuard(0, time.Nanosecond)
	time.Sleep(time.Millisecond)
	if err := g.Check(); err == nil {
		t.Fatal("Check did not report an exhausted duration budget")
	}
}

func TestDetectLoop_SameToolFrequency(t *testing.T) {
	var history []StepRecord
	for i := 0; i < 3; i++ {
		history = append(history, StepRecord{StepID: 1, ToolName: "read_file", Input: "map[path:a.txt]"})
	}
	d := DetectLoop(history)
	if !d.Detected || d.Rule != "same_tool_freq" {
		t.Fatalf("detection = %+v", d)
	}
}

func TestDetectLoop_ConsecutiveErrors(t *testing.T) {
	var history []StepRecord
	for i := 0; i < 3; i++ {
		history = append(history, StepRecord{StepID: i + 1, ToolName: "shell_exec", Input: "map[command:make]", IsError: true})
	}
	// Inputs differ enough that only the error rule should fire — vary them.
	history[0].Input = "map[command:make build]"
	history[1].Input = "map[command:go vet ./...]"
	history[2].Input = "map[command:npm ci]"
	d := DetectLoop(history)
	if !d.Detected || d.Rule != "consecutive_errors" {
		t.Fatalf("detection = %+v", d)
	}
}

func TestDetectExploration(t *testing.T) {
	var history []StepRecord
	for i := 0; i < 6; i++ {
		history = append(history, StepRecord{StepID: i + 1, ToolName: "list_files", Input: "map[path:dir" + strings.Repeat("x", i) + "]"})
	}
	d := DetectExploration(history, 9) // allowance of 9, 6 used, all reads
	if !d.Detected {
		t.Fatalf("expected exploration overrun, got %+v", d)
	}

	// A single write in the window clears the signal.
	history[5].ToolName = "write_file"
	if d := DetectExploration(history, 9); d.Detected {
		t.Fatalf("write step should clear the signal, got %+v", d)
	}
}

func TestDetectExploration_UnderThreshold(t *testing.T) {
	history := []StepRecord{
		{StepID: 1, ToolName: "read_file"},
		{StepID: 2, ToolName: "read_file"},
	}
	if d := DetectExploration(history, 9); d.Detected {
		t.Fatalf("below threshold should not trigger, got %+v", d)
	}
}

func TestIsReadOnlyShellCommand(t *testing.T) {
	cases := map[string]bool{
		"ls":         true,
		"ls -la":     true,
		"cat go.mod": true,
		"rm -rf x":   false,
		"":           false,
		"lsof":       false, // prefix of a name is not the name
	}
	for cmd, want := range cases {
		if got := isReadOnlyShellCommand(cmd); got != want {
			t.Errorf("isReadOnlyShellCommand(%q) = %v, want %v", cmd, got, want)
		}
	}
}
