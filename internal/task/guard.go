package task

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// CostGuard enforces a token budget and a wall-clock budget across an
// entire Run (every node, every role) — generalized from the teacher's
// CostGuard, which scoped both budgets to a single ReAct loop.
type CostGuard struct {
	maxTokens   int64 // 0 = disabled
	maxDuration time.Duration
	usedTokens  atomic.Int64
	startTime   time.Time
}

// NewCostGuard creates a guard with optional token/duration limits; 0
// disables the respective check.
func NewCostGuard(maxTokens int64, maxDuration time.Duration) *CostGuard {
	return &CostGuard{maxTokens: maxTokens, maxDuration: maxDuration, startTime: time.Now()}
}

// RecordTokens adds n tokens to the running total and reports whether the
// budget has now been exceeded.
func (g *CostGuard) RecordTokens(n int) error {
	if g.maxTokens <= 0 {
		return nil
	}
	total := g.usedTokens.Add(int64(n))
	if total > g.maxTokens {
		return fmt.Errorf("token budget exceeded: used %d / limit %d", total, g.maxTokens)
	}
	return nil
}

// CheckDuration reports whether the Run has exceeded its wall-clock budget.
func (g *CostGuard) CheckDuration() error {
	if g.maxDuration <= 0 {
		return nil
	}
	if elapsed := time.Since(g.startTime); elapsed > g.maxDuration {
		return fmt.Errorf("run duration exceeded: %v / limit %v", elapsed.Round(time.Second), g.maxDuration)
	}
	return nil
}

// Check reports whether either budget is currently exhausted. The Foreman
// consults it before each step and the controller at each phase boundary;
// a non-nil result fails the Run with budget_exceeded.
func (g *CostGuard) Check() error {
	if g.maxTokens > 0 {
		if total := g.usedTokens.Load(); total > g.maxTokens {
			return fmt.Errorf("token budget exceeded: used %d / limit %d", total, g.maxTokens)
		}
	}
	return g.CheckDuration()
}

// ── Loop detection ──
//
// Adapted from the teacher's agent/loop_detector.go: same three rules (same
// tool frequency, similar consecutive params, consecutive errors), now
// consumed by the Supervisor as an additional escalate signal rather than
// by a ReAct DecideNode choosing to self-correct.

const (
	loopWindowSize          = 8
	loopSameToolLimit       = 3
	loopConsecErrorLimit    = 3
	loopSimilarityThreshold = 0.6
)

// LoopDetection describes a detected repetition pattern.
type LoopDetection struct {
	Detected    bool
	Rule        string
	Description string
}

// DetectLoop inspects the tail of history for repetitive Worker behavior.
// Rules are evaluated in order; the first match wins.
func DetectLoop(history []StepRecord) LoopDetection {
	if len(history) < 2 {
		return LoopDetection{}
	}
	if d := checkSameToolFrequency(history); d.Detected {
		return d
	}
	if d := checkSimilarParams(history); d.Detected {
		return d
	}
	if d := checkConsecutiveErrors(history); d.Detected {
		return d
	}
	return LoopDetection{}
}

func recentWindow(history []StepRecord, n int) []StepRecord {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func checkSameToolFrequency(history []StepRecord) LoopDetection {
	window := recentWindow(history, loopWindowSize)
	freq := make(map[string]int)
	for _, s := range window {
		key := s.ToolName + ":" + s.Input
		freq[key]++
	}
	for key, count := range freq {
		if count >= loopSameToolLimit {
			return LoopDetection{
				Detected:    true,
				Rule:        "same_tool_freq",
				Description: fmt.Sprintf("%q called %d times with identical input in the last %d steps", key, count, loopWindowSize),
			}
		}
	}
	return LoopDetection{}
}

func checkSimilarParams(history []StepRecord) LoopDetection {
	last := history[len(history)-1]
	prev := history[len(history)-2]
	if last.ToolName != prev.ToolName {
		return LoopDetection{}
	}
	similar := jaccardSimilarity(bigrams(prev.Input), bigrams(last.Input)) > loopSimilarityThreshold
	if similar {
		return LoopDetection{
			Detected:    true,
			Rule:        "similar_params",
			Description: fmt.Sprintf("%q called twice in a row with near-identical input", last.ToolName),
		}
	}
	return LoopDetection{}
}

func checkConsecutiveErrors(history []StepRecord) LoopDetection {
	if len(history) < loopConsecErrorLimit {
		return LoopDetection{}
	}
	tail := history[len(history)-loopConsecErrorLimit:]
	for _, s := range tail {
		if !s.IsError {
			return LoopDetection{}
		}
	}
	return LoopDetection{
		Detected:    true,
		Rule:        "consecutive_errors",
		Description: fmt.Sprintf("the last %d tool calls all failed", loopConsecErrorLimit),
	}
}

// ── Exploration detection ──
//
// Adapted from the teacher's agent/exploration_detector.go: flags a Run
// whose Worker keeps gathering information without ever acting on it. The
// teacher bounded it by MaxAgentSteps; here the allowance is derived from
// the plan (each step may run once plus its retry budget), and the result
// feeds the Supervisor as an escalate signal alongside loop detection.

const explorationWindow = 5 // recent tool steps to check

// ExplorationDetection describes an exploration-phase overrun.
type ExplorationDetection struct {
	Detected    bool
	Description string
}

// DetectExploration reports whether the Run has spent more than a third of
// its step allowance while the last explorationWindow tool calls were all
// read-only information gathering.
func DetectExploration(history []StepRecord, maxSteps int) ExplorationDetection {
	if maxSteps <= 0 || len(history) <= maxSteps/3 {
		return ExplorationDetection{}
	}
	if len(history) < explorationWindow {
		return ExplorationDetection{}
	}
	for _, s := range recentWindow(history, explorationWindow) {
		if !isInfoGatheringTool(s) {
			return ExplorationDetection{}
		}
	}
	return ExplorationDetection{
		Detected: true,
		Description: fmt.Sprintf("%d/%d steps used and the last %d tool calls were all information gathering — execution has not started",
			len(history), maxSteps, explorationWindow),
	}
}

// isInfoGatheringTool reports whether a step only read state.
func isInfoGatheringTool(s StepRecord) bool {
	switch s.ToolName {
	case "read_file", "list_files", "grep_files", "find_files", "open_file", "git_info":
		return true
	case "shell_exec":
		return isReadOnlyShellCommand(extractShellCommand(s.Input))
	}
	return false
}

// readOnlyCommands are shell commands considered read-only (info gathering).
// Bare command names only — prefix matching with " " separator is handled in code.
var readOnlyCommands = []string{"dir", "ls", "type", "cat", "find", "head", "tail", "tree"}

// isReadOnlyShellCommand checks if a shell command is read-only (info gathering).
// Matches both bare commands ("ls") and commands with arguments ("ls -la").
func isReadOnlyShellCommand(cmd string) bool {
	lower := strings.ToLower(strings.TrimSpace(cmd))
	if lower == "" {
		return false
	}
	for _, name := range readOnlyCommands {
		if lower == name || strings.HasPrefix(lower, name+" ") {
			return true
		}
	}
	return false
}

// extractShellCommand pulls the "command" field out of a recorded shell
// input. Worker history records inputs with fmt-rendered maps, so a plain
// substring scan beats re-parsing.
func extractShellCommand(input string) string {
	const key = "command:"
	i := strings.Index(input, key)
	if i < 0 {
		return ""
	}
	rest := input[i+len(key):]
	if j := strings.IndexAny(rest, "]"); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}

func bigrams(s string) map[string]bool {
	runes := []rune(s)
	set := make(map[string]bool)
	for i := 0; i+1 < len(runes); i++ {
		set[string(runes[i:i+2])] = true
	}
	return set
}

func jaccardSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 1.0
	}
	return float64(intersection) / float64(union)
}
