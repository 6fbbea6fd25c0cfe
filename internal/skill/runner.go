package skill

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
)

// runRequest is the JSON envelope sent to the skill process via stdin.
type runRequest struct {
	Arguments map[string]any `json:"arguments"`
}

// runResponse is the JSON envelope received from the skill process via stdout.
type runResponse struct {
	Output string `json:"output"`
	Error  string `json:"error"`
}

// Run executes a skill via the stdio JSON protocol.
// Returns (output, errorMsg). errorMsg is non-empty on failure; both are never non-empty simultaneously.
//
// For "go" runtime, compilation is attempted automatically if the binary is missing.
func Run(ctx context.Context, def *SkillDef, args map[string]any) (string, string) {
	// Auto-compile Go skills on first run.
	if def.Runtime == "go" {
		if err := ensureCompiled(def); err != nil {
			return "", fmt.Sprintf("skill compilation failed: %v — check that the Go code builds", err)
		}
	}

	cmd, err := buildCmd(ctx, def)
	if err != nil {
		return "", fmt.Sprintf("skill failed to start: %v", err)
	}

	// Encode the request.
	req := runRequest{Arguments: args}
	reqData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Sprintf("failed to encode arguments: %v", err)
	}
	reqData = append(reqData, '\n') // protocol requires a trailing newline

	cmd.Stdin = bytes.NewReader(reqData)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			log.Printf("[Skill] %s stderr: %s", def.Name, stderr.String())
		}
		return "", fmt.Sprintf("skill execution failed: %v — check the entry point file", err)
	}

	// Log any stderr output (non-fatal, used for skill-side debug logging).
	if stderr.Len() > 0 {
		log.Printf("[Skill] %s stderr: %s", def.Name, stderr.String())
	}

	// Parse the first line of stdout as JSON.
	scanner := bufio.NewScanner(&stdout)
	if !scanner.Scan() {
		return "", "skill produced no response — the entry point must print a single JSON line to stdout"
	}

	var resp runResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return "", fmt.Sprintf("failed to parse skill response: %v — raw output: %q", err, scanner.Text())
	}

	return resp.Output, resp.Error
}

// buildCmd constructs the exec.Cmd appropriate for the skill's runtime.
// The working directory is always set to the skill directory.
func buildCmd(ctx context.Context, def *SkillDef) (*exec.Cmd, error) {
	var cmd *exec.Cmd

	switch def.Runtime {
	case "python":
		entryPath := filepath.Join(def.Dir, def.Entry)
		cmd = exec.CommandContext(ctx, "python", entryPath)
	case "node":
		entryPath := filepath.Join(def.Dir, def.Entry)
		cmd = exec.CommandContext(ctx, "node", entryPath)
	case "go":
		binPath := filepath.Join(def.Dir, BinaryName())
		cmd = exec.CommandContext(ctx, binPath)
	case "binary":
		binPath := filepath.Join(def.Dir, def.Entry)
		cmd = exec.CommandContext(ctx, binPath)
	default:
		return nil, fmt.Errorf("unknown runtime: %q — supported: python | node | go | binary", def.Runtime)
	}

	cmd.Dir = def.Dir // ensure relative paths in skill code resolve correctly
	return cmd, nil
}
