package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pocketomega/foreman/internal/tool"
	"github.com/pocketomega/foreman/internal/workspace"
)

const (
	maxFileSize    = 1 << 20 // 1MB — read limit
	maxWriteSize   = 1 << 20 // 1MB — reject oversized content before filesystem access
	maxListItems   = 100
	maxFindResults = 50
)

// ── read_file ──

type FileReadTool struct {
	workspaceDir string
}

func NewFileReadTool(workspaceDir string) *FileReadTool {
	return &FileReadTool{workspaceDir: workspaceDir}
}

func (t *FileReadTool) Name() string        { return "read_file" }
func (t *FileReadTool) Description() string { return "Read the contents of a file in the workspace" }

func (t *FileReadTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "path", Type: "string", Description: "File path, relative to the workspace root", Required: true},
	)
}

func (t *FileReadTool) Init(_ context.Context) error { return nil }
func (t *FileReadTool) Scope() tool.Scope            { return tool.ScopeReadsWorkspace }
func (t *FileReadTool) Close() error                 { return nil }

type filePathArgs struct {
	Path string `json:"path"`
}

func (t *FileReadTool) Execute(ctx context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a filePathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("failed to parse arguments: %v", err)}, nil
	}

	path, err := safeResolvePath(a.Path, workspace.RootFromContext(ctx, t.workspaceDir))
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}

	// Open first, then stat — eliminates the TOCTOU race between os.Stat
	// and os.ReadFile where the underlying file could be replaced between
	// the two calls.
	f, err := os.Open(path)
	if err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("file not found: %s — check the path, or pass a path relative to the workspace root", path)}, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("failed to stat file: %v", err)}, nil
	}
	if info.IsDir() {
		return tool.ToolResult{Error: "path is a directory, use list_files instead"}, nil
	}
	if info.Size() > maxFileSize {
		return tool.ToolResult{Error: fmt.Sprintf("file too large (%d bytes), limit is %d bytes", info.Size(), maxFileSize)}, nil
	}

	data, err := io.ReadAll(io.LimitReader(f, maxFileSize))
	if err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("read failed: %v", err)}, nil
	}

	return tool.ToolResult{Output: string(data)}, nil
}

// ── write_file ──

type FileWriteTool struct {
	workspaceDir string
}

func NewFileWriteTool(workspaceDir string) *FileWriteTool {
	return &FileWriteTool{workspaceDir: workspaceDir}
}

func (t *FileWriteTool) Name() string { return "write_file" }
func (t *FileWriteTool) Description() string {
	return "Write content to a file in the workspace, creating or overwriting it"
}

func (t *FileWriteTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "path", Type: "string", Description: "File path, relative to the workspace root", Required: true},
		tool.SchemaParam{Name: "content", Type: "string", Description: "Content to write", Required: true},
	)
}

func (t *FileWriteTool) Init(_ context.Context) error { return nil }
func (t *FileWriteTool) Scope() tool.Scope            { return tool.ScopeWritesWorkspace }
func (t *FileWriteTool) Close() error                 { return nil }

type fileWriteArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *FileWriteTool) Execute(ctx context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a fileWriteArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("failed to parse arguments: %v", err)}, nil
	}

	// Reject oversized content before any filesystem operation, preventing
	// disk exhaustion from runaway LLM output.
	if len(a.Content) > maxWriteSize {
		return tool.ToolResult{Error: fmt.Sprintf("content too large (%d bytes), limit is %d bytes", len(a.Content), maxWriteSize)}, nil
	}

	path, err := safeResolvePath(a.Path, workspace.RootFromContext(ctx, t.workspaceDir))
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}

	// Protected file guard: block writes to mcp.json etc.
	if msg := checkProtectedFile(path, workspace.RootFromContext(ctx, t.workspaceDir)); msg != "" {
		return tool.ToolResult{Error: msg}, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("failed to create parent directory: %v", err)}, nil
	}

	if err := os.WriteFile(path, []byte(a.Content), 0644); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("write failed: %v", err)}, nil
	}

	return tool.ToolResult{Output: fmt.Sprintf("wrote %s (%d bytes)", path, len(a.Content))}, nil
}

// ── list_files ──

type FileListTool struct {
	workspaceDir string
}

func NewFileListTool(workspaceDir string) *FileListTool {
	return &FileListTool{workspaceDir: workspaceDir}
}

func (t *FileListTool) Name() string        { return "list_files" }
func (t *FileListTool) Description() string { return "List the files and subdirectories of a workspace directory" }

func (t *FileListTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "path", Type: "string", Description: "Directory path, relative to the workspace root (\".\" for the root itself)", Required: true},
	)
}

func (t *FileListTool) Init(_ context.Context) error { return nil }
func (t *FileListTool) Scope() tool.Scope            { return tool.ScopeReadsWorkspace }
func (t *FileListTool) Close() error                 { return nil }

func (t *FileListTool) Execute(ctx context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a filePathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("failed to parse arguments: %v", err)}, nil
	}

	path, err := safeResolvePath(a.Path, workspace.RootFromContext(ctx, t.workspaceDir))
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("directory not found: %s — check the path, or use \".\" for the workspace root", path)}, nil
	}

	var sb strings.Builder
	count := 0
	for _, entry := range entries {
		if count >= maxListItems {
			sb.WriteString(fmt.Sprintf("... (%d entries total, showing first %d)\n", len(entries), maxListItems))
			break
		}

		info, _ := entry.Info()
		typeStr := "file"
		sizeStr := ""
		if entry.IsDir() {
			typeStr = "dir "
		} else if info != nil {
			sizeStr = fmt.Sprintf(" (%d bytes)", info.Size())
		} else {
			// Broken symlink or race: info not available
			sizeStr = " (size unknown)"
		}

		sb.WriteString(fmt.Sprintf("[%s] %s%s\n", typeStr, entry.Name(), sizeStr))
		count++
	}

	if count == 0 {
		return tool.ToolResult{Output: "(empty directory)"}, nil
	}

	return tool.ToolResult{Output: sb.String()}, nil
}

// ── find_files ──

type FileFindTool struct {
	workspaceDir string
}

func NewFileFindTool(workspaceDir string) *FileFindTool {
	return &FileFindTool{workspaceDir: workspaceDir}
}

func (t *FileFindTool) Name() string { return "find_files" }
func (t *FileFindTool) Description() string {
	return "Recursively search the workspace for files and directories by name. Accepts a keyword or a glob pattern (e.g. '*.go') and returns matching paths."
}

func (t *FileFindTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "pattern", Type: "string", Description: "Search keyword (a substring of the file or directory name, e.g. 'config') or glob (e.g. '*.go')", Required: true},
	)
}

func (t *FileFindTool) Init(_ context.Context) error { return nil }
func (t *FileFindTool) Scope() tool.Scope            { return tool.ScopeReadsWorkspace }
func (t *FileFindTool) Close() error                 { return nil }

// skipDirs contains directory names to skip during recursive search.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, ".idea": true, ".vscode": true,
	"vendor": true, "__pycache__": true, ".cache": true,
}

func (t *FileFindTool) Execute(ctx context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a struct {
		Pattern string `json:"pattern"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("failed to parse arguments: %v", err)}, nil
	}

	pattern := strings.TrimSpace(a.Pattern)
	if pattern == "" {
		return tool.ToolResult{Error: "search pattern must not be empty"}, nil
	}

	root := workspace.RootFromContext(ctx, t.workspaceDir)
	if root == "" {
		return tool.ToolResult{Error: "no workspace root configured"}, nil
	}

	var results []string
	lowerPattern := strings.ToLower(pattern)
	// Check if pattern contains glob characters
	isGlob := strings.ContainsAny(pattern, "*?[")

	// WalkDir's error return is intentionally ignored: errors inside the callback
	// are used only to signal early termination (limit reached or ctx cancelled).
	// Filesystem access errors per-entry are skipped in-callback via return nil.
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		// Respect context cancellation for long-running walks
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			return nil // skip inaccessible paths
		}

		// Skip hidden/vendor directories for performance
		if d.IsDir() && skipDirs[d.Name()] {
			return filepath.SkipDir
		}

		name := d.Name()
		matched := false

		if isGlob {
			// Case-insensitive glob — lowercase both sides so that patterns
			// like "*.Go" match "main.go" on all platforms consistently.
			matched, _ = filepath.Match(lowerPattern, strings.ToLower(name))
		} else {
			matched = strings.Contains(strings.ToLower(name), lowerPattern)
		}

		if matched {
			// Show path relative to workspace
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				rel = path
			}
			prefix := "[file] "
			if d.IsDir() {
				prefix = "[dir]  "
			}
			results = append(results, prefix+rel)
			if len(results) >= maxFindResults {
				return fmt.Errorf("limit reached")
			}
		}
		return nil
	})

	if len(results) == 0 {
		return tool.ToolResult{Output: fmt.Sprintf("no files or directories matching %q", pattern)}, nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d matches:\n", len(results)))
	for _, r := range results {
		sb.WriteString(r + "\n")
	}
	if len(results) >= maxFindResults {
		sb.WriteString(fmt.Sprintf("(results truncated at %d)\n", maxFindResults))
	}

	return tool.ToolResult{Output: sb.String()}, nil
}

// ── shared helpers ──

// safeResolvePath resolves a file path and validates it stays within the
// workspace root, delegating the actual containment check to the shared
// workspace.Resolve so every tool and the workspace HTTP endpoints agree on
// one notion of "inside the sandbox".
func safeResolvePath(path, workspaceDir string) (string, error) {
	resolved, err := workspace.Resolve(workspaceDir, path)
	if err != nil {
		var pathEscape *workspace.PathEscapeError
		if errors.As(err, &pathEscape) {
			return "", fmt.Errorf("path_escape: %q is outside workspace %q — file tools only operate inside the workspace", path, workspaceDir)
		}
		return "", err
	}
	return resolved, nil
}

// protectedFiles maps workspace-relative filenames to the tool that should be
// used instead. Writes to these files via write_file/patch_file/delete_file are
// blocked at the code level to prevent accidental corruption by the agent.
var protectedFiles = map[string]string{
	"mcp.json": "mcp_server_add/mcp_server_remove",
}

// checkProtectedFile returns a non-empty error message if resolvedPath points
// to a protected file that must not be modified by generic file tools.
func checkProtectedFile(resolvedPath, workspaceDir string) string {
	if workspaceDir == "" {
		return ""
	}
	base := filepath.Base(resolvedPath)
	dir := filepath.Dir(resolvedPath)
	absWorkspace, _ := filepath.Abs(workspaceDir)

	// Normalise for Windows case-insensitive comparison.
	if runtime.GOOS == "windows" {
		dir = strings.ToLower(dir)
		absWorkspace = strings.ToLower(absWorkspace)
		base = strings.ToLower(base)
	}

	if dir != absWorkspace {
		return "" // only protect files at workspace root
	}
	if alt, ok := protectedFiles[base]; ok {
		return fmt.Sprintf("refusing to modify %s directly — use the %s tool instead; direct edits corrupt the file format", base, alt)
	}
	return ""
}
