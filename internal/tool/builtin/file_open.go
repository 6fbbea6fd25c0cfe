package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pocketomega/foreman/internal/tool"
	"github.com/pocketomega/foreman/internal/workspace"
)

// blockedOpenExts blocks launching executable or script files via open_file.
// The tool exists to view media/documents; routing a payload through the OS
// opener must not become a code-execution path.
var blockedOpenExts = map[string]bool{
	// Windows executables / installers
	".exe": true, ".com": true, ".msi": true, ".msp": true,
	".scr": true, ".pif": true,
	// Scripts
	".bat": true, ".cmd": true,
	".ps1": true, ".ps2": true,
	".vbs": true, ".vbe": true,
	".js": true, ".jse": true,
	".wsf": true, ".wsh": true,
	".sh": true, ".bash": true, ".zsh": true,
	// Cross-platform runtime scripts
	".jar": true,
	".py":  true, ".pyw": true,
	".rb":  true,
	".pl":  true,
	".php": true,
}

// ── open_file ──

type FileOpenTool struct {
	workspaceDir string
}

func NewFileOpenTool(workspaceDir string) *FileOpenTool {
	return &FileOpenTool{workspaceDir: workspaceDir}
}

func (t *FileOpenTool) Name() string { return "open_file" }
func (t *FileOpenTool) Description() string {
	return "Open a file (image, audio, video, document) with the operating system's default application. Media and document files only; executables and scripts are refused."
}

func (t *FileOpenTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "path", Type: "string", Description: "File to open, relative to the workspace root", Required: true},
	)
}

func (t *FileOpenTool) Init(_ context.Context) error { return nil }
func (t *FileOpenTool) Scope() tool.Scope            { return tool.ScopeReadsWorkspace }
func (t *FileOpenTool) Close() error                 { return nil }

type fileOpenArgs struct {
	Path string `json:"path"`
}

func (t *FileOpenTool) Execute(ctx context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a fileOpenArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("failed to parse arguments: %v", err)}, nil
	}

	if strings.TrimSpace(a.Path) == "" {
		return tool.ToolResult{Error: "path must not be empty"}, nil
	}

	// Block executable/script extensions before touching the filesystem.
	ext := strings.ToLower(filepath.Ext(a.Path))
	if blockedOpenExts[ext] {
		return tool.ToolResult{Error: fmt.Sprintf("refusing to open executable or script files (%s)", ext)}, nil
	}

	absPath, err := safeResolvePath(a.Path, workspace.RootFromContext(ctx, t.workspaceDir))
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return tool.ToolResult{Error: fmt.Sprintf("file not found: %s — use list_files to check the path first", a.Path)}, nil
		}
		return tool.ToolResult{Error: fmt.Sprintf("cannot access file: %v", err)}, nil
	}
	if info.IsDir() {
		return tool.ToolResult{Error: "path is a directory, open_file only works on files"}, nil
	}

	cmd := openCmdFunc(absPath)
	if err := cmd.Start(); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("failed to launch the default application: %v", err)}, nil
	}
	// Reap the child asynchronously so it never lingers as a zombie.
	go func() { _ = cmd.Wait() }()

	relPath := relOrAbs(absPath, workspace.RootFromContext(ctx, t.workspaceDir))
	return tool.ToolResult{Output: fmt.Sprintf("opened %s with the default application", relPath)}, nil
}

// openCmdFunc builds the "open with default application" command. A package
// variable rather than a direct call so tests can swap in a no-op instead of
// popping a real GUI window.
var openCmdFunc = openCmd

// openCmd returns the per-OS "open with default application" command.
//
//   - Windows: cmd /c start "" "<path>"
//     (the empty string after start is the window-title placeholder, so a
//     path with spaces is not parsed as the title)
//   - macOS:   open "<path>"
//   - Linux:   xdg-open "<path>"
func openCmd(absPath string) *exec.Cmd {
	switch runtime.GOOS {
	case "windows":
		return exec.Command("cmd", "/c", "start", "", absPath)
	case "darwin":
		return exec.Command("open", absPath)
	default:
		return exec.Command("xdg-open", absPath)
	}
}
