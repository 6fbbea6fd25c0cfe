// Package workspace implements the sandbox containment the teacher's file
// tools each reimplemented separately. One Manager now owns path resolution
// for every tool and for the workspace HTTP endpoints, so there is exactly
// one place that can get containment wrong.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// PathEscapeError is returned when a requested path resolves outside its
// task's sandbox root — the path_escape error kind.
type PathEscapeError struct {
	Requested string
	Root      string
}

func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("path_escape: %q escapes workspace root %q", e.Requested, e.Root)
}

// Manager creates, resolves, and destroys per-task sandbox directories
// rooted under a single base directory. It also owns each task's ReadCache,
// which lives and dies with the workspace.
type Manager struct {
	baseDir string

	mu     sync.Mutex
	caches map[string]*ReadCache
}

// NewManager creates a Manager rooted at baseDir, creating it if absent.
func NewManager(baseDir string) (*Manager, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("workspace: base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("workspace: create base dir: %w", err)
	}
	return &Manager{baseDir: baseDir, caches: make(map[string]*ReadCache)}, nil
}

// Cache returns the task's ReadCache, creating it on first use.
func (m *Manager) Cache(taskID string) *ReadCache {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[taskID]
	if !ok {
		c = NewReadCache()
		m.caches[taskID] = c
	}
	return c
}

// Create allocates a fresh sandbox directory for a task and returns its root.
func (m *Manager) Create(taskID string) (string, error) {
	root := filepath.Join(m.baseDir, taskID)
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("workspace: create task root: %w", err)
	}
	return root, nil
}

// Destroy removes a task's entire sandbox directory and drops its ReadCache.
func (m *Manager) Destroy(taskID string) error {
	m.mu.Lock()
	delete(m.caches, taskID)
	m.mu.Unlock()
	root := filepath.Join(m.baseDir, taskID)
	return os.RemoveAll(root)
}

// Root returns the sandbox root path for a task without touching the
// filesystem.
func (m *Manager) Root(taskID string) string {
	return filepath.Join(m.baseDir, taskID)
}

// Resolve validates that path, taken relative to root (or absolute but
// nested under root), stays within root and returns its cleaned absolute
// form. This is the single containment check every tool and HTTP handler
// goes through.
func Resolve(root, path string) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else if root != "" {
		resolved = filepath.Clean(filepath.Join(root, path))
	} else {
		resolved = filepath.Clean(path)
	}

	if root == "" {
		return resolved, nil
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve root: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		realRoot = absRoot // root not yet created on disk
	}

	absResolved, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve target: %w", err)
	}
	realResolved, _ := resolveExisting(absResolved)

	if runtime.GOOS == "windows" {
		realRoot = strings.ToLower(realRoot)
		realResolved = strings.ToLower(realResolved)
	}

	if realResolved != realRoot && !strings.HasPrefix(realResolved, realRoot+string(os.PathSeparator)) {
		return "", &PathEscapeError{Requested: path, Root: root}
	}

	return resolved, nil
}

// resolveExisting resolves symlinks for an existing path, or for its parent
// directory if the path itself does not yet exist (e.g. a new file to be
// written), so a symlink inside the sandbox cannot point the write outside it.
func resolveExisting(path string) (string, error) {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real, nil
	}
	if real, err := filepath.EvalSymlinks(filepath.Dir(path)); err == nil {
		return filepath.Join(real, filepath.Base(path)), nil
	}
	return path, nil
}

// List returns directory entries at path (relative to root) as a flat
// listing, used by GET /api/workspace.
func List(root, path string) ([]Entry, error) {
	resolved, err := Resolve(root, path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("workspace: list %q: %w", path, err)
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, _ := de.Info()
		e := Entry{Name: de.Name(), IsDir: de.IsDir()}
		if info != nil {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Entry is one file or directory returned by List.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Upload writes data to path (relative to root), creating parent
// directories as needed, and refuses to follow the path outside root.
func Upload(root, path string, data []byte) error {
	resolved, err := Resolve(root, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return fmt.Errorf("workspace: create parent dirs: %w", err)
	}
	return os.WriteFile(resolved, data, 0644)
}

// NewTaskID generates a sandbox directory name for a new task.
func NewTaskID() string {
	return uuid.NewString()
}

// rootCtxKey carries the active task's workspace root through a tool
// invocation's context, so a single process-wide Tool Registry (shared by
// every task) resolves a different sandbox per call instead of each tool
// being pinned to one directory at construction time.
type rootCtxKey struct{}

// ContextRoot attaches a workspace root to ctx for the duration of one tool
// invocation. The Task Controller's Worker node calls this before Invoke.
func ContextRoot(ctx context.Context, root string) context.Context {
	return context.WithValue(ctx, rootCtxKey{}, root)
}

// RootFromContext returns the workspace root stashed in ctx by ContextRoot,
// falling back to fallback (a tool's build-time default) when ctx carries
// none — keeping single-workspace deployments and tests working unchanged.
func RootFromContext(ctx context.Context, fallback string) string {
	if v, ok := ctx.Value(rootCtxKey{}).(string); ok && v != "" {
		return v
	}
	return fallback
}
