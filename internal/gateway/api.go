package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/pocketomega/foreman/internal/task"
	"github.com/pocketomega/foreman/internal/tool"
	"github.com/pocketomega/foreman/internal/workspace"
)

// maxUploadSize bounds POST /api/workspace/upload bodies.
const maxUploadSize = 32 << 20 // 32MB

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Gateway] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	reason, detail := errorFields(err)
	status := http.StatusInternalServerError
	switch reason {
	case string(task.KindTaskNotFound):
		status = http.StatusNotFound
	case string(task.KindInvalidArguments), string(task.KindPathEscape), "task_busy":
		status = http.StatusBadRequest
	}
	var pe *workspace.PathEscapeError
	if errors.As(err, &pe) {
		status = http.StatusBadRequest
		reason = string(task.KindPathEscape)
	}
	writeJSON(w, status, map[string]string{"reason": reason, "detail": detail})
}

// handleModels reports the configured model per role, so the UI can
// pre-fill run_agent's llm_config.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]string, len(s.models))
	for role, id := range s.models {
		out[string(role)] = id
	}
	writeJSON(w, http.StatusOK, out)
}

type toolInfo struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	InputSchema     json.RawMessage `json:"input_schema"`
	ReadsWorkspace  bool            `json:"reads_workspace"`
	WritesWorkspace bool            `json:"writes_workspace"`
	ExecutesCode    bool            `json:"executes_code"`
	Network         bool            `json:"network"`
}

// handleTools enumerates the tool catalog with scope flags and schemas.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools := s.tools.List()
	out := make([]toolInfo, 0, len(tools))
	for _, t := range tools {
		sc := t.Scope()
		out = append(out, toolInfo{
			Name:            t.Name(),
			Description:     t.Description(),
			InputSchema:     t.InputSchema(),
			ReadsWorkspace:  sc.Has(tool.ScopeReadsWorkspace),
			WritesWorkspace: sc.Has(tool.ScopeWritesWorkspace),
			ExecutesCode:    sc.Has(tool.ScopeExecutesCode),
			Network:         sc.Has(tool.ScopeNetwork),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleTaskSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Snapshot(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleWorkspaceGet serves a task's workspace: a directory path returns a
// JSON listing, a file path streams the file.
func (s *Server) handleWorkspaceGet(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}
	root, err := s.manager.WorkspaceRoot(taskID)
	if err != nil {
		writeError(w, err)
		return
	}

	resolved, err := workspace.Resolve(root, path)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := os.Stat(resolved)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": "not_found", "detail": "no such path in workspace"})
		return
	}
	if info.IsDir() {
		entries, err := workspace.List(root, path)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}
	http.ServeFile(w, r, resolved)
}

// handleWorkspaceUpload accepts a multipart file upload into a task's
// workspace; the sanitised filename must stay inside the sandbox.
func (s *Server) handleWorkspaceUpload(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	root, err := s.manager.WorkspaceRoot(taskID)
	if err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, task.NewTaskError(task.KindInvalidArguments, "multipart field 'file' is required: "+err.Error()))
		return
	}
	defer file.Close()

	name := r.URL.Query().Get("path")
	if name == "" {
		name = filepath.Base(header.Filename)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, task.NewTaskError(task.KindInvalidArguments, "read upload: "+err.Error()))
		return
	}
	if err := workspace.Upload(root, name, data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": name, "size": len(data)})
}
