package task

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pocketomega/foreman/internal/eventbus"
	"github.com/pocketomega/foreman/internal/llmgateway"
	"github.com/pocketomega/foreman/internal/prompt"
	"github.com/pocketomega/foreman/internal/tool"
	"github.com/pocketomega/foreman/internal/workspace"
)

// EventDeleter is the slice of internal/store the Manager needs beyond the
// eventbus.Persister contract: dropping a deleted task's log and listing
// persisted task ids for restart recovery.
type EventDeleter interface {
	Delete(taskID string) error
	TaskIDs() ([]string, error)
}

// Manager owns the set of Task Controllers: one per known task. It is the
// single entry point the gateway layer talks to, translating client
// commands (task_create, run_agent, resume, stop, ...) into controller
// calls.
type Manager struct {
	cfg        Config
	gateway    *llmgateway.Gateway
	tools      *tool.Registry
	bus        *eventbus.Bus
	prompts    *prompt.PromptLoader
	workspaces *workspace.Manager
	deleter    EventDeleter
	metrics    ToolMetrics

	defaultModels map[llmgateway.Role]string

	maxConcurrent int

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewManager wires a Manager over the process-wide collaborators.
func NewManager(cfg Config, gw *llmgateway.Gateway, tools *tool.Registry, bus *eventbus.Bus, prompts *prompt.PromptLoader, ws *workspace.Manager, deleter EventDeleter, metrics ToolMetrics, defaultModels map[llmgateway.Role]string, maxConcurrent int) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Manager{
		cfg:           cfg,
		gateway:       gw,
		tools:         tools,
		bus:           bus,
		prompts:       prompts,
		workspaces:    ws,
		deleter:       deleter,
		metrics:       metrics,
		defaultModels: defaultModels,
		maxConcurrent: maxConcurrent,
		controllers:   make(map[string]*Controller),
	}
}

// Restore rebuilds idle Task records for every task with a persisted event
// log, so histories replay across a process restart. In-flight Runs do not
// survive a restart; their tasks come back idle with full history.
func (m *Manager) Restore() error {
	if m.deleter == nil {
		return nil
	}
	ids, err := m.deleter.TaskIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := m.Create(id, id); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		log.Printf("[Manager] restored %d task(s) from the event store", len(ids))
	}
	return nil
}

// Create provisions a task record and its sandbox. Idempotent: creating an
// existing task returns its controller unchanged.
func (m *Manager) Create(taskID, name string) (*Controller, error) {
	if taskID == "" {
		return nil, NewTaskError(KindInvalidArguments, "task_id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.controllers[taskID]; ok {
		return c, nil
	}
	root, err := m.workspaces.Create(taskID)
	if err != nil {
		return nil, NewTaskError(KindStorageError, err.Error())
	}
	if name == "" {
		name = taskID
	}
	t := NewTask(taskID, name, root)
	c := NewController(t, m.cfg, m.gateway, m.tools, m.bus, m.prompts, m.metrics, m.workspaces.Cache(taskID))
	m.controllers[taskID] = c
	return c, nil
}

// Get returns the controller for taskID, or task_not_found.
func (m *Manager) Get(taskID string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[taskID]
	if !ok {
		return nil, NewTaskError(KindTaskNotFound, fmt.Sprintf("no task %q", taskID))
	}
	return c, nil
}

// Delete stops any active Run, destroys the task's workspace, drops its
// event log, and forgets the controller.
func (m *Manager) Delete(taskID string) error {
	m.mu.Lock()
	c, ok := m.controllers[taskID]
	if ok {
		delete(m.controllers, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return NewTaskError(KindTaskNotFound, fmt.Sprintf("no task %q", taskID))
	}

	c.Stop()
	c.Wait(m.cfg.GracePeriod + time.Second)
	m.bus.Close(taskID)
	if err := m.workspaces.Destroy(taskID); err != nil {
		log.Printf("[Manager] destroy workspace for task %s: %v", taskID, err)
	}
	if m.deleter != nil {
		if err := m.deleter.Delete(taskID); err != nil {
			log.Printf("[Manager] delete event log for task %s: %v", taskID, err)
		}
	}
	return nil
}

// Rename updates a task's user-visible label.
func (m *Manager) Rename(taskID, name string) error {
	c, err := m.Get(taskID)
	if err != nil {
		return err
	}
	if name == "" {
		return NewTaskError(KindInvalidArguments, "name is required")
	}
	t := c.Task()
	t.mu.Lock()
	t.Name = name
	t.mu.Unlock()
	return nil
}

// RunAgent starts a Run on taskID, merging the client's per-role model
// overrides over the configured defaults and enforcing the process-wide
// concurrency cap.
func (m *Manager) RunAgent(taskID, promptText string, llmConfig map[string]string, enabledTools []string) error {
	c, err := m.Get(taskID)
	if err != nil {
		return err
	}
	if promptText == "" {
		return NewTaskError(KindInvalidArguments, "prompt is required")
	}
	if m.runningCount() >= m.maxConcurrent && !c.Running() {
		return &TaskError{Kind: KindInvalidArguments, Reason: "task_busy", Detail: fmt.Sprintf("max concurrent tasks (%d) reached", m.maxConcurrent)}
	}

	models := make(map[llmgateway.Role]string, len(m.defaultModels))
	for role, id := range m.defaultModels {
		models[role] = id
	}
	for role, id := range llmConfig {
		if id != "" {
			models[llmgateway.Role(role)] = id
		}
	}
	return c.RunAgent(promptText, models, enabledTools)
}

// Resume delivers a HITL decision to taskID's pending gate.
func (m *Manager) Resume(taskID string, in ResumeInput) error {
	c, err := m.Get(taskID)
	if err != nil {
		return err
	}
	return c.Resume(in)
}

// Stop requests cancellation of taskID's active Run; a no-op when idle.
func (m *Manager) Stop(taskID string) error {
	c, err := m.Get(taskID)
	if err != nil {
		return err
	}
	c.Stop()
	return nil
}

func (m *Manager) runningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.controllers {
		if c.Running() {
			n++
		}
	}
	return n
}

// Snapshot is the §4.5 snapshot contract: current status, full history,
// and the pending interrupt if a gate is open.
type Snapshot struct {
	ID               string                            `json:"id"`
	Name             string                            `json:"name"`
	Status           Status                            `json:"status"`
	PendingInterrupt *Interrupt                        `json:"pending_interrupt,omitempty"`
	TokenTotals      map[llmgateway.Role]llmgateway.Usage `json:"token_totals"`
	History          []eventbus.Event                  `json:"history"`
}

// Snapshot assembles a point-in-time view of taskID.
func (m *Manager) Snapshot(taskID string) (*Snapshot, error) {
	c, err := m.Get(taskID)
	if err != nil {
		return nil, err
	}
	history, err := m.bus.History(taskID)
	if err != nil {
		return nil, NewTaskError(KindStorageError, err.Error())
	}
	t := c.Task()
	return &Snapshot{
		ID:               t.ID,
		Name:             t.Name,
		Status:           t.GetStatus(),
		PendingInterrupt: t.GetPendingInterrupt(),
		TokenTotals:      t.TokenTotalsSnapshot(),
		History:          history,
	}, nil
}

// List returns a summary row per known task, sorted by id, for the UI's
// task sidebar.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	ids := make([]string, 0, len(m.controllers))
	for id := range m.controllers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		c, err := m.Get(id)
		if err != nil {
			continue
		}
		t := c.Task()
		out = append(out, Snapshot{
			ID:               t.ID,
			Name:             t.Name,
			Status:           t.GetStatus(),
			PendingInterrupt: t.GetPendingInterrupt(),
			TokenTotals:      t.TokenTotalsSnapshot(),
		})
	}
	return out
}

// WorkspaceRoot exposes a task's sandbox root for the HTTP workspace
// endpoints.
func (m *Manager) WorkspaceRoot(taskID string) (string, error) {
	c, err := m.Get(taskID)
	if err != nil {
		return "", err
	}
	return c.Task().WorkspaceRoot, nil
}
