// Package store durably persists events as append-only JSONL files, one per
// task, and rebuilds a task's history for replay. Grounded on the teacher's
// session.Store in structure (a map-of-slices protected by one mutex) but
// generalized from an in-memory TTL cache to durable-before-acknowledging
// disk persistence — no embedded KV engine (bbolt et al.) appeared anywhere
// in the pack, so a hand-rolled JSONL file is the nearest available idiom
// (see DESIGN.md).
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pocketomega/foreman/internal/eventbus"
)

// Store implements eventbus.Persister with one JSONL file per task under
// dir, plus an in-memory index so repeated Load calls don't reread the file
// from disk once it has been loaded this process lifetime.
type Store struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
	cache map[string][]eventbus.Event
}

// New creates a Store rooted at dir, creating it if absent.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage_error: event store directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("storage_error: create event store dir: %w", err)
	}
	return &Store{
		dir:   dir,
		files: make(map[string]*os.File),
		cache: make(map[string][]eventbus.Event),
	}, nil
}

func (s *Store) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".jsonl")
}

// Append writes ev as one JSON line and flushes to disk before returning —
// "durable before acknowledging" per spec §4.5.
func (s *Store) Append(taskID string, ev eventbus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[taskID]
	if !ok {
		var err error
		f, err = os.OpenFile(s.path(taskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("storage_error: open event log for task %s: %w", taskID, err)
		}
		s.files[taskID] = f
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("storage_error: marshal event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("storage_error: write event for task %s: %w", taskID, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("storage_error: sync event log for task %s: %w", taskID, err)
	}

	s.cache[taskID] = append(s.cache[taskID], ev)
	return nil
}

// Load returns every event recorded for taskID, in seq order. The first
// Load for a task this process reads the JSONL file from disk (so events
// written by a prior process lifetime are recovered after restart); later
// calls are served from the in-memory cache maintained by Append.
func (s *Store) Load(taskID string) ([]eventbus.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.cache[taskID]; ok {
		out := make([]eventbus.Event, len(cached))
		copy(out, cached)
		return out, nil
	}

	events, err := readJSONL(s.path(taskID))
	if err != nil {
		return nil, err
	}
	s.cache[taskID] = events
	out := make([]eventbus.Event, len(events))
	copy(out, events)
	return out, nil
}

func readJSONL(path string) ([]eventbus.Event, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage_error: open event log %s: %w", path, err)
	}
	defer f.Close()

	var events []eventbus.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev eventbus.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("storage_error: corrupt event log %s: %w", path, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("storage_error: read event log %s: %w", path, err)
	}
	return events, nil
}

// Delete drops a task's event log, both the on-disk file and the in-memory
// cache, used when a task is destroyed.
func (s *Store) Delete(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[taskID]; ok {
		f.Close()
		delete(s.files, taskID)
	}
	delete(s.cache, taskID)
	if err := os.Remove(s.path(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage_error: delete event log for task %s: %w", taskID, err)
	}
	return nil
}

// Close releases open file handles for every task, used at shutdown.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for taskID, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage_error: close event log for task %s: %w", taskID, err)
		}
	}
	s.files = make(map[string]*os.File)
	return firstErr
}

// TaskIDs lists every task id with a persisted event log under dir, used at
// startup to rebuild in-memory Task records after a restart.
func (s *Store) TaskIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("storage_error: list event store dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".jsonl" {
			ids = append(ids, name[:len(name)-len(".jsonl")])
		}
	}
	return ids, nil
}
