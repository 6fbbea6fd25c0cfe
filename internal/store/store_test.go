package store

import (
	"testing"

	"github.com/pocketomega/foreman/internal/eventbus"
)

func TestAppendAndLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()

	for i := int64(1); i <= 3; i++ {
		ev := eventbus.Event{Type: eventbus.EventTokenUsage, TaskID: "t1", Seq: i, Payload: eventbus.NewPayload(eventbus.TokenUsagePayload{Role: "ROUTER"})}
		if err := s.Append("t1", ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := s.Load("t1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}
}

func TestLoad_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s1.Append("t1", eventbus.Event{Type: eventbus.EventFinalAnswer, TaskID: "t1", Seq: 1, Payload: eventbus.NewPayload(eventbus.FinalAnswerPayload{Text: "done"})})
	s1.Close()

	s2, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s2.Close()
	events, err := s2.Load("t1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(events) != 1 || events[0].Type != eventbus.EventFinalAnswer {
		t.Fatalf("unexpected events after restart: %+v", events)
	}
}

func TestLoad_NoFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	events, err := s.Load("does-not-exist")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestTaskIDs(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	s.Append("t1", eventbus.Event{Type: eventbus.EventRouterDecision, TaskID: "t1", Seq: 1})
	s.Append("t2", eventbus.Event{Type: eventbus.EventRouterDecision, TaskID: "t2", Seq: 1})

	ids, err := s.TaskIDs()
	if err != nil {
		t.Fatalf("task ids: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 task ids, got %v", ids)
	}
}
