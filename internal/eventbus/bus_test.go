package eventbus

import (
	"sync"
	"testing"
	"time"
)

type memPersister struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newMemPersister() *memPersister {
	return &memPersister{events: make(map[string][]Event)}
}

func (p *memPersister) Append(taskID string, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[taskID] = append(p.events[taskID], ev)
	return nil
}

func (p *memPersister) Load(taskID string) ([]Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events[taskID]))
	copy(out, p.events[taskID])
	return out, nil
}

func TestAppend_MonotonicSeq(t *testing.T) {
	bus := New(newMemPersister())
	for i := 0; i < 5; i++ {
		ev, err := bus.Append("t1", EventRouterDecision, RouterDecisionPayload{Route: "DIRECT_QA"})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, ev.Seq)
		}
	}
}

func TestSubscribe_DeliversHistoryThenLive(t *testing.T) {
	bus := New(newMemPersister())
	bus.Append("t1", EventRouterDecision, RouterDecisionPayload{Route: "DIRECT_QA"})

	history, live, cancel, err := bus.Subscribe("t1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if len(history) != 1 {
		t.Fatalf("expected 1 historical event, got %d", len(history))
	}

	bus.Append("t1", EventDirectAnswer, DirectAnswerPayload{Text: "4"})

	select {
	case ev := <-live:
		if ev.Type != EventDirectAnswer || ev.Seq != 2 {
			t.Fatalf("unexpected live event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestSubscribe_FromSeqFiltersHistory(t *testing.T) {
	bus := New(newMemPersister())
	bus.Append("t1", EventRouterDecision, RouterDecisionPayload{Route: "DIRECT_QA"})
	bus.Append("t1", EventDirectAnswer, DirectAnswerPayload{Text: "4"})

	history, _, cancel, err := bus.Subscribe("t1", 2)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if len(history) != 1 || history[0].Seq != 2 {
		t.Fatalf("expected only seq 2, got %+v", history)
	}
}

func TestAppend_SeqContinuesAcrossBusRestart(t *testing.T) {
	p := newMemPersister()
	bus1 := New(p)
	bus1.Append("t1", EventRouterDecision, RouterDecisionPayload{Route: "DIRECT_QA"})
	bus1.Append("t1", EventDirectAnswer, DirectAnswerPayload{Text: "4"})

	// A fresh Bus over the same persisted log must not reuse seq numbers.
	bus2 := New(p)
	ev, err := bus2.Append("t1", EventTokenUsage, TokenUsagePayload{Role: "ROUTER"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev.Seq != 3 {
		t.Fatalf("seq after restart = %d, want 3", ev.Seq)
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(EventFinalAnswer) || !IsTerminal(EventFailed) {
		t.Fatal("expected final_answer and failed to be terminal")
	}
	if IsTerminal(EventTokenUsage) {
		t.Fatal("token_usage should not be terminal")
	}
}
