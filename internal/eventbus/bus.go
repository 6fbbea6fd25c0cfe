package eventbus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// dispatchBuffer bounds how far the live-fanout dispatcher may lag behind
// persisted Appends before Append itself starts blocking. Sized generously
// so a slow subscriber degrades its own stream, not the writer's.
const dispatchBuffer = 4096

// subscriberBuffer is each subscriber's own mailbox size.
const subscriberBuffer = 256

// Persister durably stores events and replays them on demand. Implemented
// by internal/store; a Bus cannot guarantee "durable before acknowledging"
// without one.
type Persister interface {
	Append(taskID string, ev Event) error
	Load(taskID string) ([]Event, error)
}

// Bus accepts events from Task Controllers, assigns monotonic per-task seq,
// persists them, and fans them out to live subscribers. One Bus is shared
// process-wide; internally it is many-writers/many-readers as §5 requires,
// implemented as one independent stream per task id rather than a single
// global lock.
type Bus struct {
	persister Persister

	mu     sync.Mutex
	tasks  map[string]*taskStream
}

// New creates a Bus backed by persister.
func New(persister Persister) *Bus {
	return &Bus{persister: persister, tasks: make(map[string]*taskStream)}
}

type subscriber struct {
	id     int
	ch     chan Event
	cancel context.CancelFunc
	ctx    context.Context
}

type taskStream struct {
	taskID string

	mu   sync.Mutex // single-writer-per-task discipline: serializes seq assignment + persistence
	seq  int64
	subs map[int]*subscriber
	next int

	internal chan Event
}

func (b *Bus) streamFor(taskID string) *taskStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.tasks[taskID]
	if !ok {
		ts = &taskStream{
			taskID:   taskID,
			subs:     make(map[int]*subscriber),
			internal: make(chan Event, dispatchBuffer),
		}
		// Seq continues from persisted history, so a restart never reuses
		// sequence numbers a subscriber may already have seen.
		if events, err := b.persister.Load(taskID); err == nil && len(events) > 0 {
			ts.seq = events[len(events)-1].Seq
		}
		b.tasks[taskID] = ts
		go ts.dispatch()
	}
	return ts
}

// dispatch is the one goroutine per task that fans internal events out to
// subscribers, decoupled from Append so a slow subscriber never blocks the
// writer — only its own stream falls behind.
func (ts *taskStream) dispatch() {
	for ev := range ts.internal {
		ts.mu.Lock()
		targets := make([]*subscriber, 0, len(ts.subs))
		for _, s := range ts.subs {
			targets = append(targets, s)
		}
		ts.mu.Unlock()

		for _, s := range targets {
			select {
			case s.ch <- ev:
			case <-s.ctx.Done():
			}
		}
	}
}

// Append assigns the next seq for taskID, persists the event durably, then
// schedules it for live fan-out. It returns the fully-formed Event
// (including its assigned seq) for the caller to log or inspect.
func (b *Bus) Append(taskID string, eventType EventType, payload any) (Event, error) {
	ts := b.streamFor(taskID)

	ts.mu.Lock()
	ts.seq++
	ev := Event{
		Type:      eventType,
		TaskID:    taskID,
		Seq:       ts.seq,
		Timestamp: time.Now(),
		Payload:   NewPayload(payload),
	}
	err := b.persister.Append(taskID, ev)
	ts.mu.Unlock()

	if err != nil {
		return Event{}, fmt.Errorf("storage_error: persist event for task %s: %w", taskID, err)
	}

	ts.internal <- ev
	return ev, nil
}

// Subscribe registers a live subscriber for taskID starting at fromSeq (0
// delivers full history). It returns the historical backlog, a channel of
// subsequent live events, and a cancel function. The returned channel is
// closed when cancel is called.
func (b *Bus) Subscribe(taskID string, fromSeq int64) (history []Event, live <-chan Event, cancel func(), err error) {
	ts := b.streamFor(taskID)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	all, loadErr := b.persister.Load(taskID)
	if loadErr != nil {
		return nil, nil, nil, fmt.Errorf("storage_error: load history for task %s: %w", taskID, loadErr)
	}
	for _, ev := range all {
		if ev.Seq >= fromSeq {
			history = append(history, ev)
		}
	}

	// Every event up to ts.seq is already persisted (and so in history);
	// any of them still queued for dispatch must not be delivered twice.
	cutoff := ts.seq
	ctx, cancelFn := context.WithCancel(context.Background())
	sub := &subscriber{id: ts.next, ch: make(chan Event, subscriberBuffer), ctx: ctx, cancel: cancelFn}
	ts.next++
	ts.subs[sub.id] = sub

	// The pump goroutine is the only closer of the channel handed to the
	// caller, so a racing dispatch send can never hit a closed channel.
	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-sub.ch:
				if ev.Seq <= cutoff {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel = func() {
		cancelFn()
		ts.mu.Lock()
		delete(ts.subs, sub.id)
		ts.mu.Unlock()
	}

	return history, out, cancel, nil
}

// History returns every persisted event for taskID in seq order, used by
// Snapshot (task package combines this with the Task record's status and
// pending_interrupt, which the Bus itself does not track).
func (b *Bus) History(taskID string) ([]Event, error) {
	events, err := b.persister.Load(taskID)
	if err != nil {
		return nil, fmt.Errorf("storage_error: load history for task %s: %w", taskID, err)
	}
	return events, nil
}

// Close stops the dispatcher goroutine for taskID, if one is running. Safe
// to call on a task with no active stream.
func (b *Bus) Close(taskID string) {
	b.mu.Lock()
	ts, ok := b.tasks[taskID]
	if ok {
		delete(b.tasks, taskID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	ts.mu.Lock()
	for _, s := range ts.subs {
		s.cancel()
	}
	close(ts.internal)
	ts.mu.Unlock()
	log.Printf("[EventBus] closed stream for task %s", taskID)
}
