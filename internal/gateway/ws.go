package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pocketomega/foreman/internal/eventbus"
	"github.com/pocketomega/foreman/internal/plan"
	"github.com/pocketomega/foreman/internal/task"
)

// ClientMessage is one newline-delimited JSON frame from the UI. Kind
// selects which fields matter.
type ClientMessage struct {
	Kind   string `json:"kind"`
	TaskID string `json:"task_id"`

	Name string `json:"name,omitempty"` // task_create, task_rename

	// run_agent
	Prompt       string            `json:"prompt,omitempty"`
	LLMConfig    map[string]string `json:"llm_config,omitempty"`
	EnabledTools []string          `json:"enabled_tools,omitempty"`

	// resume
	Decision     string     `json:"decision,omitempty"`
	ModifiedPlan *plan.Plan `json:"modified_plan,omitempty"`
	Feedback     string     `json:"feedback,omitempty"`

	// subscribe
	FromSeq int64 `json:"from_seq,omitempty"`
}

// ServerMessage is one frame back to the UI: either a relayed task event
// (Type is the event type, Seq/Timestamp/Payload set) or a gateway-level
// ack/error (Type "ack" or "error").
type ServerMessage struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ackPayload struct {
	Kind   string `json:"kind"`
	TaskID string `json:"task_id,omitempty"`
}

type errorPayload struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
	Kind   string `json:"kind,omitempty"` // the client message kind that failed
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The reference UI is served from the same origin; embedders that proxy
	// the socket elsewhere front it with their own origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 50 * time.Second
	wsOutboundBuffer = 512
)

// conn is one client connection: a reader loop dispatching commands and a
// writer loop draining outbound, with one event subscription per task the
// connection has touched.
type conn struct {
	ws       *websocket.Conn
	server   *Server
	outbound chan ServerMessage

	mu     sync.Mutex
	subs   map[string]func() // taskID → subscription cancel
	closed bool
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] websocket upgrade: %v", err)
		return
	}
	c := &conn{
		ws:       ws,
		server:   s,
		outbound: make(chan ServerMessage, wsOutboundBuffer),
		subs:     make(map[string]func()),
	}
	go c.writeLoop()
	c.readLoop()
}

func (c *conn) readLoop() {
	defer c.close()
	c.ws.SetReadLimit(1 << 20)
	c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Gateway] websocket read: %v", err)
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", "", "invalid_arguments", "message is not valid JSON: "+err.Error())
			continue
		}
		c.dispatch(msg)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) dispatch(msg ClientMessage) {
	m := c.server.manager
	var err error

	switch msg.Kind {
	case "task_create":
		if _, err = m.Create(msg.TaskID, msg.Name); err == nil {
			c.subscribe(msg.TaskID, 0)
		}
	case "task_delete":
		c.unsubscribe(msg.TaskID)
		err = m.Delete(msg.TaskID)
	case "task_rename":
		err = m.Rename(msg.TaskID, msg.Name)
	case "run_agent":
		c.subscribe(msg.TaskID, msg.FromSeq)
		err = m.RunAgent(msg.TaskID, msg.Prompt, msg.LLMConfig, msg.EnabledTools)
	case "resume":
		err = m.Resume(msg.TaskID, task.ResumeInput{
			Decision:     task.ResumeDecision(msg.Decision),
			ModifiedPlan: msg.ModifiedPlan,
			Feedback:     msg.Feedback,
		})
	case "stop":
		err = m.Stop(msg.TaskID)
	case "subscribe":
		c.subscribe(msg.TaskID, msg.FromSeq)
	default:
		err = task.NewTaskError(task.KindInvalidArguments, "unknown message kind "+msg.Kind)
	}

	if err != nil {
		reason, detail := errorFields(err)
		c.sendError(msg.TaskID, msg.Kind, reason, detail)
		return
	}
	c.send(ServerMessage{Type: "ack", TaskID: msg.TaskID, Payload: eventbus.NewPayload(ackPayload{Kind: msg.Kind, TaskID: msg.TaskID})})
}

func errorFields(err error) (reason, detail string) {
	var te *task.TaskError
	if errors.As(err, &te) {
		return te.Reason, te.Detail
	}
	return "internal", err.Error()
}

// subscribe attaches this connection to taskID's event stream from fromSeq,
// replaying history then relaying live events. Subscribing twice to the
// same task is a no-op (the existing stream continues).
func (c *conn) subscribe(taskID string, fromSeq int64) {
	if taskID == "" {
		return
	}
	c.mu.Lock()
	if c.closed || c.subs[taskID] != nil {
		c.mu.Unlock()
		return
	}
	history, live, cancel, err := c.server.bus.Subscribe(taskID, fromSeq)
	if err != nil {
		c.mu.Unlock()
		reason, detail := errorFields(err)
		c.sendError(taskID, "subscribe", reason, detail)
		return
	}
	c.subs[taskID] = cancel
	c.mu.Unlock()

	for _, ev := range history {
		c.send(eventMessage(ev))
	}
	go func() {
		for ev := range live {
			c.send(eventMessage(ev))
		}
	}()
}

func (c *conn) unsubscribe(taskID string) {
	c.mu.Lock()
	cancel := c.subs[taskID]
	delete(c.subs, taskID)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func eventMessage(ev eventbus.Event) ServerMessage {
	return ServerMessage{
		Type:      string(ev.Type),
		TaskID:    ev.TaskID,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Payload:   ev.Payload,
	}
}

func (c *conn) send(msg ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.outbound <- msg:
	default:
		// A subscriber that cannot keep up drops its own frames; seq
		// de-duplication plus re-subscribe with from_seq recovers the gap.
		log.Printf("[Gateway] outbound buffer full, dropping frame for task %s", msg.TaskID)
	}
}

func (c *conn) sendError(taskID, kind, reason, detail string) {
	c.send(ServerMessage{Type: "error", TaskID: taskID, Payload: eventbus.NewPayload(errorPayload{Reason: reason, Detail: detail, Kind: kind})})
}

func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancels := make([]func(), 0, len(c.subs))
	for _, cancel := range c.subs {
		cancels = append(cancels, cancel)
	}
	c.subs = make(map[string]func())
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	close(c.outbound)
	c.ws.Close()
}
