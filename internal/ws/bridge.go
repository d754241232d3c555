package ws

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cc-supervisor/internal/core"
	"cc-supervisor/internal/security"
)

const (
	// MaxClients caps concurrent bridge connections.
	MaxClients = 50

	// coalesceEvery is how long output accumulates before a flush.
	coalesceEvery = 16 * time.Millisecond

	// maxInputBytes caps a single input frame's decoded payload.
	maxInputBytes = 65536

	writeTimeout = 10 * time.Second
)

const (
	frameSessions     = "sessions"
	frameCreated      = "session:created"
	frameExited       = "session:exited"
	frameStateChanged = "session:stateChanged"
	frameOutput       = "output"
	frameScrollback   = "scrollback"
	frameError        = "error"
)

// frame is one message to a client. Data carries base64-encoded bytes for
// output and scrollback frames.
type frame struct {
	Type      string             `json:"type"`
	SessionID string             `json:"session_id,omitempty"`
	Data      string             `json:"data,omitempty"`
	Sessions  []core.Session     `json:"sessions,omitempty"`
	Session   *core.Session      `json:"session,omitempty"`
	State     core.DetailedState `json:"state,omitempty"`
	PrevState core.DetailedState `json:"prev_state,omitempty"`
	ExitCode  *int               `json:"exit_code,omitempty"`
	Message   string             `json:"message,omitempty"`
}

type clientMessage struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	Data      string   `json:"data,omitempty"`
	Cols      *float64 `json:"cols,omitempty"`
	Rows      *float64 `json:"rows,omitempty"`
}

// Client is one connected subscriber.
type Client struct {
	id    string
	actor string
	conn  *websocket.Conn
	subs  map[string]struct{}
	queue *sendQueue
}

// Bridge multiplexes supervisor events to many concurrent clients with
// output coalescing and per-client backpressure.
type Bridge struct {
	mu sync.Mutex

	sup      *core.Supervisor
	token    string
	upgrader websocket.Upgrader

	clients map[*Client]struct{}

	// pending accumulates per-session output until the single global
	// coalescing timer fires.
	pending    map[string][]byte
	flushTimer *time.Timer

	detach func()
}

func NewBridge(sup *core.Supervisor, token string) *Bridge {
	b := &Bridge{
		sup:   sup,
		token: token,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return localOrigin(r) },
		},
		clients: make(map[*Client]struct{}),
		pending: make(map[string][]byte),
	}
	b.detach = sup.AddListener(b.onEvent)
	return b
}

// Close detaches from the supervisor and closes every client.
func (b *Bridge) Close() {
	if b.detach != nil {
		b.detach()
	}
	b.mu.Lock()
	clients := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*Client]struct{})
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.mu.Unlock()
	for _, c := range clients {
		c.queue.close()
		_ = c.conn.Close()
	}
}

func (b *Bridge) onEvent(ev core.Event) {
	switch ev.Type {
	case core.EventCreated:
		b.broadcast(frame{Type: frameCreated, SessionID: ev.SessionID, Session: ev.Session})
	case core.EventOutput:
		b.mu.Lock()
		b.pending[ev.SessionID] = append(b.pending[ev.SessionID], ev.Data...)
		if b.flushTimer == nil {
			b.flushTimer = time.AfterFunc(coalesceEvery, b.flush)
		}
		b.mu.Unlock()
	case core.EventStateChange:
		b.broadcast(frame{
			Type:      frameStateChanged,
			SessionID: ev.SessionID,
			State:     ev.NewState,
			PrevState: ev.PrevState,
		})
	case core.EventExit:
		// flush buffered output first so no output frame trails the exit
		b.flushSession(ev.SessionID)
		b.broadcast(frame{Type: frameExited, SessionID: ev.SessionID, ExitCode: ev.ExitCode})
	}
}

// flush sends every (session, concatenated buffer) pair to that session's
// subscribers, clears all buffers, and disarms the timer.
func (b *Bridge) flush() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string][]byte)
	b.flushTimer = nil
	for sid, data := range pending {
		f := frame{Type: frameOutput, SessionID: sid, Data: base64.StdEncoding.EncodeToString(data)}
		for c := range b.clients {
			if _, ok := c.subs[sid]; ok {
				c.queue.push(f)
			}
		}
	}
	b.mu.Unlock()
}

func (b *Bridge) flushSession(sid string) {
	b.mu.Lock()
	data, ok := b.pending[sid]
	if ok {
		delete(b.pending, sid)
		if len(b.pending) == 0 && b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
	}
	if ok && len(data) > 0 {
		f := frame{Type: frameOutput, SessionID: sid, Data: base64.StdEncoding.EncodeToString(data)}
		for c := range b.clients {
			if _, sub := c.subs[sid]; sub {
				c.queue.push(f)
			}
		}
	}
	b.mu.Unlock()
}

func (b *Bridge) broadcast(f frame) {
	b.mu.Lock()
	for c := range b.clients {
		c.queue.push(f)
	}
	b.mu.Unlock()
}

// ClientCount reports currently connected clients.
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !security.TokenEqual(r.URL.Query().Get("token"), b.token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	if len(b.clients) >= MaxClients {
		b.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many clients")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	c := &Client{
		id:    uuid.NewString(),
		actor: r.RemoteAddr,
		conn:  conn,
		subs:  make(map[string]struct{}),
		queue: newSendQueue(),
	}
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	slog.Info("bridge client connected", "client_id", c.id, "remote", c.actor)

	go b.writeLoop(c)
	c.queue.push(frame{Type: frameSessions, Sessions: b.sup.List()})
	b.readLoop(c)

	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	c.queue.close()
	_ = conn.Close()
	slog.Info("bridge client disconnected", "client_id", c.id, "drops", c.queue.dropCount())
}

func (b *Bridge) writeLoop(c *Client) {
	for {
		f, ok := c.queue.pop()
		if !ok {
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(f); err != nil {
			c.queue.close()
			_ = c.conn.Close()
			return
		}
	}
}

func (b *Bridge) readLoop(c *Client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.queue.push(frame{Type: frameError, Message: "malformed message"})
			continue
		}
		switch msg.Type {
		case "subscribe":
			b.handleSubscribe(c, msg)
		case "unsubscribe":
			b.mu.Lock()
			delete(c.subs, msg.SessionID)
			b.mu.Unlock()
		case "input":
			b.handleInput(c, msg)
		case "resize":
			b.handleResize(c, msg)
		default:
			c.queue.push(frame{Type: frameError, Message: "unknown message type"})
		}
	}
}

// handleSubscribe resizes the PTY before delivering the scrollback snapshot:
// the agent's SIGWINCH-driven redraw then overwrites any garbled history.
// The snapshot is queued before the subscription becomes visible to the
// flusher, so no output frame can precede it.
func (b *Bridge) handleSubscribe(c *Client, msg clientMessage) {
	if msg.SessionID == "" {
		c.queue.push(frame{Type: frameError, Message: "session_id required"})
		return
	}
	sess, ok := b.sup.GetInfo(msg.SessionID)
	if !ok {
		c.queue.push(frame{Type: frameError, SessionID: msg.SessionID, Message: "session not found"})
		return
	}
	if msg.Cols != nil || msg.Rows != nil {
		cols, rows := sess.Cols, sess.Rows
		if msg.Cols != nil {
			cols = core.ClampDimension(*msg.Cols, sess.Cols)
		}
		if msg.Rows != nil {
			rows = core.ClampDimension(*msg.Rows, sess.Rows)
		}
		_ = b.sup.Resize(msg.SessionID, cols, rows)
	}

	b.mu.Lock()
	snapshot, _ := b.sup.GetScrollback(msg.SessionID)
	c.queue.push(frame{
		Type:      frameScrollback,
		SessionID: msg.SessionID,
		Data:      base64.StdEncoding.EncodeToString(snapshot),
	})
	c.subs[msg.SessionID] = struct{}{}
	b.mu.Unlock()
}

func (b *Bridge) handleInput(c *Client, msg clientMessage) {
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		c.queue.push(frame{Type: frameError, SessionID: msg.SessionID, Message: "bad input encoding"})
		return
	}
	if len(data) > maxInputBytes {
		// oversized input is rejected silently
		return
	}
	if err := b.sup.Write(msg.SessionID, data); err != nil {
		c.queue.push(frame{Type: frameError, SessionID: msg.SessionID, Message: err.Error()})
	}
}

func (b *Bridge) handleResize(c *Client, msg clientMessage) {
	sess, ok := b.sup.GetInfo(msg.SessionID)
	if !ok {
		c.queue.push(frame{Type: frameError, SessionID: msg.SessionID, Message: "session not found"})
		return
	}
	cols, rows := sess.Cols, sess.Rows
	if msg.Cols != nil {
		cols = core.ClampDimension(*msg.Cols, sess.Cols)
	}
	if msg.Rows != nil {
		rows = core.ClampDimension(*msg.Rows, sess.Rows)
	}
	if err := b.sup.Resize(msg.SessionID, cols, rows); err != nil {
		c.queue.push(frame{Type: frameError, SessionID: msg.SessionID, Message: err.Error()})
	}
}

func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return security.LocalhostOrigin(origin)
}
