// Package client owns the bidirectional event channel to the single
// remote client. Outbound events are fanned through a buffered send
// channel drained by one write pump. Inbound messages are handled
// sequentially by a per-connection worker goroutine, except the
// control-plane types, which are delivered straight from the read loop
// so they can never queue behind a running voice turn.
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/voxmux/voxmux/internal/logging"
	"github.com/voxmux/voxmux/internal/model"
)

const (
	sendBuffer    = 256
	inboundBuffer = 64
	writeTimeout  = 10 * time.Second
	pongTimeout   = 60 * time.Second
	pingInterval  = 30 * time.Second
)

// Inbound is one message from the remote client.
type Inbound struct {
	Type       string          `json:"type"`
	TerminalID string          `json:"terminal_id,omitempty"`
	ProjectID  string          `json:"project_id,omitempty"`
	Text       string          `json:"text,omitempty"`
	Audio      []byte          `json:"audio,omitempty"`
	MimeType   string          `json:"mime_type,omitempty"`
	Data       []byte          `json:"data,omitempty"`
	Cols       int             `json:"cols,omitempty"`
	Rows       int             `json:"rows,omitempty"`
	Sandboxed  bool            `json:"sandboxed,omitempty"`
	AutoStart  bool            `json:"auto_start,omitempty"`
	Kill       bool            `json:"kill,omitempty"`
	Enabled    bool            `json:"enabled,omitempty"`
	Index      int             `json:"index,omitempty"`
	Prompt     string          `json:"prompt,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	Extra      json.RawMessage `json:"extra,omitempty"`
}

// Handler consumes inbound messages. OnDisconnect fires once per
// connection after the read loop exits.
type Handler interface {
	HandleInbound(ctx context.Context, msg Inbound)
	OnDisconnect(ctx context.Context)
}

type conn struct {
	id        string
	ws        *websocket.Conn
	sendCh    chan model.Event
	inboundCh chan Inbound
	done      chan struct{}
	once      sync.Once
}

// controlPlane reports whether a message type must be handled on the
// read goroutine. A voice turn can hold the worker for a full readiness
// wait; interrupts, screenshot replies, and raw terminal passthrough
// cannot sit in line behind it.
func controlPlane(msgType string) bool {
	switch msgType {
	case "interrupt", "screenshot_result", "terminal_input",
		"terminal_resize", "terminal_close", "focus_terminal", "voice_mode":
		return true
	}
	return false
}

// Hub accepts one client connection at a time. A newer connection
// replaces the previous one, which is closed out.
type Hub struct {
	log      *logrus.Entry
	upgrader websocket.Upgrader
	handler  Handler

	mu      sync.RWMutex
	current *conn
}

func NewHub(handler Handler) *Hub {
	return &Hub{
		log:     logging.NewLogger("client"),
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &conn{
		id:        uuid.NewString(),
		ws:        ws,
		sendCh:    make(chan model.Event, sendBuffer),
		inboundCh: make(chan Inbound, inboundBuffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	prev := h.current
	h.current = c
	h.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	h.log.WithField("conn", c.id).Info("client connected")
	go h.writePump(c)
	go h.workLoop(r.Context(), c)

	h.Send(model.Event{Type: model.EventConnectionAck, Text: c.id})
	h.readLoop(r.Context(), c)

	h.mu.Lock()
	if h.current == c {
		h.current = nil
	}
	stillCurrent := h.current == nil
	h.mu.Unlock()
	c.close()

	if stillCurrent && h.handler != nil {
		h.handler.OnDisconnect(context.Background())
	}
	h.log.WithField("conn", c.id).Info("client disconnected")
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	c.ws.SetReadDeadline(time.Now().Add(pongTimeout)) //nolint:errcheck
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.log.WithError(err).Debug("drop malformed inbound message")
			continue
		}
		if h.handler == nil {
			continue
		}
		if controlPlane(msg.Type) {
			h.handler.HandleInbound(ctx, msg)
			continue
		}
		select {
		case c.inboundCh <- msg:
		case <-c.done:
			return
		}
	}
}

// workLoop drains the deferred inbound queue one message at a time,
// preserving arrival order for the slow path.
func (h *Hub) workLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.inboundCh:
			h.handler.HandleInbound(ctx, msg)
		}
	}
}

func (h *Hub) writePump(c *conn) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.ws.WriteJSON(ev); err != nil {
				c.close()
				return
			}
		case <-ping.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// Send queues an event for the connected client. Events are dropped when
// no client is attached or the send buffer is full; raw terminal output
// is the only high-volume producer and tolerates loss on slow clients.
func (h *Hub) Send(ev model.Event) bool {
	h.mu.RLock()
	c := h.current
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	select {
	case c.sendCh <- ev:
		return true
	case <-c.done:
		return false
	default:
		h.log.WithField("type", ev.Type).Debug("send buffer full, dropping event")
		return false
	}
}

func (h *Hub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current != nil
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close() //nolint:errcheck
	})
}
