// Package transport delivers copilot events to websocket clients, locally
// through the Hub and across instances through the Relay.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/suPer8Hu/copilot/internal/common"
	"github.com/suPer8Hu/copilot/internal/copilot"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxFrame   = 16 << 10
)

// Presence is told when connections open and close so other instances can
// find them.
type Presence interface {
	Announce(ctx context.Context, connID string) error
	Withdraw(ctx context.Context, connID string) error
}

// ClientMessage is one inbound websocket frame.
type ClientMessage struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Conn is a registered websocket connection. It implements copilot.Emitter.
type Conn struct {
	ID     string
	UserID string

	ws      *websocket.Conn
	hub     *Hub
	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *Conn) Emit(ctx context.Context, ev copilot.Event) error {
	if c.closed.Load() {
		return copilot.ErrConnectionGone
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(ev); err != nil {
		c.hub.Remove(c.ID)
		return fmt.Errorf("%w: %v", copilot.ErrConnectionGone, err)
	}
	return nil
}

func (c *Conn) Streaming() bool { return true }

func (c *Conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Hub is the registry of websocket connections owned by this process.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	upgrader websocket.Upgrader
	presence Presence
}

func NewHub(presence Presence) *Hub {
	return &Hub{
		conns: make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		presence: presence,
	}
}

// Upgrade switches the request to a websocket and registers it.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, userID string) (*Conn, error) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c := &Conn{ID: common.NewUUID(), UserID: userID, ws: ws, hub: h}

	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()

	if h.presence != nil {
		if err := h.presence.Announce(r.Context(), c.ID); err != nil {
			slog.Warn("announce connection failed", "connection", c.ID, "error", err)
		}
	}
	slog.Info("websocket connected", "connection", c.ID, "user_id", userID)
	return c, nil
}

func (h *Hub) Get(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Remove unregisters and closes a connection. It is safe to call more than once.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if !ok || !c.closed.CompareAndSwap(false, true) {
		return
	}
	_ = c.ws.Close()
	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.presence.Withdraw(ctx, id); err != nil {
			slog.Warn("withdraw connection failed", "connection", id, "error", err)
		}
	}
	slog.Info("websocket removed", "connection", id)
}

// Deliver sends ev to a local connection. It is the Relay's delivery hook.
func (h *Hub) Deliver(ctx context.Context, connID string, ev copilot.Event) error {
	c, ok := h.Get(connID)
	if !ok {
		return copilot.ErrConnectionGone
	}
	return c.Emit(ctx, ev)
}

// Serve runs the read loop for c until the peer goes away or ctx ends.
// Each inbound frame is passed to handle on its own goroutine; events for
// one message are still written in order.
func (h *Hub) Serve(ctx context.Context, c *Conn, handle func(ctx context.Context, msg ClientMessage)) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		h.Remove(c.ID)
	}()

	c.ws.SetReadLimit(maxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		if h.presence != nil {
			_ = h.presence.Announce(ctx, c.ID)
		}
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := c.ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) && !c.closed.Load() {
				slog.Debug("websocket read ended", "connection", c.ID, "error", err)
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle(ctx, msg)
		}()
	}
}
