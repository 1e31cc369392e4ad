package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/suPer8Hu/copilot/internal/copilot"
)

type recordingPresence struct {
	mu        sync.Mutex
	announced map[string]int
	withdrawn []string
}

func (p *recordingPresence) Announce(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.announced == nil {
		p.announced = map[string]int{}
	}
	p.announced[id]++
	return nil
}

func (p *recordingPresence) Withdraw(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.withdrawn = append(p.withdrawn, id)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHub_EchoAndRemoveOnClose(t *testing.T) {
	presence := &recordingPresence{}
	hub := NewHub(presence)
	conns := make(chan *Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := hub.Upgrade(w, r, "u1")
		if err != nil {
			return
		}
		conns <- c
		hub.Serve(r.Context(), c, func(ctx context.Context, msg ClientMessage) {
			_ = c.Emit(ctx, copilot.Event{Type: copilot.EventAck, Content: msg.Message})
		})
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-conns

	if err := client.WriteJSON(ClientMessage{Message: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ev copilot.Event
	if err := client.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != copilot.EventAck || ev.Content != "hello" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if err := hub.Deliver(context.Background(), server.ID, copilot.Event{Type: copilot.EventComplete}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := client.ReadJSON(&ev); err != nil || ev.Type != copilot.EventComplete {
		t.Fatalf("delivered event not received: %+v %v", ev, err)
	}

	_ = client.Close()
	waitFor(t, func() bool { return hub.Len() == 0 })

	if err := server.Emit(context.Background(), copilot.Event{Type: copilot.EventMessage}); !errors.Is(err, copilot.ErrConnectionGone) {
		t.Fatalf("expected ErrConnectionGone, got %v", err)
	}
	if err := hub.Deliver(context.Background(), server.ID, copilot.Event{}); !errors.Is(err, copilot.ErrConnectionGone) {
		t.Fatalf("expected ErrConnectionGone for unknown connection, got %v", err)
	}
	presence.mu.Lock()
	defer presence.mu.Unlock()
	if presence.announced[server.ID] == 0 || len(presence.withdrawn) != 1 || presence.withdrawn[0] != server.ID {
		t.Fatalf("presence not maintained: %+v", presence)
	}
}
