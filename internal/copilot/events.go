package copilot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrConnectionGone is returned by an Emitter whose peer has disconnected.
var ErrConnectionGone = errors.New("connection gone")

type EventType string

const (
	EventAck           EventType = "ack"
	EventQueued        EventType = "queued"
	EventClarification EventType = "clarification"
	EventStepProgress  EventType = "step_progress"
	EventContent       EventType = "content"
	EventMessage       EventType = "message"
	EventSuggestions   EventType = "suggestions"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

type Event struct {
	Type           EventType     `json:"type"`
	RequestID      string        `json:"request_id,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Content        string        `json:"content,omitempty"`
	Step           *StepProgress `json:"step,omitempty"`
	Queue          *QueuedNotice `json:"queue,omitempty"`
	Suggestions    []string      `json:"suggestions,omitempty"`
	Error          *UserError    `json:"error,omitempty"`
	Response       *Response     `json:"response,omitempty"`
}

type StepProgress struct {
	Index  int    `json:"index"`
	Total  int    `json:"total"`
	Text   string `json:"text"`
	Status string `json:"status"` // running | done | failed | clarification
}

type QueuedNotice struct {
	ID                string `json:"id"`
	Position          int64  `json:"position"`
	ETASeconds        int64  `json:"eta_seconds"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
	Message           string `json:"message"`
}

// Emitter delivers events to the client in order.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Streamer is implemented by emitters that can show a reply as it is
// generated.
type Streamer interface {
	Streaming() bool
}

// Collector buffers events in memory. It backs the synchronous HTTP
// endpoint and tests.
type Collector struct {
	mu     sync.Mutex
	events []Event
	Stream bool
}

func (c *Collector) Emit(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *Collector) Streaming() bool { return c.Stream }

func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// guard stops emitting once the peer is gone and remembers that it happened.
type guard struct {
	em     Emitter
	log    *slog.Logger
	gone   bool
	onGone func()
}

func (g *guard) emit(ctx context.Context, ev Event) {
	if g.em == nil || g.gone {
		return
	}
	if err := g.em.Emit(ctx, ev); err != nil {
		if errors.Is(err, ErrConnectionGone) {
			g.gone = true
			if g.onGone != nil {
				g.onGone()
			}
			return
		}
		g.log.Warn("emit failed", "event", ev.Type, "error", err)
	}
}

func (g *guard) streaming() bool {
	s, ok := g.em.(Streamer)
	return ok && s.Streaming() && !g.gone
}
