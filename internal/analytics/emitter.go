// Package analytics moves usage events off the request path.
package analytics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventRequest       EventType = "request"
	EventStep          EventType = "step"
	EventClarification EventType = "clarification"
	EventQueued        EventType = "queued"
	EventDrained       EventType = "drained"
	EventConnection    EventType = "connection_gone"
)

type Event struct {
	Type     EventType
	UserID   string
	Intent   string
	Outcome  string
	Steps    int
	Duration time.Duration
	At       time.Time
}

// Sink consumes events on the worker goroutine.
type Sink interface {
	Record(ev Event)
}

type SinkFunc func(ev Event)

func (f SinkFunc) Record(ev Event) { f(ev) }

// Emitter is a bounded, non-blocking event queue. When the buffer is full
// events are dropped and counted; Emit never waits.
type Emitter struct {
	ch      chan Event
	sinks   []Sink
	dropped atomic.Int64
	done    chan struct{}
}

func NewEmitter(buffer int, sinks ...Sink) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Emitter{ch: make(chan Event, buffer), sinks: sinks, done: make(chan struct{})}
}

func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
	}
}

func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Run delivers events until ctx is done, then flushes what is buffered.
func (e *Emitter) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case ev := <-e.ch:
			e.deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-e.ch:
					e.deliver(ev)
				default:
					if n := e.Dropped(); n > 0 {
						slog.Warn("analytics events dropped", "count", n)
					}
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (e *Emitter) Wait() {
	<-e.done
}

func (e *Emitter) deliver(ev Event) {
	for _, s := range e.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("analytics sink panic", "type", ev.Type, "panic", r)
				}
			}()
			s.Record(ev)
		}()
	}
}
