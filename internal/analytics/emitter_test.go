package analytics

import (
	"context"
	"sync"
	"testing"
)

func TestEmitter_NonBlockingWhenFull(t *testing.T) {
	e := NewEmitter(2)
	for i := 0; i < 5; i++ {
		e.Emit(Event{Type: EventRequest})
	}
	if got := e.Dropped(); got != 3 {
		t.Fatalf("expected 3 dropped, got %d", got)
	}
}

func TestEmitter_RunDeliversAndFlushes(t *testing.T) {
	var mu sync.Mutex
	var got []EventType
	sink := SinkFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Type)
	})
	panicky := SinkFunc(func(ev Event) { panic("bad sink") })

	e := NewEmitter(8, panicky, sink)
	e.Emit(Event{Type: EventRequest})
	e.Emit(Event{Type: EventStep})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Run(ctx)
	e.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != EventRequest || got[1] != EventStep {
		t.Fatalf("expected both events despite panicking sink, got %v", got)
	}
}

func TestEmitter_NilIsNoop(t *testing.T) {
	var e *Emitter
	e.Emit(Event{Type: EventRequest})
}
