package jobs

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/suPer8Hu/copilot/internal/queue"
)

type countingSweeper struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSweeper) CleanupExpiredContexts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return 1
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return nil
}

func (d *recordingDispatcher) Retry(ctx context.Context, id string, delay time.Duration) error {
	return d.Dispatch(ctx, id)
}

func newTestQueue(t *testing.T, d queue.Dispatcher) *queue.Queue {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&queue.QueuedRequest{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return queue.New(queue.NewRepo(db), d, queue.DefaultOptions())
}

func TestNew_RegistersSweeps(t *testing.T) {
	r, err := New(&countingSweeper{}, newTestQueue(t, nil), DefaultConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Shutdown()

	names := r.Jobs()
	for _, want := range []string{"clarification-sweep", "queue-cleanup", "queue-redeliver"} {
		if !slices.Contains(names, want) {
			t.Fatalf("missing job %q in %v", want, names)
		}
	}
}

func TestNew_WithoutQueue(t *testing.T) {
	r, err := New(&countingSweeper{}, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Shutdown()

	if names := r.Jobs(); len(names) != 1 || names[0] != "clarification-sweep" {
		t.Fatalf("expected only the clarification sweep, got %v", names)
	}
}

func TestTasks(t *testing.T) {
	sw := &countingSweeper{}
	disp := &recordingDispatcher{}
	q := newTestQueue(t, disp)
	cfg := DefaultConfig()
	cfg.RedeliverAge = -time.Minute

	r, err := New(sw, q, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer r.Shutdown()

	if _, err := q.Enqueue(context.Background(), queue.EnqueueParams{UserID: "alice", ConnectionRef: "c1", Message: "list nodes"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	r.SweepClarifications()
	r.CleanupQueue()
	r.RedeliverQueue()

	if sw.calls != 1 {
		t.Fatalf("expected one sweep, got %d", sw.calls)
	}
	// once on enqueue, once on redelivery
	if len(disp.ids) != 2 || disp.ids[0] != disp.ids[1] {
		t.Fatalf("unexpected dispatches %v", disp.ids)
	}
}
