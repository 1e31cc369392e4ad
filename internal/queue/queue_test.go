package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/copilot/internal/ratelimit"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&QueuedRequest{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type recordingDispatcher struct {
	mu      sync.Mutex
	ids     []string
	retries []string
	err     error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return d.err
}

func (d *recordingDispatcher) Retry(ctx context.Context, id string, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retries = append(d.retries, id)
	return d.err
}

func newTestQueue(t *testing.T, d Dispatcher) (*Queue, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := New(NewRepo(openTestDB(t)), d, DefaultOptions())
	q.now = func() time.Time { return now }
	return q, &now
}

func TestEnqueue_PositionAndETA(t *testing.T) {
	disp := &recordingDispatcher{}
	q, _ := newTestQueue(t, disp)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, EnqueueParams{UserID: "alice", ConnectionRef: "c1", Message: "add supplier A"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if first.Position != 1 || first.ETA != 2*time.Second {
		t.Fatalf("expected position 1 / 2s, got %d / %s", first.Position, first.ETA)
	}
	if len(first.ID) != 26 {
		t.Fatalf("expected ULID id, got %q", first.ID)
	}

	// alice's own backlog does not push her back
	second, _ := q.Enqueue(ctx, EnqueueParams{UserID: "alice", ConnectionRef: "c1", Message: "add supplier B"})
	if second.Position != 1 {
		t.Fatalf("expected position 1 for same user, got %d", second.Position)
	}

	bob, _ := q.Enqueue(ctx, EnqueueParams{UserID: "bob", ConnectionRef: "c2", Message: "list nodes"})
	if bob.Position != 3 || bob.ETA != 6*time.Second {
		t.Fatalf("expected bob at position 3 / 6s, got %d / %s", bob.Position, bob.ETA)
	}

	if len(disp.ids) != 3 {
		t.Fatalf("expected 3 dispatches, got %d", len(disp.ids))
	}
}

func TestEnqueue_DispatchFailureDoesNotFail(t *testing.T) {
	q, _ := newTestQueue(t, &recordingDispatcher{err: errors.New("broker down")})
	res, err := q.Enqueue(context.Background(), EnqueueParams{UserID: "u", Message: "hi"})
	if err != nil {
		t.Fatalf("enqueue should succeed: %v", err)
	}
	item, err := q.Get(context.Background(), res.ID)
	if err != nil || item.Status != StatusQueued {
		t.Fatalf("expected queued item, got %+v %v", item, err)
	}
}

func TestCancel_OnlyOwnerAndOnlyQueued(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, EnqueueParams{UserID: "alice", Message: "one"})
	if ok, _ := q.Cancel(ctx, a.ID, "mallory"); ok {
		t.Fatalf("non-owner must not cancel")
	}

	b, _ := q.Enqueue(ctx, EnqueueParams{UserID: "alice", Message: "two"})
	if claimed, _ := q.Claim(ctx, b.ID); !claimed {
		t.Fatalf("expected claim to succeed")
	}
	if ok, _ := q.Cancel(ctx, b.ID, "alice"); ok {
		t.Fatalf("processing item must not be cancellable")
	}

	if ok, err := q.Cancel(ctx, a.ID, "alice"); !ok || err != nil {
		t.Fatalf("owner cancel failed: %v %v", ok, err)
	}
	if _, err := q.Get(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected cancelled item to be gone, got %v", err)
	}
}

func TestClaim_OnlyOnce(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()
	res, _ := q.Enqueue(ctx, EnqueueParams{UserID: "u", Message: "m"})

	if ok, _ := q.Claim(ctx, res.ID); !ok {
		t.Fatalf("first claim should win")
	}
	if ok, _ := q.Claim(ctx, res.ID); ok {
		t.Fatalf("second claim must lose")
	}
	if err := q.Release(ctx, res.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := q.Claim(ctx, res.ID); !ok {
		t.Fatalf("claim after release should win")
	}
}

func TestCleanup_ExpiresAndPurges(t *testing.T) {
	q, now := newTestQueue(t, nil)
	ctx := context.Background()

	stale, _ := q.Enqueue(ctx, EnqueueParams{UserID: "u", Message: "stale"})
	done, _ := q.Enqueue(ctx, EnqueueParams{UserID: "u", Message: "done"})
	if err := q.Complete(ctx, done.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	*now = now.Add(2 * time.Hour)
	st, err := q.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if st.Expired != 1 || st.Purged != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
	item, _ := q.Get(ctx, stale.ID)
	if item.Status != StatusFailed || item.Error == nil || *item.Error != "expired" {
		t.Fatalf("expected expired failure, got %+v", item)
	}

	*now = now.Add(25 * time.Hour)
	st, _ = q.Cleanup(ctx)
	if st.Purged != 2 {
		t.Fatalf("expected both finished items purged, got %+v", st)
	}
}

type scriptedQuota struct {
	messages bool
	tokens   bool
}

func (s *scriptedQuota) CheckMessageRate(ctx context.Context, userID string) ratelimit.Result {
	return ratelimit.Result{Allowed: s.messages}
}

func (s *scriptedQuota) CheckTokenRate(ctx context.Context, userID string, estimated int64) ratelimit.Result {
	return ratelimit.Result{Allowed: s.tokens}
}

type fakeProcessor struct {
	calls []string
	err   error
}

func (p *fakeProcessor) ProcessQueued(ctx context.Context, req *QueuedRequest) error {
	p.calls = append(p.calls, req.Message)
	return p.err
}

func TestDrain_Lifecycle(t *testing.T) {
	q, now := newTestQueue(t, nil)
	ctx := context.Background()
	quota := &scriptedQuota{messages: false, tokens: true}
	proc := &fakeProcessor{}
	d := NewDrainer(q, quota, proc)

	res, _ := q.Enqueue(ctx, EnqueueParams{UserID: "u", Message: "add supplier Acme"})

	out, err := d.Drain(ctx, res.ID)
	if out != OutcomeThrottled || !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected throttled, got %s %v", out, err)
	}
	item, _ := q.Get(ctx, res.ID)
	if item.Status != StatusQueued {
		t.Fatalf("throttled item should be queued again, got %s", item.Status)
	}

	quota.messages = true
	out, err = d.Drain(ctx, res.ID)
	if out != OutcomeCompleted || err != nil {
		t.Fatalf("expected completed, got %s %v", out, err)
	}
	if len(proc.calls) != 1 || proc.calls[0] != "add supplier Acme" {
		t.Fatalf("unexpected processor calls %v", proc.calls)
	}

	if out, _ := d.Drain(ctx, res.ID); out != OutcomeSkipped {
		t.Fatalf("completed item must not be drained twice, got %s", out)
	}

	proc.err = errors.New("boom")
	failing, _ := q.Enqueue(ctx, EnqueueParams{UserID: "u", Message: "explode"})
	if out, err := d.Drain(ctx, failing.ID); out != OutcomeFailed || err != nil {
		t.Fatalf("expected failed outcome, got %s %v", out, err)
	}
	item, _ = q.Get(ctx, failing.ID)
	if item.RetryCount != 1 || item.Error == nil || *item.Error != "boom" {
		t.Fatalf("expected retry count and error recorded, got %+v", item)
	}

	old, _ := q.Enqueue(ctx, EnqueueParams{UserID: "u", Message: "late"})
	*now = now.Add(61 * time.Minute)
	if out, _ := d.Drain(ctx, old.ID); out != OutcomeExpired {
		t.Fatalf("expected expired, got %s", out)
	}
}

func TestRedeliver_RequeuesOldItems(t *testing.T) {
	disp := &recordingDispatcher{}
	q, now := newTestQueue(t, disp)
	ctx := context.Background()

	res, _ := q.Enqueue(ctx, EnqueueParams{UserID: "u", Message: "m"})
	disp.ids = nil

	if n, _ := q.Redeliver(ctx, time.Minute, 10); n != 0 {
		t.Fatalf("fresh items should not be redelivered, got %d", n)
	}
	*now = now.Add(2 * time.Minute)
	n, err := q.Redeliver(ctx, time.Minute, 10)
	if err != nil || n != 1 || disp.ids[0] != res.ID {
		t.Fatalf("expected redelivery of %s, got %d %v %v", res.ID, n, disp.ids, err)
	}
}

func TestRedeliver_LeavesParkedRetryAlone(t *testing.T) {
	disp := &recordingDispatcher{}
	q, now := newTestQueue(t, disp)
	ctx := context.Background()

	res, _ := q.Enqueue(ctx, EnqueueParams{UserID: "u", Message: "m"})
	// a throttled drain releases the item and parks it for five minutes
	if ok, _ := q.Claim(ctx, res.ID); !ok {
		t.Fatalf("claim failed")
	}
	if err := q.Release(ctx, res.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := q.Retry(ctx, res.ID, 5*time.Minute); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(disp.retries) != 1 {
		t.Fatalf("expected one parked copy, got %v", disp.retries)
	}
	disp.ids = nil

	for i := 0; i < 5; i++ {
		*now = now.Add(time.Minute)
		if n, err := q.Redeliver(ctx, 2*time.Minute, 10); n != 0 || err != nil {
			t.Fatalf("minute %d: parked item redelivered (%d, %v)", i+1, n, err)
		}
	}

	// the parked copy never arrived
	*now = now.Add(3 * time.Minute)
	if n, _ := q.Redeliver(ctx, 2*time.Minute, 10); n != 1 {
		t.Fatalf("overdue item should be redelivered once, got %d", n)
	}
	if n, _ := q.Redeliver(ctx, 2*time.Minute, 10); n != 0 {
		t.Fatalf("item just redelivered must wait, got %d", n)
	}
	if len(disp.ids) != 1 || disp.ids[0] != res.ID {
		t.Fatalf("unexpected dispatches %v", disp.ids)
	}
}

func TestCleanup_RequeuesStaleProcessing(t *testing.T) {
	disp := &recordingDispatcher{}
	q, now := newTestQueue(t, disp)
	ctx := context.Background()

	stuck, _ := q.Enqueue(ctx, EnqueueParams{UserID: "u", Message: "stuck"})
	if ok, _ := q.Claim(ctx, stuck.ID); !ok {
		t.Fatalf("claim failed")
	}

	*now = now.Add(4 * time.Minute)
	busy, _ := q.Enqueue(ctx, EnqueueParams{UserID: "u", Message: "busy"})
	if ok, _ := q.Claim(ctx, busy.ID); !ok {
		t.Fatalf("claim failed")
	}

	*now = now.Add(2 * time.Minute)
	st, err := q.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if st.Requeued != 1 {
		t.Fatalf("expected one stale item requeued, got %+v", st)
	}
	item, _ := q.Get(ctx, stuck.ID)
	if item.Status != StatusQueued || item.DeliverAt != nil {
		t.Fatalf("stale item should be queued with no pending delivery, got %+v", item)
	}
	if item, _ := q.Get(ctx, busy.ID); item.Status != StatusProcessing {
		t.Fatalf("recent claim must stay processing, got %s", item.Status)
	}

	disp.ids = nil
	*now = now.Add(2 * time.Minute)
	if n, _ := q.Redeliver(ctx, time.Minute, 10); n != 1 || disp.ids[0] != stuck.ID {
		t.Fatalf("requeued item should be redelivered, got %d %v", n, disp.ids)
	}
}
