package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/suPer8Hu/copilot/internal/ratelimit"
)

// ErrThrottled means the item was released back to the queue because its
// owner is still over quota.
var ErrThrottled = errors.New("still throttled")

// Processor runs a queued message through the single-step pipeline.
type Processor interface {
	ProcessQueued(ctx context.Context, req *QueuedRequest) error
}

type QuotaChecker interface {
	CheckMessageRate(ctx context.Context, userID string) ratelimit.Result
	CheckTokenRate(ctx context.Context, userID string, estimated int64) ratelimit.Result
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeExpired   Outcome = "expired"
	OutcomeThrottled Outcome = "throttled"
	// OutcomeSkipped: the item was gone or already claimed elsewhere.
	OutcomeSkipped Outcome = "skipped"
)

type Drainer struct {
	queue *Queue
	quota QuotaChecker
	proc  Processor
}

func NewDrainer(q *Queue, quota QuotaChecker, proc Processor) *Drainer {
	return &Drainer{queue: q, quota: quota, proc: proc}
}

// Drain processes one queued item. A processing failure is recorded on the
// item and reported as OutcomeFailed with a nil error; the returned error is
// reserved for storage faults and ErrThrottled.
func (d *Drainer) Drain(ctx context.Context, id string) (Outcome, error) {
	claimed, err := d.queue.Claim(ctx, id)
	if err != nil {
		return "", fmt.Errorf("claim %s: %w", id, err)
	}
	if !claimed {
		return OutcomeSkipped, nil
	}

	item, err := d.queue.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return OutcomeSkipped, nil
		}
		return "", err
	}

	if d.queue.Expired(item) {
		if err := d.queue.Fail(ctx, id, "expired"); err != nil {
			return "", err
		}
		return OutcomeExpired, nil
	}

	if !d.admit(ctx, item) {
		if err := d.queue.Release(ctx, id); err != nil {
			return "", fmt.Errorf("release %s: %w", id, err)
		}
		return OutcomeThrottled, ErrThrottled
	}

	if perr := d.proc.ProcessQueued(ctx, item); perr != nil {
		slog.Warn("queued request failed", "request_id", id, "user_id", item.UserID, "error", perr)
		if err := d.queue.Fail(ctx, id, perr.Error()); err != nil {
			return "", err
		}
		return OutcomeFailed, nil
	}

	if err := d.queue.Complete(ctx, id); err != nil {
		return "", err
	}
	return OutcomeCompleted, nil
}

// admit checks the token quota first since it does not consume anything.
func (d *Drainer) admit(ctx context.Context, item *QueuedRequest) bool {
	if res := d.quota.CheckTokenRate(ctx, item.UserID, ratelimit.EstimateTokens(item.Message)); !res.Allowed {
		return false
	}
	return d.quota.CheckMessageRate(ctx, item.UserID).Allowed
}
