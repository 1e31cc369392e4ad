package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/suPer8Hu/copilot/internal/common"
)

var ErrNotFound = errors.New("queued request not found")

// Dispatcher hands a queued id to the drain workers. Retry hands it over
// again once delay has passed.
type Dispatcher interface {
	Dispatch(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, delay time.Duration) error
}

type Options struct {
	// ServiceTime is the per-item estimate used for ETA. It is a rough
	// guide for the client, not a scheduling promise.
	ServiceTime time.Duration
	Expiry      time.Duration
	Retention   time.Duration

	// ProcessingTimeout is how long an item may sit in processing before
	// cleanup assumes its worker died and queues it again.
	ProcessingTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		ServiceTime: 2 * time.Second,
		Expiry:      time.Hour,
		Retention:   24 * time.Hour,

		ProcessingTimeout: 5 * time.Minute,
	}
}

type Queue struct {
	repo     *Repo
	dispatch Dispatcher
	opts     Options
	now      func() time.Time
}

// New builds a Queue. dispatch may be nil, in which case items are only
// picked up by the periodic redelivery sweep.
func New(repo *Repo, dispatch Dispatcher, opts Options) *Queue {
	def := DefaultOptions()
	if opts.ServiceTime <= 0 {
		opts.ServiceTime = def.ServiceTime
	}
	if opts.Expiry <= 0 {
		opts.Expiry = def.Expiry
	}
	if opts.Retention <= 0 {
		opts.Retention = def.Retention
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = def.ProcessingTimeout
	}
	return &Queue{repo: repo, dispatch: dispatch, opts: opts, now: time.Now}
}

type EnqueueParams struct {
	UserID          string
	ConnectionRef   string
	Message         string
	ConversationRef *string
}

type EnqueueResult struct {
	ID        string        `json:"id"`
	Position  int64         `json:"position"`
	ETA       time.Duration `json:"eta"`
	QueuedAt  time.Time     `json:"queued_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*EnqueueResult, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return nil, errors.New("enqueue: user id is required")
	}
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	now := q.now().UTC()
	item := &QueuedRequest{
		ID:              id,
		UserID:          p.UserID,
		ConnectionRef:   p.ConnectionRef,
		Message:         p.Message,
		ConversationRef: p.ConversationRef,
		Status:          StatusQueued,
		QueuedAt:        now,
		ExpiresAt:       now.Add(q.opts.Expiry),
	}
	if err := q.repo.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	// counted after insert, so both totals include this item
	global, err := q.repo.CountQueued(ctx)
	if err != nil {
		return nil, fmt.Errorf("enqueue: count queued: %w", err)
	}
	mine, err := q.repo.CountQueuedByUser(ctx, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("enqueue: count user queued: %w", err)
	}
	position := global - mine + 1
	if position < 1 {
		position = 1
	}

	if q.dispatch != nil {
		if err := q.dispatch.Dispatch(ctx, id); err != nil {
			slog.Warn("queue dispatch failed, left for redelivery", "request_id", id, "error", err)
		} else if err := q.repo.MarkDelivering(ctx, id, now); err != nil {
			slog.Warn("queue delivery mark failed", "request_id", id, "error", err)
		}
	}

	return &EnqueueResult{
		ID:        id,
		Position:  position,
		ETA:       time.Duration(position) * q.opts.ServiceTime,
		QueuedAt:  now,
		ExpiresAt: item.ExpiresAt,
	}, nil
}

// Cancel removes a request that has not started processing. It is a no-op
// returning false for other users' items or items already picked up.
func (q *Queue) Cancel(ctx context.Context, id, userID string) (bool, error) {
	return q.repo.DeleteQueued(ctx, id, userID)
}

func (q *Queue) Get(ctx context.Context, id string) (*QueuedRequest, error) {
	return q.repo.Get(ctx, id)
}

// Claim marks id as processing. Only one caller can win.
func (q *Queue) Claim(ctx context.Context, id string) (bool, error) {
	return q.repo.Transition(ctx, id, StatusQueued, StatusProcessing, q.now().UTC())
}

// Release puts a claimed item back in the queue for a later attempt.
func (q *Queue) Release(ctx context.Context, id string) error {
	_, err := q.repo.Transition(ctx, id, StatusProcessing, StatusQueued, q.now().UTC())
	return err
}

// Retry parks a released item with the dispatcher for delay. The redelivery
// sweep leaves it alone until that copy is due.
func (q *Queue) Retry(ctx context.Context, id string, delay time.Duration) error {
	if q.dispatch == nil {
		return errors.New("retry: no dispatcher")
	}
	if err := q.dispatch.Retry(ctx, id, delay); err != nil {
		return err
	}
	return q.repo.MarkDelivering(ctx, id, q.now().UTC().Add(delay))
}

func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.repo.MarkCompleted(ctx, id, q.now().UTC())
}

func (q *Queue) Fail(ctx context.Context, id, errMsg string) error {
	return q.repo.MarkFailed(ctx, id, errMsg, q.now().UTC())
}

func (q *Queue) Expired(item *QueuedRequest) bool {
	return q.now().UTC().After(item.ExpiresAt)
}

type CleanupStats struct {
	Requeued int64
	Expired  int64
	Purged   int64
}

// Cleanup queues again items whose worker went quiet, fails stale queued
// items and purges finished ones past retention.
func (q *Queue) Cleanup(ctx context.Context) (CleanupStats, error) {
	now := q.now().UTC()
	var st CleanupStats
	var err error
	if st.Requeued, err = q.repo.RequeueStale(ctx, now.Add(-q.opts.ProcessingTimeout), now); err != nil {
		return st, fmt.Errorf("requeue stale: %w", err)
	}
	if st.Expired, err = q.repo.ExpireQueued(ctx, now); err != nil {
		return st, fmt.Errorf("expire queued: %w", err)
	}
	if st.Purged, err = q.repo.PurgeFinished(ctx, now.Add(-q.opts.Retention)); err != nil {
		return st, fmt.Errorf("purge finished: %w", err)
	}
	return st, nil
}

// Redeliver re-dispatches items that have waited longer than minAge and
// whose last broker copy is at least minAge overdue, for deliveries lost
// between enqueue and the broker.
func (q *Queue) Redeliver(ctx context.Context, minAge time.Duration, limit int) (int, error) {
	if q.dispatch == nil {
		return 0, nil
	}
	now := q.now().UTC()
	items, err := q.repo.ListQueued(ctx, now.Add(-minAge), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if err := q.dispatch.Dispatch(ctx, it.ID); err != nil {
			return n, fmt.Errorf("redeliver %s: %w", it.ID, err)
		}
		if err := q.repo.MarkDelivering(ctx, it.ID, now); err != nil {
			return n, fmt.Errorf("redeliver %s: %w", it.ID, err)
		}
		n++
	}
	return n, nil
}
