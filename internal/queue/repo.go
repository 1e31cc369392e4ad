package queue

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, q *QueuedRequest) error {
	return r.db.WithContext(ctx).Create(q).Error
}

func (r *Repo) Get(ctx context.Context, id string) (*QueuedRequest, error) {
	var q QueuedRequest
	if err := r.db.WithContext(ctx).First(&q, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &q, nil
}

func (r *Repo) CountQueued(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&QueuedRequest{}).
		Where("status = ?", StatusQueued).
		Count(&n).Error
	return n, err
}

func (r *Repo) CountQueuedByUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&QueuedRequest{}).
		Where("status = ? AND user_id = ?", StatusQueued, userID).
		Count(&n).Error
	return n, err
}

// DeleteQueued removes the item only while it is still queued and owned by userID.
func (r *Repo) DeleteQueued(ctx context.Context, id, userID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND status = ?", id, userID, StatusQueued).
		Delete(&QueuedRequest{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Transition moves id from one status to another. It reports false when the
// item was not in the expected status, so only one caller wins a claim.
func (r *Repo) Transition(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&QueuedRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&QueuedRequest{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       StatusCompleted,
			"error":        nil,
			"completed_at": at,
			"updated_at":   at,
		}).Error
}

func (r *Repo) MarkFailed(ctx context.Context, id, errMsg string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&QueuedRequest{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       StatusFailed,
			"error":        errMsg,
			"retry_count":  gorm.Expr("retry_count + 1"),
			"completed_at": at,
			"updated_at":   at,
		}).Error
}

// MarkDelivering records when the latest broker copy of id becomes
// deliverable.
func (r *Repo) MarkDelivering(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&QueuedRequest{}).
		Where("id = ?", id).
		UpdateColumn("deliver_at", at).Error
}

// RequeueStale moves items stuck in processing since before cutoff back to
// queued and forgets their delivery, so the next sweep dispatches them.
func (r *Repo) RequeueStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&QueuedRequest{}).
		Where("status = ? AND updated_at < ?", StatusProcessing, cutoff).
		Updates(map[string]any{
			"status":     StatusQueued,
			"deliver_at": nil,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

// ExpireQueued fails queued items whose expiry has passed.
func (r *Repo) ExpireQueued(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&QueuedRequest{}).
		Where("status = ? AND expires_at < ?", StatusQueued, now).
		Updates(map[string]any{
			"status":       StatusFailed,
			"error":        "expired",
			"completed_at": now,
			"updated_at":   now,
		})
	return res.RowsAffected, res.Error
}

// PurgeFinished deletes completed and failed items finished before cutoff.
func (r *Repo) PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", []Status{StatusCompleted, StatusFailed}, cutoff).
		Delete(&QueuedRequest{})
	return res.RowsAffected, res.Error
}

// ListQueued returns queued items oldest first, skipping those with a broker
// copy still due after cutoff.
func (r *Repo) ListQueued(ctx context.Context, cutoff time.Time, limit int) ([]QueuedRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []QueuedRequest
	err := r.db.WithContext(ctx).
		Where("status = ? AND queued_at < ?", StatusQueued, cutoff).
		Where("deliver_at IS NULL OR deliver_at < ?", cutoff).
		Order("queued_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
