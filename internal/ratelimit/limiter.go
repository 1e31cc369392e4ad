package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Record is the per-user admission state.
type Record struct {
	MessageCount       int
	MessageWindowStart time.Time
	TokenCount         int64
	TokenWindowStart   time.Time // UTC midnight
}

// Repository persists records. Get returns (nil, nil) for unknown users.
type Repository interface {
	Get(ctx context.Context, userID string) (*Record, error)
	Save(ctx context.Context, userID string, rec *Record) error
}

type Config struct {
	Window          time.Duration
	MaxMessages     int
	Burst           int
	DailyTokenQuota int64
}

func DefaultConfig() Config {
	return Config{
		Window:          60 * time.Second,
		MaxMessages:     20,
		Burst:           5,
		DailyTokenQuota: 100000,
	}
}

type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int64         `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after"`
}

// Limiter enforces a per-user message window and a daily token quota.
//
// Reads and writes are not coordinated across requests, so concurrent
// requests from one user can overshoot the burst allowance slightly.
// Storage failures admit the request.
type Limiter struct {
	repo Repository
	cfg  Config
	now  func() time.Time
}

type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(repo Repository, cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.Burst < 0 {
		cfg.Burst = 0
	}
	if cfg.DailyTokenQuota <= 0 {
		cfg.DailyTokenQuota = def.DailyTokenQuota
	}
	l := &Limiter{repo: repo, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CheckMessageRate admits and counts one message if the user is under
// MaxMessages+Burst for the current window.
func (l *Limiter) CheckMessageRate(ctx context.Context, userID string) Result {
	now := l.now()
	limit := int64(l.cfg.MaxMessages + l.cfg.Burst)

	rec, err := l.load(ctx, userID, now)
	if err != nil {
		slog.Warn("rate limit read failed, admitting", "user_id", userID, "error", err)
		return Result{Allowed: true, Remaining: limit, ResetAt: now.Add(l.cfg.Window)}
	}

	if now.Sub(rec.MessageWindowStart) >= l.cfg.Window {
		rec.MessageCount = 0
		rec.MessageWindowStart = now
	}
	resetAt := rec.MessageWindowStart.Add(l.cfg.Window)

	if int64(rec.MessageCount) >= limit {
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	rec.MessageCount++
	if err := l.repo.Save(ctx, userID, rec); err != nil {
		slog.Warn("rate limit write failed", "user_id", userID, "error", err)
	}
	return Result{Allowed: true, Remaining: limit - int64(rec.MessageCount), ResetAt: resetAt}
}

// CheckTokenRate reports whether estimated more tokens fit in today's quota.
// It does not consume quota; see RecordTokenUsage.
func (l *Limiter) CheckTokenRate(ctx context.Context, userID string, estimated int64) Result {
	now := l.now()
	resetAt := dayStart(now).Add(24 * time.Hour)

	rec, err := l.load(ctx, userID, now)
	if err != nil {
		slog.Warn("token quota read failed, admitting", "user_id", userID, "error", err)
		return Result{Allowed: true, Remaining: l.cfg.DailyTokenQuota, ResetAt: resetAt}
	}
	l.rollDay(rec, now)

	remaining := l.cfg.DailyTokenQuota - rec.TokenCount
	if remaining < 0 {
		remaining = 0
	}
	if estimated < 0 {
		estimated = 0
	}
	if rec.TokenCount+estimated > l.cfg.DailyTokenQuota {
		return Result{Allowed: false, Remaining: remaining, ResetAt: resetAt, RetryAfter: resetAt.Sub(now)}
	}
	return Result{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}

// RecordTokenUsage adds actual to today's usage. Repeated calls accumulate.
func (l *Limiter) RecordTokenUsage(ctx context.Context, userID string, actual int64) error {
	if actual <= 0 {
		return nil
	}
	now := l.now()
	rec, err := l.load(ctx, userID, now)
	if err != nil {
		slog.Warn("token usage read failed", "user_id", userID, "error", err)
		return err
	}
	l.rollDay(rec, now)
	rec.TokenCount += actual
	if err := l.repo.Save(ctx, userID, rec); err != nil {
		slog.Warn("token usage write failed", "user_id", userID, "tokens", actual, "error", err)
		return err
	}
	return nil
}

// Usage returns the stored record without modifying it.
func (l *Limiter) Usage(ctx context.Context, userID string) (Record, error) {
	now := l.now()
	rec, err := l.load(ctx, userID, now)
	if err != nil {
		return Record{}, err
	}
	l.rollDay(rec, now)
	return *rec, nil
}

func (l *Limiter) load(ctx context.Context, userID string, now time.Time) (*Record, error) {
	rec, err := l.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &Record{MessageWindowStart: now, TokenWindowStart: dayStart(now)}
	}
	return rec, nil
}

func (l *Limiter) rollDay(rec *Record, now time.Time) {
	if today := dayStart(now); rec.TokenWindowStart.Before(today) {
		rec.TokenCount = 0
		rec.TokenWindowStart = today
	}
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CountTokens approximates the token count of text at four characters per token.
func CountTokens(text string) int64 {
	n := int64(len([]rune(text)))
	return (n + 3) / 4
}

// EstimateTokens is the admission estimate for answering text: its own
// tokens plus a fixed reply allowance.
func EstimateTokens(text string) int64 {
	const replyAllowance = 256
	return CountTokens(text) + replyAllowance
}
