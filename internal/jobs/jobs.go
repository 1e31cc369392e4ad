// Package jobs runs the periodic sweeps that keep in-process and queued
// state bounded.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/suPer8Hu/copilot/internal/queue"
)

type Config struct {
	ClarificationSweep time.Duration
	QueueCleanup       time.Duration
	Redeliver          time.Duration
	// RedeliverAge is how long an item may wait before it is published again.
	RedeliverAge   time.Duration
	RedeliverBatch int
}

func DefaultConfig() Config {
	return Config{
		ClarificationSweep: time.Minute,
		QueueCleanup:       5 * time.Minute,
		Redeliver:          30 * time.Second,
		RedeliverAge:       time.Minute,
		RedeliverBatch:     100,
	}
}

// ClarificationSweeper drops abandoned clarification dialogs.
type ClarificationSweeper interface {
	CleanupExpiredContexts() int
}

type Runner struct {
	scheduler gocron.Scheduler
	sweeper   ClarificationSweeper
	queue     *queue.Queue
	cfg       Config
}

// New registers the sweeps. queue may be nil on processes that do not own
// the backlog.
func New(sweeper ClarificationSweeper, q *queue.Queue, cfg Config) (*Runner, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}
	r := &Runner{scheduler: s, sweeper: sweeper, queue: q, cfg: cfg}

	type job struct {
		name  string
		every time.Duration
		task  func()
	}
	jobs := []job{}
	if sweeper != nil {
		jobs = append(jobs, job{"clarification-sweep", cfg.ClarificationSweep, r.SweepClarifications})
	}
	if q != nil {
		jobs = append(jobs,
			job{"queue-cleanup", cfg.QueueCleanup, r.CleanupQueue},
			job{"queue-redeliver", cfg.Redeliver, r.RedeliverQueue},
		)
	}
	for _, j := range jobs {
		if j.every <= 0 {
			continue
		}
		if _, err := s.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(j.task),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			_ = s.Shutdown()
			return nil, err
		}
	}
	return r, nil
}

func (r *Runner) Start() {
	r.scheduler.Start()
	slog.Info("scheduled jobs started", "count", len(r.scheduler.Jobs()))
}

func (r *Runner) Shutdown() error {
	return r.scheduler.Shutdown()
}

func (r *Runner) Jobs() []string {
	var names []string
	for _, j := range r.scheduler.Jobs() {
		names = append(names, j.Name())
	}
	return names
}

func (r *Runner) SweepClarifications() {
	if n := r.sweeper.CleanupExpiredContexts(); n > 0 {
		slog.Info("expired clarifications removed", "count", n)
	}
}

func (r *Runner) CleanupQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	stats, err := r.queue.Cleanup(ctx)
	if err != nil {
		slog.Error("queue cleanup failed", "error", err)
		return
	}
	if stats.Expired > 0 || stats.Purged > 0 {
		slog.Info("queue cleanup", "expired", stats.Expired, "purged", stats.Purged)
	}
}

// RedeliverQueue republishes items whose broker message was lost.
func (r *Runner) RedeliverQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := r.queue.Redeliver(ctx, r.cfg.RedeliverAge, r.cfg.RedeliverBatch)
	if err != nil {
		slog.Error("queue redelivery failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("queue items redelivered", "count", n)
	}
}
