// Package app assembles the copilot pipeline from configuration. The API
// server and the queue worker share it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/suPer8Hu/copilot/internal/actions"
	"github.com/suPer8Hu/copilot/internal/ai"
	"github.com/suPer8Hu/copilot/internal/analytics"
	"github.com/suPer8Hu/copilot/internal/config"
	"github.com/suPer8Hu/copilot/internal/conversation"
	"github.com/suPer8Hu/copilot/internal/copilot"
	"github.com/suPer8Hu/copilot/internal/db"
	"github.com/suPer8Hu/copilot/internal/intent"
	"github.com/suPer8Hu/copilot/internal/metrics"
	"github.com/suPer8Hu/copilot/internal/queue"
	"github.com/suPer8Hu/copilot/internal/ratelimit"
	"github.com/suPer8Hu/copilot/internal/reference"
	"github.com/suPer8Hu/copilot/internal/transport"
)

type App struct {
	Config     config.Config
	InstanceID string

	DB        *gorm.DB
	Redis     *redis.Client
	Publisher *queue.Publisher

	Registry      *prometheus.Registry
	Metrics       *metrics.Metrics
	Analytics     *analytics.Emitter
	Conversations *conversation.CachedStore
	Limiter       *ratelimit.Limiter
	Intents       *intent.Resolver
	Queue         *queue.Queue
	Orchestrator  *copilot.Orchestrator
	Relay         *transport.Relay
}

// New connects the stores and builds the pipeline. Close releases what New
// opened.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg, InstanceID: uuid.NewString()}

	// 1) storage
	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb, &conversation.Conversation{}, &conversation.Message{}, &queue.QueuedRequest{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.DB = gdb

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	a.Publisher, err = queue.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("rabbit: %w", err)
	}

	// 2) observability
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)
	a.Analytics = analytics.NewEmitter(cfg.AnalyticsBuffer, a.Metrics)

	// 3) model
	reg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(reg); err != nil {
		a.Close()
		return nil, err
	}
	provider, err := providers(cfg).Get(ctx, cfg.AIProvider, "")
	if err != nil {
		a.Close()
		return nil, err
	}
	retry := ai.DefaultRetryPolicy()
	retry.MaxRetries = cfg.AIMaxRetries
	lm := ai.NewClient(provider,
		ai.WithTimeout(cfg.AITimeout),
		ai.WithRetryPolicy(retry),
		ai.WithRateLimit(cfg.AIRequestsPerSec, max(1, int(cfg.AIRequestsPerSec))),
		ai.WithIntentCatalog(reg.IntentSpecs()),
		ai.WithHistoryWindow(cfg.ChatContextWindowSize),
	)

	// 4) pipeline
	a.Conversations = conversation.NewCachedStore(conversation.NewRepo(gdb), 5*time.Minute)
	a.Limiter = ratelimit.New(ratelimit.NewRedisRepository(a.Redis), ratelimit.Config{
		Window:          cfg.RateWindow,
		MaxMessages:     cfg.RateMaxMessages,
		Burst:           cfg.RateBurst,
		DailyTokenQuota: cfg.DailyTokenQuota,
	})
	a.Intents = intent.NewResolver(lm, reg, intent.NewClarificationStore(cfg.ClarificationTimeout), intent.Config{
		MinConfidence: cfg.MinConfidence,
		ConfirmBelow:  cfg.ConfirmBelow,
		MaxAttempts:   cfg.MaxClarifications,
	})
	a.Queue = queue.New(queue.NewRepo(gdb), a.Publisher, queue.Options{
		ServiceTime: cfg.QueueServiceTime,
		Expiry:      cfg.QueueExpiry,
		Retention:   cfg.QueueRetention,

		ProcessingTimeout: cfg.QueueProcessingTimeout,
	})
	a.Orchestrator = copilot.New(
		a.Conversations,
		reference.NewResolver(cfg.EntityMaxAge),
		a.Intents,
		reg,
		lm,
		a.Limiter,
		a.Analytics,
		copilot.Config{
			MaxMessageLength: cfg.MaxMessageLength,
			MaxSteps:         cfg.MaxSteps,
			HistoryLimit:     cfg.ChatContextWindowSize,
			SummaryEvery:     cfg.SummaryEvery,
		},
	)
	a.Relay = transport.NewRelay(a.Redis, a.InstanceID)

	slog.Info("copilot assembled", "instance", a.InstanceID, "provider", cfg.AIProvider, "db", cfg.DBDriver)
	return a, nil
}

// providers registers every backend the config can select.
func providers(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		p := ai.NewOllamaProvider(cfg.OllamaBaseURL, m)
		p.Temperature = cfg.AITemperature
		return p, nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		p := ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName)
		p.Temperature = cfg.AITemperature
		return p, nil
	})
	return reg
}

func (a *App) Close() {
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			slog.Warn("rabbit close failed", "error", err)
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
