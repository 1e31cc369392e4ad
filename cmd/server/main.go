package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/copilot/internal/app"
	"github.com/suPer8Hu/copilot/internal/config"
	"github.com/suPer8Hu/copilot/internal/copilot"
	"github.com/suPer8Hu/copilot/internal/httpapi"
	"github.com/suPer8Hu/copilot/internal/httpapi/handlers"
	"github.com/suPer8Hu/copilot/internal/jobs"
	"github.com/suPer8Hu/copilot/internal/logging"
	"github.com/suPer8Hu/copilot/internal/transport"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// analytics outlives the request context so buffered events flush
	bgCtx, bgCancel := context.WithCancel(context.Background())
	go a.Analytics.Run(bgCtx)

	hub := transport.NewHub(a.Relay)
	go func() {
		if err := a.Relay.Run(ctx, hub.Deliver); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("event relay stopped", "error", err)
		}
	}()

	runner, err := jobs.New(a.Intents, a.Queue, jobs.Config{
		ClarificationSweep: time.Minute,
		QueueCleanup:       5 * time.Minute,
		Redeliver:          cfg.RedeliverDelay * 3,
		RedeliverAge:       cfg.RedeliverDelay * 6,
		RedeliverBatch:     100,
	})
	if err != nil {
		slog.Error("scheduler init failed", "error", err)
		os.Exit(1)
	}
	runner.Start()

	gw := copilot.NewGateway(a.Orchestrator, a.Limiter, a.Queue, a.Analytics)
	h := handlers.NewHandler(gw, a.Queue, a.Conversations, a.Limiter, hub)
	r := httpapi.NewRouter(cfg, h, a.Metrics, a.Registry)

	// no WriteTimeout: websocket connections are long lived
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr, "instance", a.InstanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := runner.Shutdown(); err != nil {
		slog.Warn("scheduler shutdown", "error", err)
	}
	bgCancel()
	a.Analytics.Wait()
	slog.Info("server stopped")
}
