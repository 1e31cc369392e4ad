package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/copilot/internal/analytics"
	"github.com/suPer8Hu/copilot/internal/app"
	"github.com/suPer8Hu/copilot/internal/config"
	"github.com/suPer8Hu/copilot/internal/copilot"
	"github.com/suPer8Hu/copilot/internal/logging"
	"github.com/suPer8Hu/copilot/internal/queue"
)

type worker struct {
	drainer   *queue.Drainer
	queue     *queue.Queue
	analytics *analytics.Emitter
	retry     time.Duration
}

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

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go a.Analytics.Run(bgCtx)

	// events for queued items reach the client through whichever API
	// instance holds its websocket
	proc := copilot.NewQueuedProcessor(a.Orchestrator, func(item *queue.QueuedRequest) copilot.Emitter {
		return a.Relay.Emitter(item.ConnectionRef)
	})
	w := &worker{
		drainer:   queue.NewDrainer(a.Queue, a.Limiter, proc),
		queue:     a.Queue,
		analytics: a.Analytics,
		retry:     cfg.RedeliverDelay,
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		slog.Error("rabbit dial", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		slog.Error("rabbit channel", "error", err)
		os.Exit(1)
	}
	defer ch.Close()

	if err := queue.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		slog.Error("queue declare", "error", err)
		os.Exit(1)
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		slog.Error("qos", "error", err)
		os.Exit(1)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		slog.Error("consume", "error", err)
		os.Exit(1)
	}

	metricsSrv := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	slog.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				w.handle(ctx, workerID, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = metricsSrv.Shutdown(shutdownCtx)
			cancel()
			bgCancel()
			a.Analytics.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				slog.Warn("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

// handle drains one delivery. Throttled items are parked on the retry queue
// and acked; storage faults are nacked to the DLQ and the redelivery sweep
// picks the item up again while it is still queued.
func (w *worker) handle(ctx context.Context, workerID int, d amqp.Delivery) {
	var m queue.Delivery
	if err := json.Unmarshal(d.Body, &m); err != nil || m.RequestID == "" {
		slog.Warn("bad message", "worker", workerID, "error", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	outcome, err := w.drainer.Drain(ctx, m.RequestID)
	cost := time.Since(start)

	switch {
	case errors.Is(err, queue.ErrThrottled):
		if rerr := w.queue.Retry(ctx, m.RequestID, w.retry); rerr != nil {
			slog.Error("retry publish failed", "worker", workerID, "request_id", m.RequestID, "error", rerr)
			_ = d.Nack(false, false)
			return
		}
	case err != nil:
		slog.Error("drain failed", "worker", workerID, "request_id", m.RequestID, "cost", cost, "error", err)
		_ = d.Nack(false, false)
		return
	}

	w.analytics.Emit(analytics.Event{Type: analytics.EventDrained, Outcome: string(outcome), Duration: cost})
	if cost > 2*time.Second {
		slog.Info("drain_timing", "worker", workerID, "request_id", m.RequestID, "outcome", outcome, "cost", cost)
	}
	if err := d.Ack(false); err != nil {
		slog.Warn("ack failed", "worker", workerID, "request_id", m.RequestID, "error", err)
	}
}
