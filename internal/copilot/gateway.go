package copilot

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/suPer8Hu/copilot/internal/analytics"
	"github.com/suPer8Hu/copilot/internal/common"
	"github.com/suPer8Hu/copilot/internal/logging"
	"github.com/suPer8Hu/copilot/internal/queue"
	"github.com/suPer8Hu/copilot/internal/ratelimit"
)

// Gateway is the admission front of the pipeline. Over-quota messages are
// queued, never dropped.
type Gateway struct {
	orch      *Orchestrator
	limiter   *ratelimit.Limiter
	queue     *queue.Queue
	analytics *analytics.Emitter
}

func NewGateway(orch *Orchestrator, limiter *ratelimit.Limiter, q *queue.Queue, an *analytics.Emitter) *Gateway {
	return &Gateway{orch: orch, limiter: limiter, queue: q, analytics: an}
}

// Outcome is what happened to one inbound message: either it was processed
// (Response) or deferred (Queued).
type Outcome struct {
	Response *Response            `json:"response,omitempty"`
	Queued   *queue.EnqueueResult `json:"queued,omitempty"`
}

func (g *Gateway) Handle(ctx context.Context, req Request, em Emitter) (*Outcome, error) {
	if req.RequestID == "" {
		req.RequestID = common.NewUUID()
	}
	if req.ConnectionRef == "" {
		req.ConnectionRef = defaultConnection
	}
	logger := logging.WithRequest(req.RequestID, req.UserID, req.ConnectionRef)
	out := &guard{em: em, log: logger}

	if _, err := g.orch.Validate(req); err != nil {
		out.emit(ctx, Event{Type: EventError, RequestID: req.RequestID, Error: Translate(err)})
		return nil, err
	}
	out.emit(ctx, Event{Type: EventAck, RequestID: req.RequestID, ConversationID: req.ConversationID})

	if res := g.limiter.CheckMessageRate(ctx, req.UserID); !res.Allowed {
		logger.Info("message rate exceeded; queueing", "retry_after", res.RetryAfter)
		return g.enqueue(ctx, req, out, res, "You're sending messages faster than I can handle.")
	}
	if res := g.limiter.CheckTokenRate(ctx, req.UserID, ratelimit.EstimateTokens(req.Message)); !res.Allowed {
		logger.Info("daily token quota reached; queueing", "reset_at", res.ResetAt)
		return g.enqueue(ctx, req, out, res, "You've used today's processing allowance.")
	}

	resp, err := g.orch.Process(ctx, req, em)
	if err != nil {
		return nil, err
	}
	return &Outcome{Response: resp}, nil
}

func (g *Gateway) enqueue(ctx context.Context, req Request, out *guard, res ratelimit.Result, reason string) (*Outcome, error) {
	p := queue.EnqueueParams{UserID: req.UserID, ConnectionRef: req.ConnectionRef, Message: req.Message}
	if req.ConversationID != "" {
		cid := req.ConversationID
		p.ConversationRef = &cid
	}
	enq, err := g.queue.Enqueue(ctx, p)
	if err != nil {
		out.emit(ctx, Event{Type: EventError, RequestID: req.RequestID, Error: Translate(err)})
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	eta := int64(math.Ceil(enq.ETA.Seconds()))
	out.emit(ctx, Event{
		Type:      EventQueued,
		RequestID: req.RequestID,
		Queue: &QueuedNotice{
			ID:                enq.ID,
			Position:          enq.Position,
			ETASeconds:        eta,
			RetryAfterSeconds: int64(math.Ceil(res.RetryAfter.Seconds())),
			Message:           fmt.Sprintf("%s Your request is number %d in line and should start in about %ds.", reason, enq.Position, eta),
		},
	})
	g.analytics.Emit(analytics.Event{Type: analytics.EventQueued, UserID: req.UserID, At: time.Now()})
	return &Outcome{Queued: enq}, nil
}
