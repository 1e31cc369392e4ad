package copilot

import (
	"context"
	"fmt"

	"github.com/suPer8Hu/copilot/internal/queue"
)

// QueuedProcessor runs drained queue items through the single-step path.
type QueuedProcessor struct {
	orch       *Orchestrator
	emitterFor func(item *queue.QueuedRequest) Emitter
}

// NewQueuedProcessor returns a queue.Processor. emitterFor may be nil, in
// which case events are discarded.
func NewQueuedProcessor(orch *Orchestrator, emitterFor func(item *queue.QueuedRequest) Emitter) *QueuedProcessor {
	return &QueuedProcessor{orch: orch, emitterFor: emitterFor}
}

func (p *QueuedProcessor) ProcessQueued(ctx context.Context, item *queue.QueuedRequest) error {
	req := Request{
		RequestID:     item.ID,
		UserID:        item.UserID,
		ConnectionRef: item.ConnectionRef,
		Message:       item.Message,
	}
	if item.ConversationRef != nil {
		req.ConversationID = *item.ConversationRef
	}

	var em Emitter
	if p.emitterFor != nil {
		em = p.emitterFor(item)
	}
	resp, err := p.orch.ProcessSingle(ctx, req, em)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("step %d: %s", resp.StepsExecuted, resp.Error.Kind)
	}
	return nil
}
