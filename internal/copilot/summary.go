package copilot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/copilot/internal/ai"
	"github.com/suPer8Hu/copilot/internal/conversation"
)

// summarizeSteps renders the multi-step reply: one line per attempted step,
// plus a note on the steps that were not run.
func summarizeSteps(resp *Response) string {
	var b strings.Builder
	ok := 0
	for _, s := range resp.Steps {
		if s.Status == StepSucceeded {
			ok++
		}
	}
	fmt.Fprintf(&b, "Completed %d of %d steps.\n", ok, resp.TotalSteps)
	for _, s := range resp.Steps {
		switch s.Status {
		case StepSucceeded:
			fmt.Fprintf(&b, "%d. Done: %s\n", s.Index, stepLine(s))
		case StepClarification:
			fmt.Fprintf(&b, "%d. Needs input: %s\n", s.Index, s.Question)
		default:
			fmt.Fprintf(&b, "%d. Failed: %s\n", s.Index, failureText(&s))
		}
	}
	if skipped := resp.TotalSteps - len(resp.Steps); skipped > 0 {
		fmt.Fprintf(&b, "Stopped before the remaining %d step(s). Steps already done were kept.", skipped)
	}
	return strings.TrimRight(b.String(), "\n")
}

func stepLine(s StepResult) string {
	if s.Message != "" {
		return s.Message
	}
	return s.Text
}

func failureText(s *StepResult) string {
	if s.Error != nil {
		if len(s.Error.Details) > 0 {
			return s.Error.Message + " (" + strings.Join(s.Error.Details, "; ") + ")"
		}
		return s.Error.Message
	}
	if s.Message != "" {
		return s.Message
	}
	return userErrors[KindGeneric].Message
}

func clarificationReply(resp *Response) string {
	if len(resp.Steps) == 1 {
		return resp.Steps[0].Question
	}
	return summarizeSteps(resp)
}

// refreshMetadata records the last intent and, every SummaryEvery messages,
// a fresh conversation summary. Failures are logged and ignored.
func (o *Orchestrator) refreshMetadata(ctx context.Context, r *run, lastIntent string) {
	meta := conversation.DecodeMetadata(r.conv.Metadata)
	changed := false
	if lastIntent != "" && lastIntent != meta.LastIntent {
		meta.LastIntent = lastIntent
		changed = true
	}

	count := r.conv.MessageCount + 2
	every := int64(o.cfg.SummaryEvery)
	if count/every > meta.SummarizedAt/every {
		msgs, err := o.conversations.GetHistory(ctx, r.conv.ID, o.cfg.SummaryEvery)
		if err == nil {
			history := make([]ai.Message, 0, len(msgs)+1)
			if meta.Summary != "" {
				history = append(history, ai.Message{Role: ai.RoleSystem, Content: "Earlier summary: " + meta.Summary})
			}
			for _, m := range msgs {
				history = append(history, ai.Message{Role: m.Role, Content: m.Content})
			}
			var summary string
			summary, err = o.lm.Summarize(ctx, history)
			if err == nil && strings.TrimSpace(summary) != "" {
				meta.Summary = strings.TrimSpace(summary)
				meta.SummarizedAt = count
				changed = true
			}
		}
		if err != nil {
			r.log.Warn("conversation summary skipped", "conversation_id", r.conv.ID, "error", err)
		}
	}

	if !changed {
		return
	}
	meta.UpdatedAt = time.Now().UTC()
	if err := o.conversations.UpdateMetadata(ctx, r.conv.ID, meta.Encode()); err != nil {
		r.log.Warn("update conversation metadata failed", "conversation_id", r.conv.ID, "error", err)
	}
}
