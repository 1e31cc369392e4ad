// Package copilot coordinates one user message end to end: admission,
// reference and intent resolution, step execution and the reply.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/copilot/internal/actions"
	"github.com/suPer8Hu/copilot/internal/ai"
	"github.com/suPer8Hu/copilot/internal/analytics"
	"github.com/suPer8Hu/copilot/internal/common"
	"github.com/suPer8Hu/copilot/internal/conversation"
	"github.com/suPer8Hu/copilot/internal/intent"
	"github.com/suPer8Hu/copilot/internal/logging"
	"github.com/suPer8Hu/copilot/internal/ratelimit"
	"github.com/suPer8Hu/copilot/internal/reference"
)

const defaultConnection = "default"

type Config struct {
	MaxMessageLength int
	MaxSteps         int
	HistoryLimit     int
	SummaryEvery     int
}

func DefaultConfig() Config {
	return Config{MaxMessageLength: 2000, MaxSteps: 5, HistoryLimit: 20, SummaryEvery: 20}
}

type Request struct {
	RequestID      string `json:"request_id"`
	UserID         string `json:"-"`
	ConnectionRef  string `json:"connection_ref"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	// SingleStep disables step splitting (queued requests).
	SingleStep bool `json:"-"`
}

type StepStatus string

const (
	StepSucceeded     StepStatus = "succeeded"
	StepFailed        StepStatus = "failed"
	StepClarification StepStatus = "clarification"
)

type StepResult struct {
	Index       int            `json:"index"`
	Text        string         `json:"text"`
	Intent      string         `json:"intent,omitempty"`
	Status      StepStatus     `json:"status"`
	Message     string         `json:"message,omitempty"`
	Question    string         `json:"question,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
	Error       *UserError     `json:"error,omitempty"`
}

type Response struct {
	RequestID      string       `json:"request_id"`
	ConversationID string       `json:"conversation_id"`
	Reply          string       `json:"reply"`
	Steps          []StepResult `json:"steps"`
	TotalSteps     int          `json:"total_steps"`
	StepsExecuted  int          `json:"steps_executed"`
	Clarification  bool         `json:"clarification"`
	Success        bool         `json:"success"`
	Suggestions    []string     `json:"suggestions,omitempty"`
	Error          *UserError   `json:"error,omitempty"`
	// Interrupted is set when the client went away while the reply streamed.
	Interrupted bool `json:"interrupted,omitempty"`
}

type Orchestrator struct {
	conversations conversation.Store
	references    *reference.Resolver
	intents       *intent.Resolver
	registry      *actions.Registry
	lm            ai.LanguageModel
	limiter       *ratelimit.Limiter
	analytics     *analytics.Emitter
	cfg           Config
}

func New(
	conversations conversation.Store,
	references *reference.Resolver,
	intents *intent.Resolver,
	registry *actions.Registry,
	lm ai.LanguageModel,
	limiter *ratelimit.Limiter,
	an *analytics.Emitter,
	cfg Config,
) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = def.MaxMessageLength
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.HistoryLimit <= 0 || cfg.HistoryLimit > 100 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.SummaryEvery <= 0 {
		cfg.SummaryEvery = def.SummaryEvery
	}
	return &Orchestrator{
		conversations: conversations,
		references:    references,
		intents:       intents,
		registry:      registry,
		lm:            lm,
		limiter:       limiter,
		analytics:     an,
		cfg:           cfg,
	}
}

// Validate checks a request and returns its steps. It has no side effects
// apart from expiring a stale clarification.
func (o *Orchestrator) Validate(req Request) ([]string, error) {
	msg := strings.TrimSpace(req.Message)
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return nil, &ValidationError{Field: "user", Reason: "is required"}
	case msg == "":
		return nil, &ValidationError{Field: "message", Reason: "must not be empty"}
	case utf8.RuneCountInString(msg) > o.cfg.MaxMessageLength:
		return nil, &ValidationError{Field: "message", Reason: fmt.Sprintf("must be at most %d characters", o.cfg.MaxMessageLength)}
	}

	// a reply to a pending question is never split
	if req.SingleStep || o.intents.Pending(req.UserID) {
		return []string{msg}, nil
	}
	steps := SplitSteps(msg)
	if len(steps) > o.cfg.MaxSteps {
		return nil, &ValidationError{
			Field:  "message",
			Reason: fmt.Sprintf("has %d steps; at most %d can run in one request", len(steps), o.cfg.MaxSteps),
		}
	}
	return steps, nil
}

// run holds the per-request state shared by the steps.
type run struct {
	req     Request
	conv    *conversation.Conversation
	network *actions.Network
	turns   []reference.Turn
	history []ai.Message
	log     *slog.Logger
	out     *guard
}

// ProcessSingle runs req as one step without splitting the message.
func (o *Orchestrator) ProcessSingle(ctx context.Context, req Request, em Emitter) (*Response, error) {
	req.SingleStep = true
	return o.Process(ctx, req, em)
}

// Process handles one admitted request. Steps run strictly in order and
// stop at the first clarification or failure; completed steps are not
// rolled back.
func (o *Orchestrator) Process(ctx context.Context, req Request, em Emitter) (*Response, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = common.NewUUID()
	}
	if req.ConnectionRef == "" {
		req.ConnectionRef = defaultConnection
	}
	logger := logging.WithRequest(req.RequestID, req.UserID, req.ConnectionRef)
	g := &guard{em: em, log: logger, onGone: func() {
		logger.Info("client went away; no more events will be sent")
		o.analytics.Emit(analytics.Event{Type: analytics.EventConnection, UserID: req.UserID, At: time.Now()})
	}}

	// 1) validate before touching anything
	steps, err := o.Validate(req)
	if err != nil {
		g.emit(ctx, Event{Type: EventError, RequestID: req.RequestID, Error: Translate(err)})
		return nil, err
	}

	// 2) load or open the conversation
	conv, err := o.conversationFor(ctx, req)
	if err != nil {
		g.emit(ctx, Event{Type: EventError, RequestID: req.RequestID, Error: Translate(err)})
		return nil, err
	}
	network, err := actions.DecodeNetwork(conv.Context)
	if err != nil {
		logger.Warn("stored network is unreadable; starting empty", "conversation_id", conv.ID, "error", err)
		network = &actions.Network{}
	}

	// 3) recent history, read before the new message is stored
	stored, err := o.conversations.GetHistory(ctx, conv.ID, o.cfg.HistoryLimit)
	if err != nil {
		g.emit(ctx, Event{Type: EventError, RequestID: req.RequestID, ConversationID: conv.ID, Error: Translate(err)})
		return nil, fmt.Errorf("load history: %w", err)
	}
	r := &run{
		req:     req,
		conv:    conv,
		network: network,
		turns:   toTurns(stored),
		history: o.llmHistory(conv, stored),
		log:     logger,
		out:     g,
	}

	if _, err := o.conversations.AppendMessage(ctx, conv.ID, conversation.RoleUser, strings.TrimSpace(req.Message)); err != nil {
		g.emit(ctx, Event{Type: EventError, RequestID: req.RequestID, ConversationID: conv.ID, Error: Translate(err)})
		return nil, fmt.Errorf("store user message: %w", err)
	}

	// 4) run steps
	resp := &Response{RequestID: req.RequestID, ConversationID: conv.ID, TotalSteps: len(steps)}
	lastIntent := ""
	for i, text := range steps {
		if len(steps) > 1 {
			g.emit(ctx, Event{
				Type: EventStepProgress, RequestID: req.RequestID, ConversationID: conv.ID,
				Step: &StepProgress{Index: i + 1, Total: len(steps), Text: text, Status: "running"},
			})
		}

		sr := o.runStep(ctx, r, i+1, text)
		resp.Steps = append(resp.Steps, sr)
		if sr.Intent != "" {
			lastIntent = sr.Intent
		}
		o.analytics.Emit(analytics.Event{Type: analytics.EventStep, UserID: req.UserID, Intent: sr.Intent, Outcome: string(sr.Status), At: time.Now()})

		if len(steps) > 1 {
			status := "done"
			if sr.Status != StepSucceeded {
				status = string(sr.Status)
			}
			g.emit(ctx, Event{
				Type: EventStepProgress, RequestID: req.RequestID, ConversationID: conv.ID,
				Step: &StepProgress{Index: i + 1, Total: len(steps), Text: sr.Text, Status: status},
			})
		}
		if sr.Status != StepSucceeded {
			break
		}
		r.turns = append(r.turns, reference.Turn{Text: sr.Text, At: time.Now()})
	}
	resp.StepsExecuted = len(resp.Steps)
	last := resp.Steps[len(resp.Steps)-1]
	resp.Success = last.Status == StepSucceeded
	resp.Clarification = last.Status == StepClarification
	resp.Error = last.Error
	resp.Suggestions = last.Suggestions
	if last.Error != nil {
		resp.Suggestions = last.Error.Suggestions
	}

	// 5) compose the reply
	switch {
	case resp.Clarification:
		resp.Reply = clarificationReply(resp)
		g.emit(ctx, Event{Type: EventClarification, RequestID: req.RequestID, ConversationID: conv.ID, Content: last.Question})
		o.analytics.Emit(analytics.Event{Type: analytics.EventClarification, UserID: req.UserID, Intent: last.Intent, At: time.Now()})
	case len(steps) == 1 && resp.Success:
		resp.Reply, resp.Interrupted = o.reply(ctx, r, &last)
	case len(steps) == 1:
		resp.Reply = failureText(&last)
	default:
		resp.Reply = summarizeSteps(resp)
	}

	// 6) persist the turn
	if _, err := o.conversations.AppendMessage(ctx, conv.ID, conversation.RoleAssistant, resp.Reply); err != nil {
		logger.Error("store assistant message failed", "conversation_id", conv.ID, "error", err)
	}
	if err := o.limiter.RecordTokenUsage(ctx, req.UserID, ratelimit.CountTokens(req.Message)+ratelimit.CountTokens(resp.Reply)); err != nil {
		logger.Warn("record token usage failed", "error", err)
	}
	o.refreshMetadata(ctx, r, lastIntent)

	// 7) emit
	g.emit(ctx, Event{Type: EventMessage, RequestID: req.RequestID, ConversationID: conv.ID, Content: resp.Reply, Response: resp})
	if resp.Error != nil {
		g.emit(ctx, Event{Type: EventError, RequestID: req.RequestID, ConversationID: conv.ID, Error: resp.Error})
	}
	if len(resp.Suggestions) > 0 {
		g.emit(ctx, Event{Type: EventSuggestions, RequestID: req.RequestID, ConversationID: conv.ID, Suggestions: resp.Suggestions})
	}
	g.emit(ctx, Event{Type: EventComplete, RequestID: req.RequestID, ConversationID: conv.ID})

	outcome := "completed"
	switch {
	case resp.Clarification:
		outcome = "clarification"
	case !resp.Success:
		outcome = "failed"
	}
	o.analytics.Emit(analytics.Event{
		Type: analytics.EventRequest, UserID: req.UserID, Intent: lastIntent, Outcome: outcome,
		Steps: resp.StepsExecuted, Duration: time.Since(start), At: time.Now(),
	})
	logger.Info("request processed", "conversation_id", conv.ID, "steps", resp.StepsExecuted,
		"outcome", outcome, "duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

func (o *Orchestrator) conversationFor(ctx context.Context, req Request) (*conversation.Conversation, error) {
	var (
		c   *conversation.Conversation
		err error
	)
	if req.ConversationID != "" {
		c, err = o.conversations.Get(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if c.UserID != req.UserID {
			return nil, conversation.ErrNotFound
		}
	} else {
		c, err = o.conversations.GetByConnection(ctx, req.UserID, req.ConnectionRef)
		if errors.Is(err, conversation.ErrNotFound) {
			c, err = o.conversations.Create(ctx, req.UserID, req.ConnectionRef)
		}
		if err != nil {
			return nil, err
		}
	}
	cp := *c
	return &cp, nil
}

// runStep resolves, classifies, validates and executes one step.
func (o *Orchestrator) runStep(ctx context.Context, r *run, index int, text string) StepResult {
	// a reply to a pending question ("do it", "not that") is read as-is
	resolved := text
	if !o.intents.Pending(r.req.UserID) {
		resolved, _ = o.references.Resolve(text, r.turns)
	}
	sr := StepResult{Index: index, Text: resolved}
	log := r.log.With("step", index)

	res, err := o.intents.Resolve(ctx, r.req.UserID, resolved, r.history)
	if err != nil {
		log.Warn("intent resolution failed", "error", err)
		return failed(sr, Translate(err))
	}
	sr.Intent = res.Classification.Intent
	log = logging.WithStep(r.log, index, sr.Intent)

	if res.NeedsClarification() {
		sr.Status = StepClarification
		sr.Question = res.Question
		sr.Suggestions = o.clarificationSuggestions(res.Classification)
		log.Info("clarification needed", "state", res.State, "attempts", res.Attempts)
		return sr
	}

	a, ok := o.registry.Get(sr.Intent)
	if !ok {
		log.Error("resolved intent has no action")
		return failed(sr, Translate(fmt.Errorf("action %s: %w", sr.Intent, actions.ErrNotFound)))
	}
	params := res.Classification.Parameters
	a.ApplyDefaults(params)
	if v := a.Validate(params); !v.Valid {
		log.Info("invalid parameters", "errors", v.Errors)
		return failed(sr, newUserError(KindMissingInfo, v.Errors...))
	}

	dc := &actions.DomainContext{UserID: r.req.UserID, ConversationID: r.conv.ID, Network: r.network}
	before, _ := r.network.Encode()
	result, err := execute(ctx, a, params, dc)
	if err != nil {
		log.Warn("action failed", "error", err)
		o.resetNetwork(r)
		return failed(sr, Translate(err))
	}
	if result == nil {
		result = &actions.Result{Success: false}
	}
	sr.Message = result.Message
	sr.Data = result.Data
	sr.Suggestions = result.Suggestions
	if !result.Success {
		sr.Status = StepFailed
		sr.Message = result.Error
		if sr.Message == "" {
			sr.Message = userErrors[KindGeneric].Message
		}
		o.resetNetwork(r)
		log.Info("action reported failure", "reason", result.Error)
		return sr
	}

	// persist the snapshot with an optimistic version check
	after, err := r.network.Encode()
	if err != nil {
		log.Error("encode network failed", "error", err)
		return failed(sr, Translate(err))
	}
	if after != before {
		v, err := o.conversations.UpdateContext(ctx, r.conv.ID, after, r.conv.Version)
		if err != nil {
			log.Warn("save network failed", "version", r.conv.Version, "error", err)
			return failed(sr, Translate(err))
		}
		r.conv.Version = v
		r.conv.Context = after
	}
	sr.Status = StepSucceeded
	log.Info("step succeeded")
	return sr
}

func failed(sr StepResult, ue *UserError) StepResult {
	sr.Status = StepFailed
	sr.Error = ue
	sr.Message = ue.Message
	return sr
}

// resetNetwork discards in-memory edits left by a failed action.
func (o *Orchestrator) resetNetwork(r *run) {
	n, err := actions.DecodeNetwork(r.conv.Context)
	if err != nil {
		n = &actions.Network{}
	}
	r.network = n
}

func execute(ctx context.Context, a *actions.Action, params map[string]any, dc *actions.DomainContext) (res *actions.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s: %v", ErrPanic, a.Name, p)
		}
	}()
	return a.Execute(ctx, params, dc)
}

func (o *Orchestrator) clarificationSuggestions(c *intent.Classification) []string {
	if c == nil || c.Intent == intent.IntentUnknown {
		var out []string
		for _, a := range o.registry.List() {
			if a.Name != intent.IntentHelp && len(a.Examples) > 0 {
				out = append(out, a.Examples[0])
			}
			if len(out) == 3 {
				break
			}
		}
		return out
	}
	return []string{"yes", "no"}
}

// reply writes the natural-language answer for a single successful step,
// streaming it when the emitter can show partial text. It falls back to
// the action's own message when generation fails.
func (o *Orchestrator) reply(ctx context.Context, r *run, sr *StepResult) (string, bool) {
	if r.out.streaming() {
		return o.streamReply(ctx, r, sr)
	}
	text, err := o.lm.Generate(ctx, sr, r.history)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			r.log.Warn("reply generation failed; using action message", "error", err)
		}
		return sr.Message, false
	}
	return strings.TrimSpace(text), false
}

func (o *Orchestrator) streamReply(ctx context.Context, r *run, sr *StepResult) (string, bool) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := o.lm.Stream(sctx, ai.ReplyPrompt(sr, r.history))
	var b strings.Builder
	for chunk := range chunks {
		b.WriteString(chunk)
		r.out.emit(ctx, Event{Type: EventContent, RequestID: r.req.RequestID, ConversationID: r.conv.ID, Content: chunk})
		if r.out.gone {
			cancel()
			for range chunks {
			}
			break
		}
	}
	err := <-errs

	if r.out.gone {
		return b.String(), true
	}
	if err != nil {
		r.log.Warn("reply stream failed", "received", b.Len(), "error", err)
		if b.Len() == 0 {
			return sr.Message, false
		}
	}
	return b.String(), false
}

func toTurns(msgs []conversation.Message) []reference.Turn {
	turns := make([]reference.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, reference.Turn{Text: m.Content, At: m.CreatedAt})
	}
	return turns
}

// llmHistory converts stored messages for the model, prefixed with the
// conversation summary when there is one.
func (o *Orchestrator) llmHistory(conv *conversation.Conversation, msgs []conversation.Message) []ai.Message {
	out := make([]ai.Message, 0, len(msgs)+1)
	if meta := conversation.DecodeMetadata(conv.Metadata); meta.Summary != "" {
		out = append(out, ai.Message{Role: ai.RoleSystem, Content: "Conversation so far: " + meta.Summary})
	}
	for _, m := range msgs {
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
