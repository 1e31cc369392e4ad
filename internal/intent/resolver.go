// Package intent turns a message into a registered action and parameters,
// running a bounded clarification dialog per user when that is ambiguous.
package intent

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/suPer8Hu/copilot/internal/actions"
	"github.com/suPer8Hu/copilot/internal/ai"
)

const (
	IntentUnknown = "unknown"
	IntentHelp    = "help"

	// affirmedConfidence is assigned when the user confirms a guess.
	affirmedConfidence = 0.9
)

type Classification struct {
	Intent                string         `json:"intent"`
	Confidence            float64        `json:"confidence"`
	Parameters            map[string]any `json:"parameters"`
	RequiresClarification bool           `json:"requires_clarification"`
	ClarificationQuestion string         `json:"clarification_question,omitempty"`
	MissingParameters     []string       `json:"missing_parameters,omitempty"`
}

func (c *Classification) clone() *Classification {
	cp := *c
	cp.Parameters = maps.Clone(c.Parameters)
	if cp.Parameters == nil {
		cp.Parameters = make(map[string]any)
	}
	cp.MissingParameters = slices.Clone(c.MissingParameters)
	return &cp
}

// Classifier is the part of ai.LanguageModel this package needs.
type Classifier interface {
	Classify(ctx context.Context, text string, history []ai.Message) (*ai.Classification, error)
}

type Config struct {
	// MinConfidence is the floor below which Classify forces clarification.
	MinConfidence float64
	// ConfirmBelow makes RequiresClarification ask for confirmation.
	ConfirmBelow float64
	MaxAttempts  int
}

func DefaultConfig() Config {
	return Config{MinConfidence: 0.5, ConfirmBelow: 0.6, MaxAttempts: 3}
}

type State string

const (
	StateResolved           State = "resolved"
	StateAwaiting           State = "awaiting_clarification"
	StateStillAmbiguous     State = "still_ambiguous"
	StateMaxAttemptsReached State = "max_attempts_reached"
)

type Resolution struct {
	State          State
	Classification *Classification
	Question       string
	Attempts       int
}

// NeedsClarification reports whether Question must be sent instead of
// executing anything.
func (r *Resolution) NeedsClarification() bool {
	return r.State == StateAwaiting || r.State == StateStillAmbiguous
}

type Resolver struct {
	classifier Classifier
	registry   *actions.Registry
	store      *ClarificationStore
	cfg        Config
}

func NewResolver(classifier Classifier, registry *actions.Registry, store *ClarificationStore, cfg Config) *Resolver {
	def := DefaultConfig()
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.ConfirmBelow <= 0 {
		cfg.ConfirmBelow = def.ConfirmBelow
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Resolver{classifier: classifier, registry: registry, store: store, cfg: cfg}
}

// Classify asks the model for an intent, binds it to a registered action and
// checks required parameters. Empty messages, unregistered intents, missing
// parameters and confidence under MinConfidence all force clarification.
func (r *Resolver) Classify(ctx context.Context, message string, history []ai.Message) (*Classification, error) {
	msg := strings.TrimSpace(message)
	if msg == "" {
		c := &Classification{Intent: IntentUnknown, Parameters: map[string]any{}, RequiresClarification: true}
		c.ClarificationQuestion = GenerateClarificationQuestion(c)
		return c, nil
	}

	raw, err := r.classifier.Classify(ctx, msg, history)
	if err != nil {
		return nil, err
	}
	c := &Classification{
		Intent:                strings.ToLower(strings.TrimSpace(raw.Intent)),
		Confidence:            raw.Confidence,
		Parameters:            raw.Parameters,
		RequiresClarification: raw.RequiresClarification,
		ClarificationQuestion: strings.TrimSpace(raw.ClarificationQuestion),
	}
	if c.Parameters == nil {
		c.Parameters = make(map[string]any)
	}
	r.bind(c)
	if c.Confidence < r.cfg.MinConfidence {
		c.RequiresClarification = true
	}
	if r.RequiresClarification(c) && c.ClarificationQuestion == "" {
		c.ClarificationQuestion = GenerateClarificationQuestion(c)
	}
	return c, nil
}

// bind resolves c.Intent to a registered action (exact name, then fuzzy),
// applies parameter defaults and recomputes MissingParameters.
func (r *Resolver) bind(c *Classification) *actions.Action {
	c.MissingParameters = nil
	if c.Intent == "" || c.Intent == IntentUnknown {
		c.Intent = IntentUnknown
		return nil
	}
	a, ok := r.registry.Get(c.Intent)
	if !ok {
		a, ok = r.registry.Match(c.Intent)
	}
	if !ok {
		c.Intent = IntentUnknown
		c.RequiresClarification = true
		return nil
	}
	c.Intent = a.Name
	a.ApplyDefaults(c.Parameters)
	c.MissingParameters = a.Missing(c.Parameters)
	if len(c.MissingParameters) > 0 {
		c.RequiresClarification = true
	}
	return a
}

func (r *Resolver) RequiresClarification(c *Classification) bool {
	return c.RequiresClarification ||
		c.Confidence < r.cfg.ConfirmBelow ||
		c.Intent == "" || c.Intent == IntentUnknown ||
		len(c.MissingParameters) > 0
}

// Resolve runs one turn of the per-user clarification state machine. With
// no pending question the message is classified afresh; otherwise it is
// treated as the reply to that question.
func (r *Resolver) Resolve(ctx context.Context, userID, message string, history []ai.Message) (*Resolution, error) {
	if p, ok := r.store.Get(userID); ok {
		return r.HandleFollowUp(ctx, userID, message, p, history)
	}
	return r.fresh(ctx, userID, message, history, 0)
}

// Pending reports whether userID has an unanswered clarification question.
func (r *Resolver) Pending(userID string) bool {
	_, ok := r.store.Get(userID)
	return ok
}

func (r *Resolver) fresh(ctx context.Context, userID, message string, history []ai.Message, attempts int) (*Resolution, error) {
	c, err := r.Classify(ctx, message, history)
	if err != nil {
		return nil, err
	}
	if !r.RequiresClarification(c) {
		return &Resolution{State: StateResolved, Classification: c}, nil
	}
	if attempts >= r.cfg.MaxAttempts {
		return r.giveUp(attempts), nil
	}

	r.store.Put(&PendingClarification{
		UserID:          userID,
		OriginalMessage: message,
		Original:        c,
		PossibleIntents: r.candidates(message, c),
		Attempts:        attempts,
	})
	state := StateAwaiting
	if attempts > 0 {
		state = StateStillAmbiguous
	}
	return &Resolution{State: state, Classification: c, Question: c.ClarificationQuestion, Attempts: attempts}, nil
}

// HandleFollowUp interprets text as the reply to p. Affirmative replies
// confirm the original guess; negative replies discard it; anything else
// fills the first missing parameter, or is classified as a new message when
// nothing was missing.
func (r *Resolver) HandleFollowUp(ctx context.Context, userID, text string, p *PendingClarification, history []ai.Message) (*Resolution, error) {
	c := p.Original.clone()
	c.ClarificationQuestion = ""

	switch {
	case isAffirmative(text):
		if c.Confidence < affirmedConfidence {
			c.Confidence = affirmedConfidence
		}
		c.RequiresClarification = false
		r.bind(c)
		return r.settle(userID, p, c), nil

	case isNegative(text):
		c.Intent = IntentUnknown
		c.Parameters = make(map[string]any)
		c.MissingParameters = nil
		c.RequiresClarification = true
		return r.settle(userID, p, c), nil

	case c.Intent != IntentUnknown && len(c.MissingParameters) > 0:
		c.Parameters[c.MissingParameters[0]] = strings.TrimSpace(text)
		c.RequiresClarification = false
		r.bind(c)
		return r.settle(userID, p, c), nil

	default:
		r.store.Delete(userID)
		return r.fresh(ctx, userID, text, history, p.Attempts+1)
	}
}

func (r *Resolver) settle(userID string, p *PendingClarification, c *Classification) *Resolution {
	if !r.RequiresClarification(c) {
		r.store.Delete(userID)
		return &Resolution{State: StateResolved, Classification: c, Attempts: p.Attempts}
	}

	p.Attempts++
	if p.Attempts >= r.cfg.MaxAttempts {
		r.store.Delete(userID)
		return r.giveUp(p.Attempts)
	}

	c.ClarificationQuestion = GenerateClarificationQuestion(c)
	// the timeout restarts with each new question
	next := *p
	next.Original = c
	next.CreatedAt = time.Time{}
	r.store.Put(&next)
	return &Resolution{State: StateStillAmbiguous, Classification: c, Question: c.ClarificationQuestion, Attempts: p.Attempts}
}

func (r *Resolver) giveUp(attempts int) *Resolution {
	c := &Classification{Intent: IntentHelp, Confidence: 1, Parameters: map[string]any{}}
	if a, ok := r.registry.Get(IntentHelp); ok {
		a.ApplyDefaults(c.Parameters)
	}
	return &Resolution{State: StateMaxAttemptsReached, Classification: c, Attempts: attempts}
}

func (r *Resolver) candidates(message string, c *Classification) []string {
	var out []string
	if c.Intent != IntentUnknown {
		out = append(out, c.Intent)
	}
	if a, ok := r.registry.Match(message); ok && a.Name != c.Intent {
		out = append(out, a.Name)
	}
	return out
}

// CleanupExpiredContexts drops abandoned clarifications and returns the count.
func (r *Resolver) CleanupExpiredContexts() int {
	return r.store.Cleanup()
}
