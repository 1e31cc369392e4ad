package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Classification is the model's reading of one user message.
type Classification struct {
	Intent                string         `json:"intent"`
	Confidence            float64        `json:"confidence"`
	Parameters            map[string]any `json:"parameters"`
	RequiresClarification bool           `json:"requires_clarification"`
	ClarificationQuestion string         `json:"clarification_question,omitempty"`
}

// LanguageModel is the generative capability the pipeline depends on.
type LanguageModel interface {
	Classify(ctx context.Context, text string, history []Message) (*Classification, error)
	Generate(ctx context.Context, result any, history []Message) (string, error)
	// Stream delivers the reply to prompt as ordered chunks. The chunk channel
	// closes on completion; the error channel carries at most one failure.
	Stream(ctx context.Context, prompt string) (<-chan string, <-chan error)
	Summarize(ctx context.Context, history []Message) (string, error)
}

// IntentSpec describes one registered action to the classifier prompt.
type IntentSpec struct {
	Name        string
	Description string
	Params      []string
	Examples    []string
}

type Client struct {
	provider Provider
	intents  []IntentSpec
	timeout  time.Duration
	retry    RetryPolicy
	limiter  *rate.Limiter
	history  int
}

type ClientOption func(*Client)

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// WithRateLimit caps outbound calls to the provider across all requests
// handled by this process.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func WithIntentCatalog(specs []IntentSpec) ClientOption {
	return func(c *Client) { c.intents = specs }
}

func WithHistoryWindow(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.history = n
		}
	}
}

func NewClient(p Provider, opts ...ClientOption) *Client {
	c := &Client{
		provider: p,
		timeout:  30 * time.Second,
		retry:    DefaultRetryPolicy(),
		limiter:  rate.NewLimiter(rate.Inf, 0),
		history:  10,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// chat runs one completion under the overall timeout, retrying transient
// failures with backoff.
func (c *Client) chat(ctx context.Context, op string, messages []Message) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out string
	err := c.retry.Do(cctx, op, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		reply, err := c.provider.Chat(ctx, messages)
		if err != nil {
			return err
		}
		out = reply
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("llm %s: %w", op, err)
	}
	return out, nil
}

func (c *Client) recent(history []Message) []Message {
	if len(history) <= c.history {
		return history
	}
	return history[len(history)-c.history:]
}

func (c *Client) classifyPrompt() string {
	var b strings.Builder
	b.WriteString("You classify requests for a supply network planning assistant.\n")
	b.WriteString("Pick exactly one intent from the list, or \"unknown\".\n\nIntents:\n")
	for _, s := range c.intents {
		fmt.Fprintf(&b, "- %s: %s", s.Name, s.Description)
		if len(s.Params) > 0 {
			fmt.Fprintf(&b, " (parameters: %s)", strings.Join(s.Params, ", "))
		}
		if len(s.Examples) > 0 {
			fmt.Fprintf(&b, " e.g. %q", s.Examples[0])
		}
		b.WriteString("\n")
	}
	b.WriteString("\nAnswer with a single JSON object and nothing else:\n")
	b.WriteString(`{"intent": "...", "confidence": 0.0-1.0, "parameters": {...}, "requires_clarification": false, "clarification_question": ""}`)
	return b.String()
}

func (c *Client) Classify(ctx context.Context, text string, history []Message) (*Classification, error) {
	msgs := []Message{{Role: RoleSystem, Content: c.classifyPrompt()}}
	msgs = append(msgs, c.recent(history)...)
	msgs = append(msgs, Message{Role: RoleUser, Content: text})

	raw, err := c.chat(ctx, "classify", msgs)
	if err != nil {
		return nil, err
	}
	return ParseClassification(raw)
}

// ParseClassification extracts the first JSON object from a model reply.
func ParseClassification(raw string) (*Classification, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("classification: %w", ErrMalformedOutput)
	}

	var cl Classification
	if err := json.Unmarshal([]byte(raw[start:end+1]), &cl); err != nil {
		return nil, fmt.Errorf("classification: %v: %w", err, ErrMalformedOutput)
	}
	cl.Intent = strings.ToLower(strings.TrimSpace(cl.Intent))
	if cl.Intent == "" {
		cl.Intent = "unknown"
	}
	if cl.Confidence < 0 {
		cl.Confidence = 0
	}
	if cl.Confidence > 1 {
		cl.Confidence = 1
	}
	if cl.Parameters == nil {
		cl.Parameters = map[string]any{}
	}
	return &cl, nil
}

const replyInstruction = "You are the assistant of a supply network planning tool. " +
	"Reply to the user in two or three plain sentences describing the outcome below. " +
	"Do not invent data that is not in the outcome."

// ReplyPrompt renders an action outcome into the single prompt used by
// Stream; Generate sends the same content as chat messages.
func ReplyPrompt(result any, history []Message) string {
	b, _ := json.Marshal(result)
	var sb strings.Builder
	sb.WriteString(replyInstruction)
	sb.WriteString("\n\nRecent conversation:\n")
	for _, m := range history {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	sb.WriteString("\nOutcome:\n")
	sb.Write(b)
	return sb.String()
}

func (c *Client) Generate(ctx context.Context, result any, history []Message) (string, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	msgs := []Message{{Role: RoleSystem, Content: replyInstruction}}
	msgs = append(msgs, c.recent(history)...)
	msgs = append(msgs, Message{Role: RoleUser, Content: "Outcome:\n" + string(b)})
	return c.chat(ctx, "generate", msgs)
}

func (c *Client) Summarize(ctx context.Context, history []Message) (string, error) {
	var sb strings.Builder
	for _, m := range history {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	msgs := []Message{
		{Role: RoleSystem, Content: "Summarize this conversation in at most five sentences. Keep entity names, quantities and decisions."},
		{Role: RoleUser, Content: sb.String()},
	}
	return c.chat(ctx, "summarize", msgs)
}

// Stream is not retried: chunks already delivered cannot be taken back.
// Providers without streaming support deliver the whole reply as one chunk.
func (c *Client) Stream(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	out := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		if err := c.limiter.Wait(cctx); err != nil {
			errs <- err
			return
		}

		msgs := []Message{{Role: RoleUser, Content: prompt}}
		sp, ok := c.provider.(StreamProvider)
		if !ok {
			reply, err := c.provider.Chat(cctx, msgs)
			if err != nil {
				errs <- err
				return
			}
			out <- reply
			return
		}

		chunks, perrs := sp.StreamChat(cctx, msgs)
		for ch := range chunks {
			select {
			case out <- ch:
			case <-cctx.Done():
				for range chunks {
				}
				errs <- cctx.Err()
				return
			}
		}
		if err := <-perrs; err != nil {
			errs <- err
		}
	}()

	return out, errs
}
