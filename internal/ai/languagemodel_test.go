package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

type scriptedProvider struct {
	replies []string
	errs    []error
	calls   int
	last    []Message
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	_ = ctx
	i := p.calls
	p.calls++
	p.last = append([]Message(nil), messages...)
	if i < len(p.errs) && p.errs[i] != nil {
		return "", p.errs[i]
	}
	if i < len(p.replies) {
		return p.replies[i], nil
	}
	return "", nil
}

type chunkProvider struct {
	scriptedProvider
	chunks []string
	err    error
}

func (p *chunkProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	_ = ctx
	_ = messages
	out := make(chan string, len(p.chunks))
	errs := make(chan error, 1)
	for _, c := range p.chunks {
		out <- c
	}
	if p.err != nil {
		errs <- p.err
	}
	close(out)
	close(errs)
	return out, errs
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestClassify_RetriesTransientErrors(t *testing.T) {
	prov := &scriptedProvider{
		errs: []error{
			&StatusError{Provider: "fake", StatusCode: http.StatusTooManyRequests},
			&StatusError{Provider: "fake", StatusCode: http.StatusBadGateway},
		},
		replies: []string{"", "", `{"intent":"add_node","confidence":0.9,"parameters":{"name":"Acme"}}`},
	}
	c := NewClient(prov, WithRetryPolicy(fastRetry()))

	cl, err := c.Classify(context.Background(), "add supplier Acme", nil)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if prov.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", prov.calls)
	}
	if cl.Intent != "add_node" || cl.Parameters["name"] != "Acme" {
		t.Fatalf("unexpected classification: %+v", cl)
	}
}

func TestClassify_DoesNotRetryValidationOrAuth(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound} {
		prov := &scriptedProvider{errs: []error{&StatusError{Provider: "fake", StatusCode: code}}}
		c := NewClient(prov, WithRetryPolicy(fastRetry()))
		if _, err := c.Classify(context.Background(), "x", nil); err == nil {
			t.Fatalf("status %d: expected error", code)
		}
		if prov.calls != 1 {
			t.Fatalf("status %d: expected 1 call, got %d", code, prov.calls)
		}
	}
}

func TestClassify_GivesUpAfterMaxRetries(t *testing.T) {
	transient := &StatusError{Provider: "fake", StatusCode: http.StatusServiceUnavailable}
	prov := &scriptedProvider{errs: []error{transient, transient, transient, transient, transient}}
	c := NewClient(prov, WithRetryPolicy(fastRetry()))

	_, err := c.Classify(context.Background(), "x", nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if prov.calls != 4 {
		t.Fatalf("expected 1 call + 3 retries, got %d", prov.calls)
	}
}

func TestParseClassification(t *testing.T) {
	cl, err := ParseClassification("Sure! ```json\n{\"intent\":\" Run_Simulation \",\"confidence\":1.7}\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cl.Intent != "run_simulation" || cl.Confidence != 1 || cl.Parameters == nil {
		t.Fatalf("unexpected: %+v", cl)
	}

	if _, err := ParseClassification("no json here"); !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("expected ErrMalformedOutput, got %v", err)
	}
	if Retryable(ErrMalformedOutput) {
		t.Fatalf("malformed output must not be retried")
	}
}

func TestClassify_PromptListsIntents(t *testing.T) {
	prov := &scriptedProvider{replies: []string{`{"intent":"help","confidence":1}`}}
	c := NewClient(prov, WithIntentCatalog([]IntentSpec{{Name: "add_node", Description: "add a node", Params: []string{"name", "type"}}}))

	history := []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}}
	if _, err := c.Classify(context.Background(), "help me", history); err != nil {
		t.Fatalf("classify: %v", err)
	}
	if len(prov.last) != 4 {
		t.Fatalf("expected system + 2 history + user, got %d", len(prov.last))
	}
	if !strings.Contains(prov.last[0].Content, "add_node: add a node (parameters: name, type)") {
		t.Fatalf("system prompt missing catalog: %q", prov.last[0].Content)
	}
	if prov.last[3].Content != "help me" {
		t.Fatalf("last message should be the user text, got %q", prov.last[3].Content)
	}
}

func TestStream_ConcatenationEqualsReply(t *testing.T) {
	prov := &chunkProvider{chunks: []string{"Added ", "supplier ", "Acme", "."}}
	c := NewClient(prov)

	chunks, errs := c.Stream(context.Background(), "prompt")
	var b strings.Builder
	for ch := range chunks {
		b.WriteString(ch)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream: %v", err)
	}
	if b.String() != "Added supplier Acme." {
		t.Fatalf("unexpected stream text %q", b.String())
	}
}

func TestStream_FallsBackToChat(t *testing.T) {
	prov := &scriptedProvider{replies: []string{"whole reply"}}
	c := NewClient(prov)

	chunks, errs := c.Stream(context.Background(), "prompt")
	var got []string
	for ch := range chunks {
		got = append(got, ch)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 1 || got[0] != "whole reply" {
		t.Fatalf("unexpected chunks %v", got)
	}
}
