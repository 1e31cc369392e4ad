package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func collect(t *testing.T, chunks <-chan string, errs <-chan error) string {
	t.Helper()
	var b strings.Builder
	for c := range chunks {
		b.WriteString(c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream: %v", err)
	}
	return b.String()
}

func TestOllama_StreamsNDJSONAndSendsTemperature(t *testing.T) {
	var got ollamaChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		for _, part := range []string{"Added ", "supplier ", "ABC."} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", part)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3")
	p.Temperature = 0.2
	chunks, errs := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	out := collect(t, chunks, errs)

	if out != "Added supplier ABC." {
		t.Fatalf("unexpected stream %q", out)
	}
	if !got.Stream || got.Options == nil || got.Options.Temperature != 0.2 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestOllama_DefaultTemperatureOmitted(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"ok"},"done":true}`)
	}))
	defer srv.Close()

	reply, err := NewOllamaProvider(srv.URL, "llama3").Chat(context.Background(), nil)
	if err != nil || reply != "ok" {
		t.Fatalf("chat: %q %v", reply, err)
	}
	if _, ok := raw["options"]; ok {
		t.Fatalf("options should be omitted, got %v", raw)
	}
}

func TestOpenRouter_StatusErrorIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing auth header")
		}
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOpenRouterProvider(srv.URL, "key", "m", "", "").Chat(context.Background(), nil)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected status error, got %v", err)
	}
	if Classify(err) != CategoryTransient {
		t.Fatalf("429 should be transient, got %s", Classify(err))
	}
}

func TestOpenRouter_StreamsSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, part := range []string{"one ", "two"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "key", "m", "", "")
	chunks, errs := p.StreamChat(context.Background(), nil)
	if out := collect(t, chunks, errs); out != "one two" {
		t.Fatalf("unexpected stream %q", out)
	}
}

func TestOpenRouter_MissingKeyFailsFast(t *testing.T) {
	_, err := NewOpenRouterProvider("http://127.0.0.1:1", "", "m", "", "").Chat(context.Background(), nil)
	if Classify(err) != CategoryAuth {
		t.Fatalf("expected auth failure, got %v", err)
	}
}
