package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOpenAIClientChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if payload["stream"] != false {
			t.Error("stream should be false")
		}
		msgs, _ := payload["messages"].([]any)
		if len(msgs) != 2 {
			t.Errorf("expected system+user messages, got %d", len(msgs))
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"optimized prompt"}}]}`))
	}))
	defer server.Close()

	c := newOpenAIClient(Config{
		Kind:    KindOpenAICompatible,
		BaseURL: server.URL,
		APIKey:  "sk-test",
		Model:   "gpt-4o-mini",
		Timeout: 5 * time.Second,
	}.withDefaults())

	out, err := c.GenerateText(context.Background(), "hello", "be helpful")
	if err != nil {
		t.Fatal(err)
	}
	if out != "optimized prompt" {
		t.Errorf("out = %q", out)
	}
}

func TestOpenAIClientNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	c := newOpenAIClient(Config{Kind: KindOpenAICompatible, BaseURL: server.URL}.withDefaults())
	if _, err := c.GenerateText(context.Background(), "x", ""); err == nil {
		t.Error("expected error when response has no choices")
	}
}

func TestOpenAIListModelsFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer server.Close()

	c := newOpenAIClient(Config{Kind: KindOpenAICompatible, BaseURL: server.URL}.withDefaults())
	models := c.ListModels(context.Background())
	if len(models) != 1 || models[0] != "custom-model" {
		t.Errorf("models = %v, want the self-hosted fallback", models)
	}
}

func TestOpenAIListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"zeta"},{"id":"alpha"}]}`))
	}))
	defer server.Close()

	c := newOpenAIClient(Config{Kind: KindOpenAICompatible, BaseURL: server.URL}.withDefaults())
	models := c.ListModels(context.Background())
	if len(models) != 2 || models[0] != "alpha" {
		t.Errorf("models = %v, want sorted [alpha zeta]", models)
	}
}

func TestOpenRouterAttributionHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("HTTP-Referer") == "" || r.Header.Get("X-Title") == "" {
			t.Error("attribution headers missing")
		}
		if got := r.Header.Get("Authorization"); got != "Bearer or-key" {
			t.Errorf("auth header = %q", got)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	c := newOpenRouterClient(Config{
		Kind:    KindOpenRouter,
		BaseURL: server.URL,
		APIKey:  "or-key",
		Model:   "openai/gpt-4o-mini",
	}.withDefaults())

	out, err := c.GenerateText(context.Background(), "hi", "")
	if err != nil {
		t.Fatal(err)
	}
	if out != "ok" {
		t.Errorf("out = %q", out)
	}
}

func TestOpenRouterEvaluateImageUnsupported(t *testing.T) {
	// No server: evaluation must not perform any I/O at this tier.
	c := newOpenRouterClient(Config{Kind: KindOpenRouter, BaseURL: "http://127.0.0.1:1"}.withDefaults())
	v, err := c.EvaluateImage(context.Background(), []byte("png"), "a cat")
	if err != nil {
		t.Fatal(err)
	}
	if v.Score != 8.0 || !v.Passed {
		t.Errorf("verdict = %+v, want the 8.0 base default", v)
	}
}

func TestOpenRouterListModelsFallback(t *testing.T) {
	c := newOpenRouterClient(Config{Kind: KindOpenRouter, BaseURL: "http://127.0.0.1:1", Timeout: time.Second}.withDefaults())
	models := c.ListModels(context.Background())
	if len(models) != len(openRouterFallbackModels) {
		t.Errorf("models = %v, want the hard-coded fallback", models)
	}
}

func TestNewSelectsByKind(t *testing.T) {
	for _, kind := range []Kind{KindOllama, KindOpenRouter, KindOpenAICompatible} {
		if _, err := New(Config{Kind: kind, BaseURL: "http://localhost:9"}); err != nil {
			t.Errorf("New(%s) failed: %v", kind, err)
		}
	}
	if _, err := New(Config{Kind: "mystery"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}
