package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func ollamaTestConfig(url string) Config {
	return Config{
		Kind:    KindOllama,
		BaseURL: url,
		Model:   "test-model",
		Timeout: 5 * time.Second,
	}.withDefaults()
}

func TestOllamaGenerateText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req ollamaGenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Model != "test-model" {
			t.Errorf("model = %q, want test-model", req.Model)
		}
		if req.Stream {
			t.Error("stream should be false")
		}
		if req.System != "be brief" {
			t.Errorf("system = %q", req.System)
		}
		if _, ok := req.Options["num_predict"]; !ok {
			t.Error("options should carry num_predict")
		}
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "a detailed answer"})
	}))
	defer server.Close()

	c := newOllamaClient(ollamaTestConfig(server.URL))
	out, err := c.GenerateText(context.Background(), "hello", "be brief")
	if err != nil {
		t.Fatal(err)
	}
	if out != "a detailed answer" {
		t.Errorf("out = %q", out)
	}
}

func TestOllamaEvaluateImage(t *testing.T) {
	t.Run("structured reply", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req ollamaGenerateRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if len(req.Images) != 1 {
				t.Errorf("expected 1 inline image, got %d", len(req.Images))
			}
			_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{
				Response: `The result: {"score": 8.5, "feedback": "sharp", "suggestions": [], "original_prompt_accuracy": 9}`,
			})
		}))
		defer server.Close()

		c := newOllamaClient(ollamaTestConfig(server.URL))
		v, err := c.EvaluateImage(context.Background(), []byte("png-bytes"), "a red bicycle")
		if err != nil {
			t.Fatal(err)
		}
		if v.Score != 8.5 || v.Fidelity != 9 {
			t.Errorf("verdict = %+v", v)
		}
	})

	t.Run("malformed reply degrades to default", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "I think it looks nice."})
		}))
		defer server.Close()

		c := newOllamaClient(ollamaTestConfig(server.URL))
		v, err := c.EvaluateImage(context.Background(), []byte("png-bytes"), "a red bicycle")
		if err != nil {
			t.Fatal(err)
		}
		if v.Score != 7.0 {
			t.Errorf("score = %v, want the documented 7.0 default", v.Score)
		}
	})

	t.Run("backend error propagates", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
		}))
		defer server.Close()

		c := newOllamaClient(ollamaTestConfig(server.URL))
		if _, err := c.EvaluateImage(context.Background(), []byte("png"), "x"); err == nil {
			t.Error("expected error on HTTP 500")
		}
	})
}

func TestOllamaListModels(t *testing.T) {
	t.Run("sorted and deduplicated", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/tags" {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(`{"models":[{"name":"qwen2.5:latest"},{"name":"llama3.2:latest"},{"name":"qwen2.5:latest"}]}`))
		}))
		defer server.Close()

		c := newOllamaClient(ollamaTestConfig(server.URL))
		models := c.ListModels(context.Background())
		if len(models) != 2 {
			t.Fatalf("models = %v, want 2 entries", models)
		}
		if models[0] != "llama3.2:latest" {
			t.Errorf("models not sorted: %v", models)
		}
	})

	t.Run("failure yields empty list", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		c := newOllamaClient(ollamaTestConfig(server.URL))
		if models := c.ListModels(context.Background()); len(models) != 0 {
			t.Errorf("expected empty list, got %v", models)
		}
	})
}
