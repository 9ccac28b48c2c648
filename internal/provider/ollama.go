package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/verdantlabs/canopy/internal/model"
)

// ollamaClient talks to a local Ollama server. Generation is a
// single-shot completion call with an embedded system instruction;
// image evaluation attaches the image inline in the request body using
// Ollama's vision API format.
type ollamaClient struct {
	cfg        Config
	httpClient *http.Client
}

func newOllamaClient(cfg Config) *ollamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &ollamaClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Images  []string       `json:"images,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

func (c *ollamaClient) generate(ctx context.Context, req ollamaGenerateRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", classify("ollama generate", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", backendStatus("ollama generate", resp, errBody)
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}
	return result.Response, nil
}

func (c *ollamaClient) GenerateText(ctx context.Context, prompt, system string) (string, error) {
	opts := map[string]any{
		"temperature": c.cfg.Temperature,
		"num_predict": c.cfg.MaxTokens,
	}
	for k, v := range c.cfg.Extra {
		opts[k] = v
	}
	return c.generate(ctx, ollamaGenerateRequest{
		Model:   c.cfg.Model,
		Prompt:  prompt,
		System:  system,
		Stream:  false,
		Options: opts,
	})
}

func (c *ollamaClient) EnhancePrompt(ctx context.Context, prompt string) (string, error) {
	out, err := c.GenerateText(ctx, "Optimize this image generation prompt: "+prompt, enhanceSystemPrompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *ollamaClient) EvaluateImage(ctx context.Context, image []byte, originalPrompt string) (model.Verdict, error) {
	text, err := c.generate(ctx, ollamaGenerateRequest{
		Model:  c.cfg.Model,
		Prompt: evaluateUserPrompt(originalPrompt),
		System: evaluateSystemPrompt,
		Images: []string{base64.StdEncoding.EncodeToString(image)},
		Stream: false,
	})
	if err != nil {
		return model.Verdict{}, err
	}
	return parseVerdictOrDefault(text), nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels queries the local tags endpoint. Failures yield an empty
// list; a missing model list is not worth failing a settings page for.
func (c *ollamaClient) ListModels(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil
	}

	seen := make(map[string]bool, len(tags.Models))
	var models []string
	for _, m := range tags.Models {
		if m.Name != "" && !seen[m.Name] {
			seen[m.Name] = true
			models = append(models, m.Name)
		}
	}
	sort.Strings(models)
	return models
}
