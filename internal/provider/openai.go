package provider

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/verdantlabs/canopy/internal/model"
)

var openAIFallbackModels = []string{"gpt-4o", "gpt-4o-mini", "gpt-3.5-turbo"}

// openAIClient talks to any endpoint speaking the OpenAI chat
// completion shape. The bearer token is optional: self-hosted
// compatible servers frequently run without auth.
type openAIClient struct {
	cfg        Config
	httpClient *http.Client
}

func newOpenAIClient(cfg Config) *openAIClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &openAIClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *openAIClient) headers() map[string]string {
	h := map[string]string{}
	if c.cfg.APIKey != "" {
		h["Authorization"] = "Bearer " + c.cfg.APIKey
	}
	return h
}

func (c *openAIClient) GenerateText(ctx context.Context, prompt, system string) (string, error) {
	return doChat(ctx, c.httpClient, c.cfg.BaseURL+"/v1/chat/completions", c.headers(), c.cfg, prompt, system)
}

func (c *openAIClient) EnhancePrompt(ctx context.Context, prompt string) (string, error) {
	out, err := c.GenerateText(ctx, "Optimize this image generation prompt: "+prompt, enhanceSystemPrompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// EvaluateImage falls back to the base default verdict: the plain chat
// completion shape used here carries no image payload.
func (c *openAIClient) EvaluateImage(ctx context.Context, image []byte, originalPrompt string) (model.Verdict, error) {
	return model.DefaultVerdict(8.0, "image evaluation is not supported by this provider"), nil
}

// ListModels queries the discovery endpoint and falls back to a
// hard-coded list on failure: known GPT models for the official API,
// a generic placeholder for self-hosted servers.
func (c *openAIClient) ListModels(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ids, err := fetchModelIDs(ctx, c.httpClient, c.cfg.BaseURL+"/v1/models", c.headers())
	if err != nil || len(ids) == 0 {
		if strings.Contains(c.cfg.BaseURL, "api.openai.com") {
			return openAIFallbackModels
		}
		return []string{"custom-model"}
	}
	sort.Strings(ids)
	return ids
}
