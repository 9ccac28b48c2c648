package provider

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/verdantlabs/canopy/internal/model"
)

// openRouterFallbackModels is returned when live discovery fails.
var openRouterFallbackModels = []string{
	"anthropic/claude-3.5-sonnet",
	"openai/gpt-4o",
	"openai/gpt-4o-mini",
	"google/gemini-pro-1.5",
	"meta-llama/llama-3.1-70b-instruct",
	"mistralai/mistral-7b-instruct",
}

// openRouterClient talks to the hosted OpenRouter gateway using
// OpenAI-style chat completions with bearer auth and the attribution
// headers the gateway asks integrators to send.
type openRouterClient struct {
	cfg        Config
	httpClient *http.Client
}

func newOpenRouterClient(cfg Config) *openRouterClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &openRouterClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *openRouterClient) headers() map[string]string {
	h := map[string]string{
		"HTTP-Referer": "https://github.com/verdantlabs/canopy",
		"X-Title":      "Canopy",
	}
	if c.cfg.APIKey != "" {
		h["Authorization"] = "Bearer " + c.cfg.APIKey
	}
	return h
}

func (c *openRouterClient) GenerateText(ctx context.Context, prompt, system string) (string, error) {
	return doChat(ctx, c.httpClient, c.cfg.BaseURL+"/api/v1/chat/completions", c.headers(), c.cfg, prompt, system)
}

func (c *openRouterClient) EnhancePrompt(ctx context.Context, prompt string) (string, error) {
	out, err := c.GenerateText(ctx, "Optimize this image generation prompt: "+prompt, enhanceSystemPrompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// EvaluateImage is not supported at this tier: the gateway's chat
// endpoint carries no image payload here, so the base default verdict
// is returned without I/O.
func (c *openRouterClient) EvaluateImage(ctx context.Context, image []byte, originalPrompt string) (model.Verdict, error) {
	return model.DefaultVerdict(8.0, "image evaluation is not supported by this provider"), nil
}

func (c *openRouterClient) ListModels(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	ids, err := fetchModelIDs(ctx, c.httpClient, c.cfg.BaseURL+"/api/v1/models", c.headers())
	if err != nil || len(ids) == 0 {
		return openRouterFallbackModels
	}
	sort.Strings(ids)
	return ids
}
