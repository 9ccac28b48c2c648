// Package provider implements the AI text/vision completion clients
// used for prompt optimization and image evaluation.
//
// Three backend kinds are supported: a local Ollama server, the hosted
// OpenRouter gateway, and any OpenAI-compatible endpoint. The kind is
// resolved to a concrete implementation once, at configuration-build
// time; a changed setting produces a new Config and a new Client.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/verdantlabs/canopy/internal/fault"
	"github.com/verdantlabs/canopy/internal/model"
)

// Kind enumerates the supported backend kinds.
type Kind string

const (
	KindOllama           Kind = "ollama"
	KindOpenRouter       Kind = "openrouter"
	KindOpenAICompatible Kind = "openai_compatible"
)

// Config is the immutable description of one provider backend.
// It is never mutated: a changed setting produces a new instance.
type Config struct {
	Kind        Kind
	Name        string
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	Extra       map[string]any // backend-specific generation parameters
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4000
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Client is the uniform completion interface over heterogeneous
// backends.
type Client interface {
	// GenerateText runs a single text completion.
	GenerateText(ctx context.Context, prompt, system string) (string, error)

	// EnhancePrompt rewrites an image-generation prompt into a more
	// detailed one using the backend's text completion.
	EnhancePrompt(ctx context.Context, prompt string) (string, error)

	// EvaluateImage scores a generated image against the prompt that
	// produced it. Backends without vision support, and responses that
	// cannot be parsed even after repair, yield a documented default
	// verdict instead of an error: the orchestrator must always have
	// some verdict to act on.
	EvaluateImage(ctx context.Context, image []byte, originalPrompt string) (model.Verdict, error)

	// ListModels returns the backend's available model identifiers.
	// Failures degrade to a fallback list or an empty slice; the
	// failure itself is never propagated.
	ListModels(ctx context.Context) []string
}

// New builds the concrete client for cfg.Kind.
func New(cfg Config) (Client, error) {
	cfg = cfg.withDefaults()
	switch cfg.Kind {
	case KindOllama:
		return newOllamaClient(cfg), nil
	case KindOpenRouter:
		return newOpenRouterClient(cfg), nil
	case KindOpenAICompatible:
		return newOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("provider: unsupported backend kind %q", cfg.Kind)
	}
}

// Template describes a pre-defined backend configuration offered in
// settings.
type Template struct {
	Name    string
	Kind    Kind
	BaseURL string
	Models  []string
}

// Templates are the built-in backend configurations. Model lists here
// double as the hard-coded fallbacks when live discovery fails.
var Templates = map[string]Template{
	"ollama": {
		Name:    "Ollama",
		Kind:    KindOllama,
		BaseURL: "http://localhost:11434",
		Models:  []string{"ministral-3:latest", "llama3.2:latest", "qwen2.5:latest", "gemma3:12b"},
	},
	"openrouter": {
		Name:    "OpenRouter",
		Kind:    KindOpenRouter,
		BaseURL: "https://openrouter.ai",
		Models:  openRouterFallbackModels,
	},
	"openai": {
		Name:    "OpenAI",
		Kind:    KindOpenAICompatible,
		BaseURL: "https://api.openai.com",
		Models:  openAIFallbackModels,
	},
	"custom_openai": {
		Name:    "Custom OpenAI Compatible",
		Kind:    KindOpenAICompatible,
		BaseURL: "http://localhost:8000",
		Models:  []string{"custom-model"},
	},
}

// classify wraps a transport-level error with the matching taxonomy
// sentinel so callers can sort failures with errors.Is.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("provider: %s: %v: %w", op, err, fault.ErrTimeout)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("provider: %s: %v: %w", op, err, fault.ErrTimeout)
		}
		return fmt.Errorf("provider: %s: %v: %w", op, err, fault.ErrNetwork)
	}
}

func backendStatus(op string, resp *http.Response, body []byte) error {
	return fmt.Errorf("provider: %s: status %d: %s: %w", op, resp.StatusCode, string(body), fault.ErrBackend)
}
