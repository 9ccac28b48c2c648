// Package keywords extracts the salient visual elements of a prompt,
// with a content-hash cache and a deterministic fallback when the
// language backend is unavailable.
package keywords

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/verdantlabs/canopy/internal/jsonrepair"
	"github.com/verdantlabs/canopy/internal/model"
	"github.com/verdantlabs/canopy/internal/storage"
)

const extractionSystemPrompt = `You are an expert at analyzing image generation prompts. Extract the key visual elements from the prompt as keywords.

Reply ONLY with a JSON array. Each element must have:
- "text": the keyword phrase
- "type": one of "subject", "style", "setting", "mood", "detail"
- "description": one short sentence on how it shapes the image
- "visual_strength": "high", "medium" or "low"

Extract 4 to 8 keywords. No prose outside the JSON array.`

// TextCompleter is the language-backend slice this service needs.
type TextCompleter interface {
	GenerateText(ctx context.Context, prompt, system string) (string, error)
}

// Cache is the persistence slice for extracted keyword sets.
type Cache interface {
	CachedKeywords(ctx context.Context, prompt string) ([]model.Keyword, error)
	CacheKeywords(ctx context.Context, prompt string, kws []model.Keyword) error
}

// Service extracts keywords from prompts.
type Service struct {
	completer TextCompleter
	cache     Cache
	logger    *slog.Logger
}

// NewService creates a keyword extraction service. A nil cache
// disables caching; a nil completer makes every extraction use the
// heuristic fallback.
func NewService(completer TextCompleter, cache Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{completer: completer, cache: cache, logger: logger}
}

// Extract returns the keyword set for a prompt. Cache hits skip the
// backend entirely. Backend or parse failures substitute the
// deterministic fallback set; extraction never returns an error for a
// non-empty prompt because keyword metadata is advisory.
func (s *Service) Extract(ctx context.Context, prompt string) ([]model.Keyword, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, errors.New("keywords: empty prompt")
	}

	if s.cache != nil {
		if kws, err := s.cache.CachedKeywords(ctx, prompt); err == nil {
			return kws, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("keyword cache lookup failed", "error", err)
		}
	}

	kws := s.extract(ctx, prompt)

	if s.cache != nil {
		if err := s.cache.CacheKeywords(ctx, prompt, kws); err != nil {
			s.logger.Warn("keyword cache store failed", "error", err)
		}
	}
	return kws, nil
}

func (s *Service) extract(ctx context.Context, prompt string) []model.Keyword {
	if s.completer == nil {
		return Fallback(prompt)
	}

	reply, err := s.completer.GenerateText(ctx, prompt, extractionSystemPrompt)
	if err != nil {
		s.logger.Warn("keyword extraction call failed, using fallback", "error", err)
		return Fallback(prompt)
	}

	kws, err := parseKeywords(reply)
	if err != nil {
		s.logger.Warn("keyword extraction reply unparseable, using fallback", "error", err)
		return Fallback(prompt)
	}
	return kws
}

// parseKeywords accepts either a bare JSON array or an object wrapping
// one under a "keywords" key, repairing the text first.
func parseKeywords(reply string) ([]model.Keyword, error) {
	text := strings.TrimSpace(reply)

	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return nil, fmt.Errorf("keywords: no JSON in reply: %w", errParse(text))
	}

	if text[start] == '[' {
		end := strings.LastIndex(text, "]")
		if end < start {
			return nil, fmt.Errorf("keywords: unterminated array: %w", errParse(text))
		}
		var kws []model.Keyword
		if err := json.Unmarshal([]byte(text[start:end+1]), &kws); err != nil {
			return nil, fmt.Errorf("keywords: decode array: %w", err)
		}
		return nonEmpty(kws)
	}

	var wrapper struct {
		Keywords []model.Keyword `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(jsonrepair.Repair(text)), &wrapper); err != nil {
		return nil, fmt.Errorf("keywords: decode object: %w", err)
	}
	return nonEmpty(wrapper.Keywords)
}

func nonEmpty(kws []model.Keyword) ([]model.Keyword, error) {
	var out []model.Keyword
	for _, kw := range kws {
		if strings.TrimSpace(kw.Text) != "" {
			out = append(out, kw)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("keywords: no usable keywords in reply")
	}
	return out, nil
}

func errParse(text string) error {
	if len(text) > 80 {
		text = text[:80]
	}
	return fmt.Errorf("reply %q", text)
}

// stopwords are filler words skipped by the fallback extractor.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "in": true,
	"on": true, "at": true, "with": true, "and": true, "or": true,
	"by": true, "for": true, "to": true, "from": true, "is": true,
	"are": true, "very": true, "into": true, "over": true,
	"under": true, "near": true,
}

// Fallback derives a deterministic keyword set from the prompt text
// alone: consecutive non-stopwords group into phrases, the first
// phrase counts as the subject, the rest as details.
func Fallback(prompt string) []model.Keyword {
	var phrases []string
	var current []string
	flush := func() {
		if len(current) > 0 {
			phrases = append(phrases, strings.Join(current, " "))
			current = nil
		}
	}
	for _, w := range strings.Fields(strings.ToLower(prompt)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if w == "" || stopwords[w] {
			flush()
			continue
		}
		current = append(current, w)
		if len(current) == 3 {
			flush()
		}
	}
	flush()

	if len(phrases) > 6 {
		phrases = phrases[:6]
	}

	kws := make([]model.Keyword, 0, len(phrases))
	for i, p := range phrases {
		kind := "detail"
		strength := "medium"
		if i == 0 {
			kind = "subject"
			strength = "high"
		}
		kws = append(kws, model.Keyword{
			Text:           p,
			Type:           kind,
			Description:    "derived from prompt text",
			VisualStrength: strength,
		})
	}
	if len(kws) == 0 {
		kws = append(kws, model.Keyword{
			Text:           strings.TrimSpace(prompt),
			Type:           "subject",
			Description:    "derived from prompt text",
			VisualStrength: "high",
		})
	}
	return kws
}
