package provider

import (
	"encoding/json"
	"fmt"

	"github.com/verdantlabs/canopy/internal/fault"
	"github.com/verdantlabs/canopy/internal/jsonrepair"
	"github.com/verdantlabs/canopy/internal/model"
)

// FallbackScore is the neutral score substituted when an evaluation
// response cannot be parsed even after repair.
const FallbackScore = 7.0

// rawVerdict is the wire shape models are asked to reply with.
type rawVerdict struct {
	Score             json.Number `json:"score"`
	Feedback          string      `json:"feedback"`
	Suggestions       []string    `json:"suggestions"`
	Defects           []string    `json:"defects_found"`
	ConsistencyIssues []string    `json:"consistency_issues"`
	PromptAccuracy    json.Number `json:"original_prompt_accuracy"`
}

// NormalizeScore maps a model-reported score onto the 0-10 scale.
// Values clearly on a 0-100 scale are divided by 10 first; everything
// is then clamped into [0, 10]. A raw 95 becomes 9.5, a raw 11 clamps
// to 10, a raw -3 clamps to 0.
func NormalizeScore(raw float64) float64 {
	if raw > 20 {
		raw = raw / 10
	}
	if raw < 0 {
		return 0
	}
	if raw > 10 {
		return 10
	}
	return raw
}

// parseVerdict extracts a verdict from free-form model text. The text
// is passed through jsonrepair first; if decoding still fails, the
// returned error wraps fault.ErrParse and the caller substitutes the
// documented default instead of propagating it.
func parseVerdict(text string) (model.Verdict, error) {
	repaired := jsonrepair.Repair(text)

	var raw rawVerdict
	if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
		return model.Verdict{}, fmt.Errorf("provider: decode verdict: %v: %w", err, fault.ErrParse)
	}

	score, err := raw.Score.Float64()
	if err != nil {
		return model.Verdict{}, fmt.Errorf("provider: verdict score %q: %w", raw.Score, fault.ErrParse)
	}
	score = NormalizeScore(score)

	// Fidelity defaults to the overall score when the model omits it.
	fidelity := score
	if raw.PromptAccuracy != "" {
		if f, err := raw.PromptAccuracy.Float64(); err == nil {
			fidelity = NormalizeScore(f)
		}
	}

	return model.Verdict{
		Score:             score,
		Fidelity:          fidelity,
		Rationale:         raw.Feedback,
		Suggestions:       raw.Suggestions,
		Defects:           raw.Defects,
		ConsistencyIssues: raw.ConsistencyIssues,
	}, nil
}

// parseVerdictOrDefault applies the mandatory fallback at the parse
// site: malformed output is the expected common case, and an
// evaluation is advisory, so a parse failure becomes a neutral default
// verdict with the failure recorded in the rationale.
func parseVerdictOrDefault(text string) model.Verdict {
	v, err := parseVerdict(text)
	if err != nil {
		snippet := text
		if len(snippet) > 100 {
			snippet = snippet[:100] + "..."
		}
		return model.DefaultVerdict(FallbackScore, "evaluation response could not be parsed: "+snippet)
	}
	return v
}
