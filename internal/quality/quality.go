// Package quality scores generated images against their prompts and
// decides whether a result is good enough to keep.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/verdantlabs/canopy/internal/model"
	"github.com/verdantlabs/canopy/internal/provider"
)

// bypassScore is the auto-pass score assigned when evaluation is
// disabled or no vision-capable evaluator is configured.
const bypassScore = 8.0

// strictBound is the minimum score strict mode accepts regardless of
// the configured thresholds.
const strictBound = 8.0

// Config controls which checks run and how strictly.
type Config struct {
	Enabled           bool
	QualityCheck      bool
	FidelityCheck     bool
	QualityThreshold  float64
	FidelityThreshold float64
	StrictMode        bool
	DefectDetection   bool
	AutoRetry         bool
	MaxRetries        int
}

// DefaultConfig mirrors the initial user settings of a fresh install.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		QualityCheck:      true,
		FidelityCheck:     true,
		QualityThreshold:  6.0,
		FidelityThreshold: 6.0,
		StrictMode:        false,
		DefectDetection:   true,
		AutoRetry:         true,
		MaxRetries:        2,
	}
}

// Gate evaluates images through a vision-capable provider and applies
// the configured pass criteria.
type Gate struct {
	cfg    Config
	client provider.Client
	logger *slog.Logger
}

// NewGate creates a gate. A nil client means no vision-capable
// evaluator is available and every image auto-passes.
func NewGate(cfg Config, client provider.Client, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{cfg: cfg, client: client, logger: logger}
}

// Evaluate scores the image against its original prompt and applies
// the pass criteria. One evaluation call serves both the quality and
// the fidelity score; with both checks disabled no call is made at
// all. Evaluation never hard-fails a run: when the backing provider
// errors, a passing default verdict is substituted.
func (g *Gate) Evaluate(ctx context.Context, image []byte, originalPrompt string) (model.Verdict, error) {
	if !g.cfg.Enabled || g.client == nil {
		return model.DefaultVerdict(bypassScore, "quality evaluation skipped"), nil
	}
	if !g.cfg.QualityCheck && !g.cfg.FidelityCheck {
		return model.DefaultVerdict(bypassScore, "quality check passed (quality: skipped, fidelity: skipped)"), nil
	}

	v, err := g.client.EvaluateImage(ctx, image, originalPrompt)
	if err != nil {
		g.logger.Warn("image evaluation failed, using default verdict", "error", err)
		return model.DefaultVerdict(provider.FallbackScore, fmt.Sprintf("evaluation failed: %v", err)), nil
	}

	qualityOK := !g.cfg.QualityCheck || v.Score >= g.cfg.QualityThreshold
	fidelityOK := !g.cfg.FidelityCheck || v.Fidelity >= g.cfg.FidelityThreshold

	// Defect detection in strict mode downgrades a quality score that
	// clears the configured threshold but not the strict bound.
	strictMiss := g.cfg.StrictMode && g.cfg.DefectDetection &&
		g.cfg.QualityCheck && v.Score < strictBound

	v.Passed = qualityOK && fidelityOK && !strictMiss
	v.RetryRecommended = g.cfg.AutoRetry && !v.Passed
	v.Rationale = g.rationale(v, qualityOK, fidelityOK, strictMiss)
	return v, nil
}

// rationale explains the verdict from the per-check outcomes: each
// missed threshold is named on failure, each disabled check is called
// out as skipped on success.
func (g *Gate) rationale(v model.Verdict, qualityOK, fidelityOK, strictMiss bool) string {
	if !v.Passed {
		var reasons []string
		if g.cfg.QualityCheck && !qualityOK {
			reasons = append(reasons, fmt.Sprintf("quality score %.1f below threshold %.1f", v.Score, g.cfg.QualityThreshold))
		}
		if g.cfg.FidelityCheck && !fidelityOK {
			reasons = append(reasons, fmt.Sprintf("fidelity %.1f below threshold %.1f", v.Fidelity, g.cfg.FidelityThreshold))
		}
		if strictMiss && qualityOK {
			reasons = append(reasons, fmt.Sprintf("quality score %.1f below strict bound %.1f", v.Score, strictBound))
		}
		return "quality check failed: " + strings.Join(reasons, "; ")
	}

	parts := make([]string, 0, 2)
	if g.cfg.QualityCheck {
		parts = append(parts, fmt.Sprintf("quality: %.1f", v.Score))
	} else {
		parts = append(parts, "quality: skipped")
	}
	if g.cfg.FidelityCheck {
		parts = append(parts, fmt.Sprintf("fidelity: %.1f", v.Fidelity))
	} else {
		parts = append(parts, "fidelity: skipped")
	}
	return "quality check passed (" + strings.Join(parts, ", ") + ")"
}

// Thresholds reports the effective pass bounds. Strict mode with
// defect detection raises the quality bound; fidelity is judged only
// against its configured threshold. Used for logging and task
// summaries.
func (g *Gate) Thresholds() (quality, fidelity float64) {
	quality, fidelity = g.cfg.QualityThreshold, g.cfg.FidelityThreshold
	if g.cfg.StrictMode && g.cfg.DefectDetection && quality < strictBound {
		quality = strictBound
	}
	return quality, fidelity
}

// MaxRetries reports how many quality-driven regeneration attempts the
// caller may spend on one image.
func (g *Gate) MaxRetries() int {
	if !g.cfg.Enabled || !g.cfg.AutoRetry {
		return 0
	}
	return g.cfg.MaxRetries
}
