// Package orchestrator runs the bounded best-of-N generation loop
// that turns one prompt into the best image a budget of synthesis
// attempts can produce.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/verdantlabs/canopy/internal/model"
	"github.com/verdantlabs/canopy/internal/synthesis"
	"github.com/verdantlabs/canopy/internal/telemetry"
)

// reAnchorThreshold is the fidelity score below which the next
// iteration's prompt is reset to the user's original intent instead
// of being steered further.
const reAnchorThreshold = 7.0

// autoPassScore is assigned when evaluation is skipped for a run.
const autoPassScore = 8.0

// ErrAllIterationsFailed means no iteration of a run produced an
// image.
var ErrAllIterationsFailed = errors.New("orchestrator: all iterations failed to produce an image")

// Enhancer rewrites prompts via a text-completion backend.
type Enhancer interface {
	EnhancePrompt(ctx context.Context, prompt string) (string, error)
}

// Synthesizer drives the image-synthesis engine for one workflow.
type Synthesizer interface {
	Submit(ctx context.Context, wf synthesis.Workflow) (string, error)
	AwaitCompletion(ctx context.Context, jobID string, maxWait time.Duration) error
	FetchResult(ctx context.Context, jobID string) ([]byte, error)
}

// Evaluator scores a candidate image against the prompt that asked
// for it.
type Evaluator interface {
	Evaluate(ctx context.Context, image []byte, originalPrompt string) (model.Verdict, error)
}

// Sink persists candidate and winning images as they are produced,
// so partial progress survives a late failure.
type Sink interface {
	SaveIteration(treeID uuid.UUID, iteration int, prompt string, score float64, image []byte) (string, error)
	SaveBest(treeID uuid.UUID, prompt string, score float64, image []byte) (string, error)
}

// Config bounds one generation run. Instances are immutable; a
// settings change publishes a new Config rather than mutating one
// that in-flight runs may be reading.
type Config struct {
	MaxIterations  int
	SkipEvaluation bool
	FidelityCheck  bool
	WaitBudget     time.Duration
	Params         synthesis.Params
}

// DefaultConfig returns the stock run bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 3,
		FidelityCheck: true,
		WaitBudget:    5 * time.Minute,
	}
}

// Result is the winning candidate of a run.
type Result struct {
	Image   []byte
	Prompt  string
	Score   float64
	Verdict model.Verdict
}

// Orchestrator composes the prompt enhancer, the synthesis engine,
// and the quality gate into the iterative generation loop.
type Orchestrator struct {
	enhancer  Enhancer
	synth     Synthesizer
	evaluator Evaluator
	sink      Sink
	logger    *slog.Logger

	iterationDuration metric.Float64Histogram
	synthesisDuration metric.Float64Histogram
	verdictCount      metric.Int64Counter
}

// New creates an orchestrator. The sink may be nil when artifacts are
// not persisted to disk.
func New(enhancer Enhancer, synth Synthesizer, evaluator Evaluator, sink Sink, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("canopy/orchestrator")
	iterDur, _ := meter.Float64Histogram("canopy.iteration.duration",
		metric.WithDescription("End-to-end time of one generation iteration (ms)"),
		metric.WithUnit("ms"),
	)
	synthDur, _ := meter.Float64Histogram("canopy.synthesis.duration",
		metric.WithDescription("Time spent waiting on the synthesis engine (ms)"),
		metric.WithUnit("ms"),
	)
	verdicts, _ := meter.Int64Counter("canopy.verdicts",
		metric.WithDescription("Quality verdicts by outcome"),
	)
	return &Orchestrator{
		enhancer:          enhancer,
		synth:             synth,
		evaluator:         evaluator,
		sink:              sink,
		logger:            logger,
		iterationDuration: iterDur,
		synthesisDuration: synthDur,
		verdictCount:      verdicts,
	}
}

// Generate runs the best-of-N loop for one prompt. Each iteration
// draws a fresh seed, synthesizes a candidate, scores it, and keeps
// the highest-scoring image seen so far. A single iteration's
// transient failure abandons that iteration only; the run fails only
// when every iteration failed. On a failing verdict the next prompt
// is steered: re-anchoring to the original prompt on low fidelity
// wins over appending the evaluator's suggestions, which wins over a
// generic enhancement pass, so long runs do not drift away from the
// user's intent.
func (o *Orchestrator) Generate(ctx context.Context, treeID uuid.UUID, initialPrompt string, cfg Config) (Result, error) {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 1
	}
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = 5 * time.Minute
	}

	current := initialPrompt
	best := Result{Prompt: initialPrompt}
	var produced int

	for iteration := 0; iteration < cfg.MaxIterations; iteration++ {
		if iteration > 0 {
			if enhanced, err := o.enhancer.EnhancePrompt(ctx, current); err == nil && enhanced != "" {
				current = enhanced
			} else if err != nil {
				o.logger.Warn("prompt enhancement failed, reusing previous prompt",
					"iteration", iteration, "error", err)
			}
		}

		iterStart := time.Now()
		image, err := o.runIteration(ctx, current, cfg)
		o.iterationDuration.Record(ctx, float64(time.Since(iterStart).Milliseconds()))
		if err != nil {
			if ctx.Err() != nil {
				return best, fmt.Errorf("orchestrator: generation cancelled: %w", ctx.Err())
			}
			o.logger.Warn("iteration produced no image",
				"iteration", iteration, "error", err)
			continue
		}
		produced++

		verdict, err := o.score(ctx, image, current, cfg)
		if err != nil {
			// Evaluation is advisory; scoring never aborts a run.
			o.logger.Warn("evaluation failed", "iteration", iteration, "error", err)
			verdict = model.DefaultVerdict(autoPassScore, fmt.Sprintf("evaluation failed: %v", err))
		}
		o.verdictCount.Add(ctx, 1, metric.WithAttributes(attribute.Bool("passed", verdict.Passed)))

		o.saveIteration(treeID, iteration, current, verdict.Score, image)

		if verdict.Score > best.Score {
			best = Result{Image: image, Prompt: current, Score: verdict.Score, Verdict: verdict}
			o.saveBest(treeID, best)
		}

		o.logger.Info("iteration scored",
			"iteration", iteration,
			"score", verdict.Score,
			"fidelity", verdict.Fidelity,
			"passed", verdict.Passed,
			"best_score", best.Score)

		if verdict.Passed || cfg.SkipEvaluation {
			break
		}
		if iteration == cfg.MaxIterations-1 {
			break
		}

		current = o.steer(ctx, initialPrompt, current, verdict, cfg)
	}

	if produced == 0 {
		return Result{}, ErrAllIterationsFailed
	}
	return best, nil
}

// runIteration performs one synthesis attempt end to end.
func (o *Orchestrator) runIteration(ctx context.Context, prompt string, cfg Config) ([]byte, error) {
	wf := synthesis.BuildWorkflow(prompt, synthesis.NewSeed(), cfg.Params)

	jobID, err := o.synth.Submit(ctx, wf)
	if err != nil {
		return nil, err
	}
	waitStart := time.Now()
	err = o.synth.AwaitCompletion(ctx, jobID, cfg.WaitBudget)
	o.synthesisDuration.Record(ctx, float64(time.Since(waitStart).Milliseconds()))
	if err != nil {
		return nil, err
	}
	return o.synth.FetchResult(ctx, jobID)
}

func (o *Orchestrator) score(ctx context.Context, image []byte, prompt string, cfg Config) (model.Verdict, error) {
	if cfg.SkipEvaluation || o.evaluator == nil {
		return model.DefaultVerdict(autoPassScore, "quality evaluation skipped"), nil
	}
	return o.evaluator.Evaluate(ctx, image, prompt)
}

// steer picks the next iteration's prompt from a failing verdict.
func (o *Orchestrator) steer(ctx context.Context, initialPrompt, current string, verdict model.Verdict, cfg Config) string {
	if cfg.FidelityCheck && verdict.Fidelity < reAnchorThreshold {
		return initialPrompt + " highly detailed, accurate representation"
	}
	if len(verdict.Suggestions) > 0 {
		picks := verdict.Suggestions
		if len(picks) > 3 {
			picks = picks[:3]
		}
		return current + ", " + strings.Join(picks, ", ")
	}
	if enhanced, err := o.enhancer.EnhancePrompt(ctx, current); err == nil && enhanced != "" {
		return enhanced
	}
	return current
}

func (o *Orchestrator) saveIteration(treeID uuid.UUID, iteration int, prompt string, score float64, image []byte) {
	if o.sink == nil {
		return
	}
	if _, err := o.sink.SaveIteration(treeID, iteration, prompt, score, image); err != nil {
		o.logger.Warn("failed to persist iteration artifact", "iteration", iteration, "error", err)
	}
}

func (o *Orchestrator) saveBest(treeID uuid.UUID, best Result) {
	if o.sink == nil {
		return
	}
	if _, err := o.sink.SaveBest(treeID, best.Prompt, best.Score, best.Image); err != nil {
		o.logger.Warn("failed to persist best artifact", "error", err)
	}
}
