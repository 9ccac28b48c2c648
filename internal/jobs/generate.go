package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/verdantlabs/canopy/internal/model"
	"github.com/verdantlabs/canopy/internal/storage"
)

// generationResult is the JSON payload recorded on a finished
// image-generation task.
type generationResult struct {
	Score      float64 `json:"score"`
	Fidelity   float64 `json:"fidelity"`
	BestPrompt string  `json:"best_prompt"`
	Retries    int     `json:"retries"`
	ImagePath  string  `json:"image_path,omitempty"`
}

// SubmitImageGeneration starts a background generation job for a
// node. Returns ErrNodeBusy when the node already has one in flight.
func (r *Runner) SubmitImageGeneration(ctx context.Context, nodeID uuid.UUID) (model.Task, error) {
	return r.submitGeneration(ctx, nodeID, model.TaskKindImageGeneration)
}

// SubmitRegeneration restarts generation for a completed node on
// explicit user request. Prior image fields are cleared before the
// node re-enters generating, so a partial failure never leaves a
// stale image under a generating label.
func (r *Runner) SubmitRegeneration(ctx context.Context, nodeID uuid.UUID) (model.Task, error) {
	return r.submitGeneration(ctx, nodeID, model.TaskKindRegeneration)
}

func (r *Runner) submitGeneration(ctx context.Context, nodeID uuid.UUID, kind model.TaskKind) (model.Task, error) {
	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return model.Task{}, err
	}

	if err := r.acquireNode(nodeID); err != nil {
		return model.Task{}, err
	}

	task, err := r.store.CreateTask(ctx, node.TreeID, nodeID, kind)
	if err != nil {
		r.releaseNode(nodeID)
		return model.Task{}, err
	}

	r.spawn(nodeID, task, func(jobCtx context.Context) error {
		if kind == model.TaskKindRegeneration {
			if err := r.clearImageFields(jobCtx, nodeID); err != nil {
				return err
			}
		}
		return r.runGeneration(jobCtx, task, node)
	})
	return task, nil
}

func (r *Runner) clearImageFields(ctx context.Context, nodeID uuid.UUID) error {
	empty := ""
	zero := 0.0
	return r.store.UpdateNode(ctx, nodeID, storage.NodePatch{
		ImagePath:     &empty,
		ImageData:     []byte{},
		BestPrompt:    &empty,
		QualityScore:  &zero,
		FidelityScore: &zero,
	})
}

// runGeneration drives one node through the full pipeline, retrying
// the whole run with the node's original prompt when the final
// verdict recommends it and budget remains. An outright synthesis
// failure fails the node without consuming a quality retry.
func (r *Runner) runGeneration(ctx context.Context, task model.Task, node model.Node) error {
	generating := model.NodeStatusGenerating
	if err := r.store.UpdateNode(ctx, node.ID, storage.NodePatch{Status: &generating}); err != nil {
		return fmt.Errorf("jobs: mark node generating: %w", err)
	}

	cfg := *r.cfg.Load()
	retries := 0
	for {
		res, err := r.gen.Generate(ctx, node.TreeID, node.Prompt, cfg)
		if err != nil {
			return fmt.Errorf("jobs: generation for node %s: %w", node.ID, err)
		}

		if res.Verdict.RetryRecommended && retries < r.opts.MaxRetries {
			retries++
			r.logger.Info("verdict recommends retry, restarting run",
				"node_id", node.ID, "attempt", retries, "score", res.Score)
			continue
		}

		completed := model.NodeStatusCompleted
		if err := r.store.UpdateNode(ctx, node.ID, storage.NodePatch{
			ImageData:     res.Image,
			BestPrompt:    &res.Prompt,
			QualityScore:  &res.Score,
			FidelityScore: &res.Verdict.Fidelity,
			Status:        &completed,
		}); err != nil {
			return fmt.Errorf("jobs: persist generation result: %w", err)
		}

		r.completeTask(ctx, task, generationResult{
			Score:      res.Score,
			Fidelity:   res.Verdict.Fidelity,
			BestPrompt: res.Prompt,
			Retries:    retries,
		})

		r.extractKeywordsAsync(node.ID, res.Prompt)
		return nil
	}
}

// extractKeywordsAsync runs a best-effort keyword pass over the
// accepted prompt. Its failure never reverts the node's completed
// status.
func (r *Runner) extractKeywordsAsync(nodeID uuid.UUID, prompt string) {
	if r.extractor == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.rootCtx, 2*time.Minute)
		defer cancel()

		kws, err := r.extractor.Extract(ctx, prompt)
		if err != nil {
			r.logger.Warn("keyword extraction failed", "node_id", nodeID, "error", err)
			return
		}
		if err := r.store.UpdateNode(ctx, nodeID, storage.NodePatch{Keywords: kws}); err != nil {
			r.logger.Warn("failed to store keywords", "node_id", nodeID, "error", err)
		}
	}()
}

// SubmitKeywordExtraction runs keyword extraction for a node that
// does not need image synthesis (a fresh root), moving it to ready.
func (r *Runner) SubmitKeywordExtraction(ctx context.Context, nodeID uuid.UUID) (model.Task, error) {
	if r.extractor == nil {
		return model.Task{}, fmt.Errorf("jobs: no keyword extractor configured")
	}
	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return model.Task{}, err
	}
	if err := r.acquireNode(nodeID); err != nil {
		return model.Task{}, err
	}
	task, err := r.store.CreateTask(ctx, node.TreeID, nodeID, model.TaskKindKeywordExtraction)
	if err != nil {
		r.releaseNode(nodeID)
		return model.Task{}, err
	}

	r.spawn(nodeID, task, func(jobCtx context.Context) error {
		kws, err := r.extractor.Extract(jobCtx, node.Prompt)
		if err != nil {
			return fmt.Errorf("jobs: extract keywords for node %s: %w", node.ID, err)
		}
		ready := model.NodeStatusReady
		if err := r.store.UpdateNode(jobCtx, node.ID, storage.NodePatch{
			Keywords: kws,
			Status:   &ready,
		}); err != nil {
			return fmt.Errorf("jobs: store keywords: %w", err)
		}
		r.completeTask(jobCtx, task, map[string]int{"keywords": len(kws)})
		return nil
	})
	return task, nil
}
