package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/verdantlabs/canopy/internal/jsonrepair"
	"github.com/verdantlabs/canopy/internal/model"
)

// branchCount is how many exploration directions one branch request
// produces.
const branchCount = 4

const branchSystemPrompt = `You are an expert image prompt writer. Given a base prompt and selected visual keywords, propose exactly 4 creative variations, each exploring a distinct direction.

Reply ONLY with a JSON object:
{"branches": [{"direction": "short label", "prompt": "full enhanced prompt"}, ...]}

Each direction label must be distinct (e.g. "more dramatic", "softer mood"). Each prompt must keep the base subject recognizable.`

// fallbackDirections are used when the language backend cannot
// produce branch prompts. Deterministic so repeated failures branch
// identically.
var fallbackDirections = [branchCount]string{
	"more detailed",
	"more dramatic",
	"softer mood",
	"different perspective",
}

type branchPrompt struct {
	Direction string `json:"direction"`
	Prompt    string `json:"prompt"`
}

// branchResult is the JSON payload recorded on a finished
// branch-generation task.
type branchResult struct {
	Children []uuid.UUID `json:"children"`
}

// SubmitBranchGeneration expands a node into branchCount children,
// each with a direction-labeled prompt variation, then fans out an
// image-generation job for every child.
func (r *Runner) SubmitBranchGeneration(ctx context.Context, nodeID uuid.UUID, selected []model.Keyword) (model.Task, error) {
	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return model.Task{}, err
	}
	if err := r.acquireNode(nodeID); err != nil {
		return model.Task{}, err
	}
	task, err := r.store.CreateTask(ctx, node.TreeID, nodeID, model.TaskKindBranchGeneration)
	if err != nil {
		r.releaseNode(nodeID)
		return model.Task{}, err
	}

	r.spawn(nodeID, task, func(jobCtx context.Context) error {
		return r.runBranchGeneration(jobCtx, task, node, selected)
	})
	return task, nil
}

func (r *Runner) runBranchGeneration(ctx context.Context, task model.Task, parent model.Node, selected []model.Keyword) error {
	prompts := r.branchPrompts(ctx, parent.Prompt, selected)

	children := make([]model.Node, 0, len(prompts))
	for _, bp := range prompts {
		child, err := r.store.AddNode(ctx, parent.TreeID, parent.ID, bp.Prompt, bp.Direction)
		if err != nil {
			return fmt.Errorf("jobs: add branch node: %w", err)
		}
		children = append(children, child)
	}

	ids := make([]uuid.UUID, len(children))
	for i, c := range children {
		ids[i] = c.ID
	}
	r.completeTask(ctx, task, branchResult{Children: ids})

	// Fan out image generation for every child. Submission errors are
	// collected but do not undo siblings that started.
	g := new(errgroup.Group)
	for _, child := range children {
		g.Go(func() error {
			_, err := r.SubmitImageGeneration(ctx, child.ID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("some branch jobs failed to start", "parent_id", parent.ID, "error", err)
	}
	return nil
}

// branchPrompts asks the language backend for direction-labeled
// variations, falling back to deterministic direction suffixes.
func (r *Runner) branchPrompts(ctx context.Context, basePrompt string, selected []model.Keyword) []branchPrompt {
	if r.completer != nil {
		prompts, err := r.requestBranchPrompts(ctx, basePrompt, selected)
		if err == nil {
			return prompts
		}
		r.logger.Warn("branch prompt generation failed, using fallback", "error", err)
	}
	return fallbackBranchPrompts(basePrompt, selected)
}

func (r *Runner) requestBranchPrompts(ctx context.Context, basePrompt string, selected []model.Keyword) ([]branchPrompt, error) {
	var sb strings.Builder
	sb.WriteString("Base prompt: ")
	sb.WriteString(basePrompt)
	if len(selected) > 0 {
		sb.WriteString("\nSelected keywords: ")
		for i, kw := range selected {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(kw.Text)
		}
	}

	reply, err := r.completer.GenerateText(ctx, sb.String(), branchSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("jobs: branch prompt request: %w", err)
	}

	var wrapper struct {
		Branches []branchPrompt `json:"branches"`
	}
	if err := json.Unmarshal([]byte(jsonrepair.Repair(reply)), &wrapper); err != nil {
		return nil, fmt.Errorf("jobs: decode branch prompts: %w", err)
	}

	var out []branchPrompt
	for _, bp := range wrapper.Branches {
		if strings.TrimSpace(bp.Prompt) == "" {
			continue
		}
		out = append(out, bp)
		if len(out) == branchCount {
			break
		}
	}
	if len(out) != branchCount {
		return nil, fmt.Errorf("jobs: expected %d branch prompts, got %d", branchCount, len(out))
	}
	return out, nil
}

// fallbackBranchPrompts derives branchCount variations from the base
// prompt and selected keywords alone.
func fallbackBranchPrompts(basePrompt string, selected []model.Keyword) []branchPrompt {
	var kwSuffix string
	if len(selected) > 0 {
		parts := make([]string, 0, len(selected))
		for _, kw := range selected {
			parts = append(parts, kw.Text)
		}
		kwSuffix = ", emphasizing " + strings.Join(parts, ", ")
	}

	out := make([]branchPrompt, 0, branchCount)
	for _, dir := range fallbackDirections {
		out = append(out, branchPrompt{
			Direction: dir,
			Prompt:    basePrompt + kwSuffix + ", " + dir,
		})
	}
	return out
}
