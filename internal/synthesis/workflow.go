package synthesis

import (
	"fmt"
	"time"
)

// Workflow is the declarative graph of synthesis stages submitted to
// the engine. Stages reference each other by numeric node id.
type Workflow map[string]Stage

// Stage is one node of the workflow graph.
type Stage struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Params are the sampling parameters of one synthesis run.
type Params struct {
	Steps    int
	CFGScale float64
	Width    int
	Height   int
}

func (p Params) withDefaults() Params {
	if p.Steps <= 0 {
		p.Steps = 9
	}
	if p.CFGScale <= 0 {
		p.CFGScale = 1.0
	}
	if p.Width <= 0 {
		p.Width = 1536
	}
	if p.Height <= 0 {
		p.Height = 1536
	}
	return p
}

// Workflow graph node ids. The graph shape is fixed; only prompt text,
// seed, and sampling parameters vary between runs.
const (
	nodeCLIPLoader   = "39"
	nodeVAELoader    = "40"
	nodeEmptyLatent  = "41"
	nodeCondZeroOut  = "42"
	nodeVAEDecode    = "43"
	nodeKSampler     = "44"
	nodeTextEncode   = "45"
	nodeUNETLoader   = "46"
	nodeModelSample  = "47"
	nodeSaveImage    = "9"
)

// BuildWorkflow assembles the fixed stage graph for one prompt and
// seed: model loaders, text encoder, a conditioning zero-out feeding
// the sampler's unconditional branch, VAE decode, and save. The seed
// is drawn fresh per iteration by the caller so repeated iterations of
// the same prompt are not deterministic replays.
func BuildWorkflow(prompt string, seed int64, p Params) Workflow {
	p = p.withDefaults()
	prefix := fmt.Sprintf("gen_%s_%d", time.Now().Format("20060102_150405"), seed)

	return Workflow{
		nodeCLIPLoader: {
			ClassType: "CLIPLoader",
			Inputs: map[string]any{
				"clip_name": "qwen_3_4b.safetensors",
				"type":      "lumina2",
				"device":    "default",
			},
		},
		nodeVAELoader: {
			ClassType: "VAELoader",
			Inputs: map[string]any{
				"vae_name": "ae.safetensors",
			},
		},
		nodeEmptyLatent: {
			ClassType: "EmptySD3LatentImage",
			Inputs: map[string]any{
				"width":      p.Width,
				"height":     p.Height,
				"batch_size": 1,
			},
		},
		nodeCondZeroOut: {
			ClassType: "ConditioningZeroOut",
			Inputs: map[string]any{
				"conditioning": []any{nodeTextEncode, 0},
			},
		},
		nodeVAEDecode: {
			ClassType: "VAEDecode",
			Inputs: map[string]any{
				"samples": []any{nodeKSampler, 0},
				"vae":     []any{nodeVAELoader, 0},
			},
		},
		nodeKSampler: {
			ClassType: "KSampler",
			Inputs: map[string]any{
				"seed":         seed,
				"steps":        p.Steps,
				"cfg":          p.CFGScale,
				"sampler_name": "res_multistep",
				"scheduler":    "simple",
				"denoise":      1,
				"model":        []any{nodeModelSample, 0},
				"positive":     []any{nodeTextEncode, 0},
				"negative":     []any{nodeCondZeroOut, 0},
				"latent_image": []any{nodeEmptyLatent, 0},
			},
		},
		nodeTextEncode: {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]any{
				"text": prompt,
				"clip": []any{nodeCLIPLoader, 0},
			},
		},
		nodeUNETLoader: {
			ClassType: "UNETLoader",
			Inputs: map[string]any{
				"unet_name":    "z_image_turbo_bf16.safetensors",
				"weight_dtype": "default",
			},
		},
		nodeModelSample: {
			ClassType: "ModelSamplingAuraFlow",
			Inputs: map[string]any{
				"shift": 3,
				"model": []any{nodeUNETLoader, 0},
			},
		},
		nodeSaveImage: {
			ClassType: "SaveImage",
			Inputs: map[string]any{
				"filename_prefix": prefix,
				"images":          []any{nodeVAEDecode, 0},
			},
		},
	}
}
