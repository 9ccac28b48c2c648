package synthesis

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWorkflowGraph(t *testing.T) {
	wf := BuildWorkflow("a misty forest at dawn", 42, Params{})

	encode, ok := wf[nodeTextEncode]
	require.True(t, ok, "text encode stage missing")
	assert.Equal(t, "CLIPTextEncode", encode.ClassType)
	assert.Equal(t, "a misty forest at dawn", encode.Inputs["text"])

	sampler, ok := wf[nodeKSampler]
	require.True(t, ok, "sampler stage missing")
	assert.Equal(t, int64(42), sampler.Inputs["seed"])
	assert.Equal(t, 9, sampler.Inputs["steps"])
	assert.Equal(t, 1.0, sampler.Inputs["cfg"])
	assert.Equal(t, "res_multistep", sampler.Inputs["sampler_name"])

	latent, ok := wf[nodeEmptyLatent]
	require.True(t, ok)
	assert.Equal(t, 1536, latent.Inputs["width"])
	assert.Equal(t, 1536, latent.Inputs["height"])

	save, ok := wf[nodeSaveImage]
	require.True(t, ok)
	assert.Contains(t, save.Inputs["filename_prefix"], "gen_")
}

func TestBuildWorkflowParamOverrides(t *testing.T) {
	wf := BuildWorkflow("x", 1, Params{Steps: 20, CFGScale: 3.5, Width: 1024, Height: 768})

	assert.Equal(t, 20, wf[nodeKSampler].Inputs["steps"])
	assert.Equal(t, 3.5, wf[nodeKSampler].Inputs["cfg"])
	assert.Equal(t, 1024, wf[nodeEmptyLatent].Inputs["width"])
	assert.Equal(t, 768, wf[nodeEmptyLatent].Inputs["height"])
}

func TestWorkflowStageWiring(t *testing.T) {
	wf := BuildWorkflow("x", 1, Params{})

	// Sampler consumes the shifted model, the encoded prompt, its
	// zeroed negative and the empty latent.
	sampler := wf[nodeKSampler].Inputs
	assert.Equal(t, []any{nodeModelSample, 0}, sampler["model"])
	assert.Equal(t, []any{nodeTextEncode, 0}, sampler["positive"])
	assert.Equal(t, []any{nodeCondZeroOut, 0}, sampler["negative"])
	assert.Equal(t, []any{nodeEmptyLatent, 0}, sampler["latent_image"])

	decode := wf[nodeVAEDecode].Inputs
	assert.Equal(t, []any{nodeKSampler, 0}, decode["samples"])
	assert.Equal(t, []any{nodeVAELoader, 0}, decode["vae"])

	assert.Equal(t, []any{nodeVAEDecode, 0}, wf[nodeSaveImage].Inputs["images"])
}

func TestWorkflowMarshals(t *testing.T) {
	wf := BuildWorkflow("prompt", 7, Params{})
	data, err := json.Marshal(wf)
	require.NoError(t, err)

	var back map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "KSampler", back[nodeKSampler]["class_type"])
}
