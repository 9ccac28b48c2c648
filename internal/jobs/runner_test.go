package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/canopy/internal/model"
	"github.com/verdantlabs/canopy/internal/orchestrator"
	"github.com/verdantlabs/canopy/internal/storage"
	"github.com/verdantlabs/canopy/internal/storage/sqlite"
)

// fakeGen scripts per-call generation outcomes.
type fakeGen struct {
	mu      sync.Mutex
	results []genOutcome
	calls   int
	prompts []string
	block   chan struct{} // when non-nil, Generate waits on it
}

type genOutcome struct {
	res orchestrator.Result
	err error
}

func (f *fakeGen) Generate(ctx context.Context, treeID uuid.UUID, prompt string, cfg orchestrator.Config) (orchestrator.Result, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return orchestrator.Result{}, ctx.Err()
		}
	}
	if i < len(f.results) {
		return f.results[i].res, f.results[i].err
	}
	return orchestrator.Result{Image: []byte("img"), Prompt: prompt, Score: 8.0,
		Verdict: model.Verdict{Score: 8.0, Fidelity: 8.0, Passed: true}}, nil
}

func (f *fakeGen) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeExtractor struct {
	err error
}

func (f *fakeExtractor) Extract(ctx context.Context, prompt string) ([]model.Keyword, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []model.Keyword{{Text: "kw", Type: "subject", VisualStrength: "high"}}, nil
}

type fakeBranchCompleter struct {
	reply string
	err   error
}

func (f *fakeBranchCompleter) GenerateText(ctx context.Context, prompt, system string) (string, error) {
	return f.reply, f.err
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func newTestRunner(t *testing.T, store storage.Store, gen Generator, completer TextCompleter, maxRetries int) *Runner {
	t.Helper()
	r := NewRunner(store, gen, &fakeExtractor{}, completer,
		orchestrator.DefaultConfig(),
		Options{Workers: 4, JobTimeout: 10 * time.Second, MaxRetries: maxRetries}, nil)
	t.Cleanup(r.Close)
	return r
}

func TestImageGenerationCompletesNode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, root, err := store.CreateTree(ctx, "a cat in a hat", nil)
	require.NoError(t, err)

	gen := &fakeGen{results: []genOutcome{{res: orchestrator.Result{
		Image: []byte("png"), Prompt: "a cat in a hat, refined", Score: 8.2,
		Verdict: model.Verdict{Score: 8.2, Fidelity: 7.9, Passed: true},
	}}}}
	r := newTestRunner(t, store, gen, nil, 2)

	task, err := r.SubmitImageGeneration(ctx, root.ID)
	require.NoError(t, err)
	r.Wait()

	node, err := store.GetNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusCompleted, node.Status)
	assert.Equal(t, []byte("png"), node.ImageData)
	assert.Equal(t, "a cat in a hat, refined", node.BestPrompt)
	assert.Equal(t, 8.2, node.QualityScore)
	assert.Equal(t, 7.9, node.FidelityScore)
	assert.NotEmpty(t, node.Keywords, "completion triggers keyword extraction")

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
}

func TestGenerationFailureMarksNodeFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, root, err := store.CreateTree(ctx, "prompt", nil)
	require.NoError(t, err)

	gen := &fakeGen{results: []genOutcome{{err: orchestrator.ErrAllIterationsFailed}}}
	r := newTestRunner(t, store, gen, nil, 2)

	task, err := r.SubmitImageGeneration(ctx, root.ID)
	require.NoError(t, err)
	r.Wait()

	node, err := store.GetNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusFailed, node.Status)
	assert.Equal(t, 1, gen.callCount(), "synthesis failure must not consume a quality retry")

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
}

func TestRetryRecommendedReusesOriginalPrompt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, root, err := store.CreateTree(ctx, "original prompt", nil)
	require.NoError(t, err)

	lowRes := orchestrator.Result{Image: []byte("low"), Prompt: "drifted prompt", Score: 4.0,
		Verdict: model.Verdict{Score: 4.0, Fidelity: 4.0, RetryRecommended: true}}
	goodRes := orchestrator.Result{Image: []byte("good"), Prompt: "original prompt, v2", Score: 8.5,
		Verdict: model.Verdict{Score: 8.5, Fidelity: 8.0, Passed: true}}
	gen := &fakeGen{results: []genOutcome{{res: lowRes}, {res: goodRes}}}
	r := newTestRunner(t, store, gen, nil, 2)

	_, err = r.SubmitImageGeneration(ctx, root.ID)
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, 2, gen.callCount())
	assert.Equal(t, []string{"original prompt", "original prompt"}, gen.prompts,
		"whole-run retries restart from the node's original prompt")

	node, err := store.GetNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusCompleted, node.Status)
	assert.Equal(t, []byte("good"), node.ImageData)
}

func TestRetryBudgetExhaustedKeepsBest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, root, err := store.CreateTree(ctx, "prompt", nil)
	require.NoError(t, err)

	low := orchestrator.Result{Image: []byte("low"), Prompt: "prompt", Score: 3.0,
		Verdict: model.Verdict{Score: 3.0, Fidelity: 3.0, RetryRecommended: true}}
	gen := &fakeGen{results: []genOutcome{{res: low}, {res: low}}}
	r := newTestRunner(t, store, gen, nil, 1)

	_, err = r.SubmitImageGeneration(ctx, root.ID)
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, 2, gen.callCount(), "one initial run plus one retry")
	node, err := store.GetNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusCompleted, node.Status, "budget exhaustion keeps the best result")
	assert.Equal(t, []byte("low"), node.ImageData)
}

func TestSingleFlightPerNode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, root, err := store.CreateTree(ctx, "prompt", nil)
	require.NoError(t, err)

	block := make(chan struct{})
	gen := &fakeGen{block: block}
	r := newTestRunner(t, store, gen, nil, 0)

	_, err = r.SubmitImageGeneration(ctx, root.ID)
	require.NoError(t, err)

	_, err = r.SubmitImageGeneration(ctx, root.ID)
	assert.ErrorIs(t, err, ErrNodeBusy)

	close(block)
	r.Wait()

	// After the job settles the node can be driven again.
	_, err = r.SubmitImageGeneration(ctx, root.ID)
	require.NoError(t, err)
	r.Wait()
}

func TestRegenerationClearsImageFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, root, err := store.CreateTree(ctx, "prompt", nil)
	require.NoError(t, err)

	// Seed the node with a prior accepted image.
	score := 9.0
	best := "old best"
	path := "/tmp/old.png"
	completed := model.NodeStatusCompleted
	require.NoError(t, store.UpdateNode(ctx, root.ID, storage.NodePatch{
		ImagePath: &path, ImageData: []byte("old"), BestPrompt: &best,
		QualityScore: &score, FidelityScore: &score, Status: &completed,
	}))

	block := make(chan struct{})
	gen := &fakeGen{block: block}
	r := newTestRunner(t, store, gen, nil, 0)

	_, err = r.SubmitRegeneration(ctx, root.ID)
	require.NoError(t, err)

	// While the run is still in flight the stale image is gone.
	require.Eventually(t, func() bool {
		node, err := store.GetNode(ctx, root.ID)
		return err == nil && node.Status == model.NodeStatusGenerating
	}, 2*time.Second, 10*time.Millisecond)

	node, err := store.GetNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Empty(t, node.ImageData)
	assert.Empty(t, node.ImagePath)
	assert.Empty(t, node.BestPrompt)
	assert.Zero(t, node.QualityScore)

	close(block)
	r.Wait()

	node, err = store.GetNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusCompleted, node.Status)
	assert.Equal(t, []byte("img"), node.ImageData)
}

func TestKeywordExtractionMovesNodeToReady(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, root, err := store.CreateTree(ctx, "a fox in snow", nil)
	require.NoError(t, err)

	r := newTestRunner(t, store, &fakeGen{}, nil, 0)

	task, err := r.SubmitKeywordExtraction(ctx, root.ID)
	require.NoError(t, err)
	r.Wait()

	node, err := store.GetNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusReady, node.Status)
	assert.NotEmpty(t, node.Keywords)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
}

func TestKeywordExtractionWithoutExtractorRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, root, err := store.CreateTree(ctx, "a fox in snow", nil)
	require.NoError(t, err)

	r := NewRunner(store, &fakeGen{}, nil, nil,
		orchestrator.DefaultConfig(),
		Options{Workers: 1, JobTimeout: time.Second}, nil)
	t.Cleanup(r.Close)

	_, err = r.SubmitKeywordExtraction(ctx, root.ID)
	require.Error(t, err)

	// The node was never touched; a follow-up submit is not blocked.
	node, err := store.GetNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusPending, node.Status)
}

func TestUpdateConfigVisibleToNewJobs(t *testing.T) {
	store := newTestStore(t)
	r := newTestRunner(t, store, &fakeGen{}, nil, 0)

	cfg := r.Config()
	assert.Equal(t, 3, cfg.MaxIterations)

	cfg.MaxIterations = 7
	r.UpdateConfig(cfg)
	assert.Equal(t, 7, r.Config().MaxIterations)
}

func TestSubmitUnknownNode(t *testing.T) {
	store := newTestStore(t)
	r := newTestRunner(t, store, &fakeGen{}, nil, 0)

	_, err := r.SubmitImageGeneration(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCancelledJobLeavesNodeTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, root, err := store.CreateTree(ctx, "prompt", nil)
	require.NoError(t, err)

	block := make(chan struct{}) // never closed; only cancellation releases the job
	gen := &fakeGen{block: block}
	r := NewRunner(store, gen, &fakeExtractor{}, nil,
		orchestrator.DefaultConfig(),
		Options{Workers: 2, JobTimeout: 10 * time.Second}, nil)

	_, err = r.SubmitImageGeneration(ctx, root.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		node, err := store.GetNode(ctx, root.ID)
		return err == nil && node.Status == model.NodeStatusGenerating
	}, 2*time.Second, 10*time.Millisecond)

	r.Close()

	node, err := store.GetNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusFailed, node.Status, "cancelled jobs never leave a node stuck in generating")
}

func TestGenerationErrorNotFoundFromStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	gen := &fakeGen{results: []genOutcome{{err: errors.New("boom")}}}
	r := newTestRunner(t, store, gen, nil, 0)

	_, root, err := store.CreateTree(ctx, "prompt", nil)
	require.NoError(t, err)

	task, err := r.SubmitImageGeneration(ctx, root.ID)
	require.NoError(t, err)
	r.Wait()

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
}
