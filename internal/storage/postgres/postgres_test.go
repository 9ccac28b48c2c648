package postgres_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/canopy/internal/model"
	"github.com/verdantlabs/canopy/internal/storage"
	"github.com/verdantlabs/canopy/internal/storage/postgres"
	"github.com/verdantlabs/canopy/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *postgres.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := tc.NewTestDB(context.Background(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func TestTreeAndNodeRoundTrip(t *testing.T) {
	ctx := context.Background()

	tree, root, err := testDB.CreateTree(ctx, "a lighthouse in a storm", map[string]any{"source": "test"})
	require.NoError(t, err)
	assert.Nil(t, root.ParentID)
	assert.Equal(t, model.RootBranch(), root.Branch)

	child, err := testDB.AddNode(ctx, tree.ID, root.ID, "a lighthouse, dramatic waves", "more dramatic")
	require.NoError(t, err)
	assert.Equal(t, 1, child.Branch.Level)
	assert.Equal(t, "v1.1", child.Branch.Version)

	second, err := testDB.AddNode(ctx, tree.ID, root.ID, "a lighthouse at dusk", "")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Branch.Index)
	assert.Equal(t, "branch 2", second.Branch.Direction)

	gotTree, nodes, err := testDB.GetTree(ctx, tree.ID)
	require.NoError(t, err)
	assert.Equal(t, "test", gotTree.Metadata["source"])
	assert.Len(t, nodes, 3)
}

func TestUpdateNodePatchSemantics(t *testing.T) {
	ctx := context.Background()
	_, root, err := testDB.CreateTree(ctx, "patch me", nil)
	require.NoError(t, err)

	score := 9.2
	status := model.NodeStatusCompleted
	require.NoError(t, testDB.UpdateNode(ctx, root.ID, storage.NodePatch{
		ImageData:    []byte("image"),
		QualityScore: &score,
		Status:       &status,
		Keywords:     []model.Keyword{{Text: "patch", Type: "subject"}},
	}))

	node, err := testDB.GetNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, "patch me", node.Prompt, "unpatched fields retain prior values")
	assert.Equal(t, []byte("image"), node.ImageData)
	assert.Equal(t, 9.2, node.QualityScore)
	assert.Equal(t, model.NodeStatusCompleted, node.Status)
	require.Len(t, node.Keywords, 1)
}

func TestTaskRecords(t *testing.T) {
	ctx := context.Background()
	tree, root, err := testDB.CreateTree(ctx, "task tree", nil)
	require.NoError(t, err)

	task, err := testDB.CreateTask(ctx, tree.ID, root.ID, model.TaskKindBranchGeneration)
	require.NoError(t, err)

	require.NoError(t, testDB.UpdateTask(ctx, task.ID, model.TaskStatusCompleted, []byte(`{"children":4}`), ""))
	got, err := testDB.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"children":4}`, string(got.Result))
}

func TestKeywordCacheUsageCount(t *testing.T) {
	ctx := context.Background()
	prompt := "keyword cache prompt " + uuid.NewString()

	_, err := testDB.CachedKeywords(ctx, prompt)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	kws := []model.Keyword{{Text: "cache", Type: "subject", VisualStrength: "high"}}
	require.NoError(t, testDB.CacheKeywords(ctx, prompt, kws))

	got, err := testDB.CachedKeywords(ctx, prompt)
	require.NoError(t, err)
	assert.Equal(t, kws, got)

	got, err = testDB.CachedKeywords(ctx, prompt)
	require.NoError(t, err)
	assert.Equal(t, kws, got)
}

func TestDeleteTreeCascade(t *testing.T) {
	ctx := context.Background()
	tree, root, err := testDB.CreateTree(ctx, "doomed tree", nil)
	require.NoError(t, err)
	task, err := testDB.CreateTask(ctx, tree.ID, root.ID, model.TaskKindImageGeneration)
	require.NoError(t, err)

	require.NoError(t, testDB.DeleteTree(ctx, tree.ID))

	_, err = testDB.GetNode(ctx, root.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	key := "setting-" + uuid.NewString()

	require.NoError(t, testDB.SaveSetting(ctx, key, "one"))
	require.NoError(t, testDB.SaveSetting(ctx, key, "two"))

	v, err := testDB.Setting(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "two", v)
}
