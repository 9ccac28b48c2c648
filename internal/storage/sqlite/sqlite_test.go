package sqlite

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/canopy/internal/model"
	"github.com/verdantlabs/canopy/internal/storage"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestCreateTreeCreatesRoot(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tree, root, err := db.CreateTree(ctx, "a misty forest", map[string]any{"source": "test"})
	require.NoError(t, err)
	assert.Equal(t, "a misty forest", tree.RootPrompt)
	assert.Equal(t, tree.ID, root.TreeID)
	assert.Nil(t, root.ParentID)
	assert.Equal(t, model.NodeStatusPending, root.Status)
	assert.Equal(t, model.RootBranch(), root.Branch)

	gotTree, nodes, err := db.GetTree(ctx, tree.ID)
	require.NoError(t, err)
	assert.Equal(t, tree.ID, gotTree.ID)
	assert.Equal(t, "test", gotTree.Metadata["source"])
	require.Len(t, nodes, 1)
	assert.Equal(t, root.ID, nodes[0].ID)
}

func TestGetTreeNotFound(t *testing.T) {
	db := openTestDB(t)
	_, _, err := db.GetTree(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAddNodeComputesBranchMetadata(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tree, root, err := db.CreateTree(ctx, "prompt", nil)
	require.NoError(t, err)

	first, err := db.AddNode(ctx, tree.ID, root.ID, "child 1", "more dramatic")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Branch.Level)
	assert.Equal(t, 0, first.Branch.Index)
	assert.Equal(t, "more dramatic", first.Branch.Direction)
	assert.Equal(t, "v1.1", first.Branch.Version)

	second, err := db.AddNode(ctx, tree.ID, root.ID, "child 2", "")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Branch.Index)
	assert.Equal(t, "branch 2", second.Branch.Direction)
	assert.Equal(t, "v1.2", second.Branch.Version)

	grandchild, err := db.AddNode(ctx, tree.ID, first.ID, "grandchild", "closer")
	require.NoError(t, err)
	assert.Equal(t, 2, grandchild.Branch.Level)
	assert.Equal(t, "v2.1", grandchild.Branch.Version)

	children, err := db.ListChildren(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, first.ID, children[0].ID)
	assert.Equal(t, second.ID, children[1].ID)

	// GetTree wires parent-to-child links.
	_, nodes, err := db.GetTree(ctx, tree.ID)
	require.NoError(t, err)
	for _, n := range nodes {
		if n.ID == root.ID {
			assert.ElementsMatch(t, []uuid.UUID{first.ID, second.ID}, n.Children)
		}
	}
}

func TestAddNodeMissingParent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tree, _, err := db.CreateTree(ctx, "prompt", nil)
	require.NoError(t, err)

	_, err = db.AddNode(ctx, tree.ID, uuid.New(), "child", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateNodePartialFields(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, root, err := db.CreateTree(ctx, "original prompt", nil)
	require.NoError(t, err)

	status := model.NodeStatusGenerating
	require.NoError(t, db.UpdateNode(ctx, root.ID, storage.NodePatch{Status: &status}))

	node, err := db.GetNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusGenerating, node.Status)
	assert.Equal(t, "original prompt", node.Prompt, "untouched fields keep their value")

	score := 8.5
	best := "enhanced prompt"
	done := model.NodeStatusCompleted
	require.NoError(t, db.UpdateNode(ctx, root.ID, storage.NodePatch{
		ImageData:     []byte("png bytes"),
		BestPrompt:    &best,
		QualityScore:  &score,
		Status:        &done,
		Keywords:      []model.Keyword{{Text: "forest", Type: "subject"}},
	}))

	node, err = db.GetNode(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("png bytes"), node.ImageData)
	assert.Equal(t, "enhanced prompt", node.BestPrompt)
	assert.Equal(t, 8.5, node.QualityScore)
	assert.Equal(t, model.NodeStatusCompleted, node.Status)
	require.Len(t, node.Keywords, 1)
	assert.Equal(t, "forest", node.Keywords[0].Text)
}

func TestUpdateNodeNotFound(t *testing.T) {
	db := openTestDB(t)
	status := model.NodeStatusFailed
	err := db.UpdateNode(context.Background(), uuid.New(), storage.NodePatch{Status: &status})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteTreeCascades(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tree, root, err := db.CreateTree(ctx, "prompt", nil)
	require.NoError(t, err)
	child, err := db.AddNode(ctx, tree.ID, root.ID, "child", "")
	require.NoError(t, err)
	task, err := db.CreateTask(ctx, tree.ID, child.ID, model.TaskKindImageGeneration)
	require.NoError(t, err)

	require.NoError(t, db.DeleteTree(ctx, tree.ID))

	_, err = db.GetNode(ctx, child.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = db.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTaskLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tree, root, err := db.CreateTree(ctx, "prompt", nil)
	require.NoError(t, err)

	task, err := db.CreateTask(ctx, tree.ID, root.ID, model.TaskKindKeywordExtraction)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, task.Status)

	require.NoError(t, db.UpdateTask(ctx, task.ID, model.TaskStatusRunning, nil, ""))
	got, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, got.Status)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, db.UpdateTask(ctx, task.ID, model.TaskStatusCompleted, []byte(`{"count":3}`), ""))
	got, err = db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
	assert.JSONEq(t, `{"count":3}`, string(got.Result))
	assert.NotNil(t, got.CompletedAt)
}

func TestKeywordCache(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.CachedKeywords(ctx, "a red barn")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	kws := []model.Keyword{
		{Text: "red barn", Type: "subject", VisualStrength: "high"},
		{Text: "rural", Type: "setting", VisualStrength: "medium"},
	}
	require.NoError(t, db.CacheKeywords(ctx, "a red barn", kws))

	got, err := db.CachedKeywords(ctx, "a red barn")
	require.NoError(t, err)
	assert.Equal(t, kws, got)

	// Cosmetic whitespace and case differences still hit.
	got, err = db.CachedKeywords(ctx, "  A  Red   Barn ")
	require.NoError(t, err)
	assert.Equal(t, kws, got)

	var count int
	require.NoError(t, db.db.QueryRow(
		`SELECT usage_count FROM keyword_cache WHERE prompt_hash = ?`,
		storage.PromptHash("a red barn"),
	).Scan(&count))
	assert.Equal(t, 3, count)
}

func TestSettingsLastWriteWins(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Setting(ctx, "provider")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, db.SaveSetting(ctx, "provider", "ollama"))
	require.NoError(t, db.SaveSetting(ctx, "provider", "openrouter"))

	v, err := db.Setting(ctx, "provider")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", v)

	require.NoError(t, db.SaveSetting(ctx, "model", "llava"))
	all, err := db.AllSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"provider": "openrouter", "model": "llava"}, all)
}

func TestRecentTrees(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, p := range []string{"first", "second", "third"} {
		_, _, err := db.CreateTree(ctx, p, nil)
		require.NoError(t, err)
	}

	trees, err := db.RecentTrees(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, trees, 2)
}
