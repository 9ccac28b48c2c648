// Package storage defines the persistence contract shared by the
// Postgres and SQLite backends.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/verdantlabs/canopy/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// NodePatch carries a partial node update. Only non-nil fields
// change; everything else keeps its stored value.
type NodePatch struct {
	Prompt        *string
	ImagePath     *string
	ImageData     []byte
	BestPrompt    *string
	Keywords      []model.Keyword
	QualityScore  *float64
	FidelityScore *float64
	Status        *model.NodeStatus
}

// Store is the persistence collaborator for trees, nodes, tasks, the
// keyword cache, and user settings. Implementations serialize access
// internally; callers never assume exclusive access.
type Store interface {
	// CreateTree creates a tree together with its root node.
	CreateTree(ctx context.Context, rootPrompt string, metadata map[string]any) (model.Tree, model.Node, error)
	GetTree(ctx context.Context, id uuid.UUID) (model.Tree, []model.Node, error)
	RecentTrees(ctx context.Context, limit int) ([]model.Tree, error)
	// DeleteTree removes the tree and cascades to its nodes and tasks.
	DeleteTree(ctx context.Context, id uuid.UUID) error

	// AddNode appends a child under parentID, computing branch
	// metadata from the parent and its current sibling count.
	AddNode(ctx context.Context, treeID, parentID uuid.UUID, prompt, direction string) (model.Node, error)
	GetNode(ctx context.Context, id uuid.UUID) (model.Node, error)
	UpdateNode(ctx context.Context, id uuid.UUID, patch NodePatch) error
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]model.Node, error)

	CreateTask(ctx context.Context, treeID, nodeID uuid.UUID, kind model.TaskKind) (model.Task, error)
	UpdateTask(ctx context.Context, id uuid.UUID, status model.TaskStatus, result []byte, errText string) error
	GetTask(ctx context.Context, id uuid.UUID) (model.Task, error)

	// CachedKeywords looks up the keyword cache by a content hash of
	// the prompt, bumping the usage count on a hit.
	CachedKeywords(ctx context.Context, prompt string) ([]model.Keyword, error)
	CacheKeywords(ctx context.Context, prompt string, kws []model.Keyword) error

	// SaveSetting stores a user setting with last-write-wins semantics.
	SaveSetting(ctx context.Context, key, value string) error
	Setting(ctx context.Context, key string) (string, error)
	AllSettings(ctx context.Context) (map[string]string, error)

	Close()
}

// PromptHash returns the cache key for a prompt. Exported so both
// backends key the keyword cache identically.
func PromptHash(prompt string) string {
	return promptHash(prompt)
}
