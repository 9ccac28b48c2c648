package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/verdantlabs/canopy/internal/model"
	"github.com/verdantlabs/canopy/internal/storage"
)

// CreateTree inserts a new tree together with its root node in one
// transaction.
func (db *DB) CreateTree(ctx context.Context, rootPrompt string, metadata map[string]any) (model.Tree, model.Node, error) {
	now := time.Now().UTC()
	tree := model.Tree{
		ID:         uuid.New(),
		RootPrompt: rootPrompt,
		Status:     "active",
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	root := model.Node{
		ID:        uuid.New(),
		TreeID:    tree.ID,
		Prompt:    rootPrompt,
		Status:    model.NodeStatusPending,
		Branch:    model.RootBranch(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	metaJSON, err := json.Marshal(orEmptyMap(metadata))
	if err != nil {
		return model.Tree{}, model.Node{}, fmt.Errorf("postgres: marshal tree metadata: %w", err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Tree{}, model.Node{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO trees (id, root_prompt, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		tree.ID, tree.RootPrompt, tree.Status, metaJSON, tree.CreatedAt, tree.UpdatedAt,
	); err != nil {
		return model.Tree{}, model.Node{}, fmt.Errorf("postgres: create tree: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO nodes (id, tree_id, parent_id, prompt, keywords, status,
		 branch_level, branch_index, direction, version, created_at, updated_at)
		 VALUES ($1, $2, NULL, $3, '[]', $4, $5, $6, $7, $8, $9, $10)`,
		root.ID, root.TreeID, root.Prompt, root.Status,
		root.Branch.Level, root.Branch.Index, root.Branch.Direction, root.Branch.Version,
		root.CreatedAt, root.UpdatedAt,
	); err != nil {
		return model.Tree{}, model.Node{}, fmt.Errorf("postgres: create root node: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Tree{}, model.Node{}, fmt.Errorf("postgres: commit create tree: %w", err)
	}
	return tree, root, nil
}

// GetTree retrieves a tree and all of its nodes.
func (db *DB) GetTree(ctx context.Context, id uuid.UUID) (model.Tree, []model.Node, error) {
	var tree model.Tree
	var metaJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, root_prompt, status, metadata, created_at, updated_at
		 FROM trees WHERE id = $1`, id,
	).Scan(&tree.ID, &tree.RootPrompt, &tree.Status, &metaJSON, &tree.CreatedAt, &tree.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Tree{}, nil, fmt.Errorf("postgres: tree %s: %w", id, storage.ErrNotFound)
		}
		return model.Tree{}, nil, fmt.Errorf("postgres: get tree: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &tree.Metadata); err != nil {
			return model.Tree{}, nil, fmt.Errorf("postgres: decode tree metadata: %w", err)
		}
	}

	rows, err := db.pool.Query(ctx, selectNode+` WHERE tree_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return model.Tree{}, nil, fmt.Errorf("postgres: list tree nodes: %w", err)
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return model.Tree{}, nil, fmt.Errorf("postgres: scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return model.Tree{}, nil, fmt.Errorf("postgres: iterate tree nodes: %w", err)
	}
	attachChildren(nodes)
	return tree, nodes, nil
}

// RecentTrees lists trees newest first.
func (db *DB) RecentTrees(ctx context.Context, limit int) ([]model.Tree, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, root_prompt, status, metadata, created_at, updated_at
		 FROM trees ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trees: %w", err)
	}
	defer rows.Close()

	var trees []model.Tree
	for rows.Next() {
		var tree model.Tree
		var metaJSON []byte
		if err := rows.Scan(&tree.ID, &tree.RootPrompt, &tree.Status, &metaJSON,
			&tree.CreatedAt, &tree.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan tree: %w", err)
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &tree.Metadata)
		}
		trees = append(trees, tree)
	}
	return trees, rows.Err()
}

// DeleteTree removes a tree; nodes and tasks cascade.
func (db *DB) DeleteTree(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM trees WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete tree: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: tree %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// attachChildren fills each node's Children slice from the parent
// links of the loaded set.
func attachChildren(nodes []model.Node) {
	index := make(map[uuid.UUID]*model.Node, len(nodes))
	for i := range nodes {
		index[nodes[i].ID] = &nodes[i]
	}
	for i := range nodes {
		if p := nodes[i].ParentID; p != nil {
			if parent, ok := index[*p]; ok {
				parent.Children = append(parent.Children, nodes[i].ID)
			}
		}
	}
}
