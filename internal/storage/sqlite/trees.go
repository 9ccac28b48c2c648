package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/verdantlabs/canopy/internal/model"
	"github.com/verdantlabs/canopy/internal/storage"
)

// CreateTree inserts a new tree together with its root node.
func (db *DB) CreateTree(ctx context.Context, rootPrompt string, metadata map[string]any) (model.Tree, model.Node, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

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

	meta := metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return model.Tree{}, model.Node{}, fmt.Errorf("sqlite: marshal tree metadata: %w", err)
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Tree{}, model.Node{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trees (id, root_prompt, status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tree.ID.String(), tree.RootPrompt, tree.Status, string(metaJSON), tree.CreatedAt, tree.UpdatedAt,
	); err != nil {
		return model.Tree{}, model.Node{}, fmt.Errorf("sqlite: create tree: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO nodes (id, tree_id, parent_id, prompt, keywords, status,
		 branch_level, branch_index, direction, version, created_at, updated_at)
		 VALUES (?, ?, NULL, ?, '[]', ?, ?, ?, ?, ?, ?, ?)`,
		root.ID.String(), root.TreeID.String(), root.Prompt, string(root.Status),
		root.Branch.Level, root.Branch.Index, root.Branch.Direction, root.Branch.Version,
		root.CreatedAt, root.UpdatedAt,
	); err != nil {
		return model.Tree{}, model.Node{}, fmt.Errorf("sqlite: create root node: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Tree{}, model.Node{}, fmt.Errorf("sqlite: commit create tree: %w", err)
	}
	return tree, root, nil
}

// GetTree retrieves a tree and all of its nodes.
func (db *DB) GetTree(ctx context.Context, id uuid.UUID) (model.Tree, []model.Node, error) {
	var tree model.Tree
	var treeID, metaJSON string
	err := db.db.QueryRowContext(ctx,
		`SELECT id, root_prompt, status, metadata, created_at, updated_at
		 FROM trees WHERE id = ?`, id.String(),
	).Scan(&treeID, &tree.RootPrompt, &tree.Status, &metaJSON, &tree.CreatedAt, &tree.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Tree{}, nil, fmt.Errorf("sqlite: tree %s: %w", id, storage.ErrNotFound)
		}
		return model.Tree{}, nil, fmt.Errorf("sqlite: get tree: %w", err)
	}
	tree.ID, err = uuid.Parse(treeID)
	if err != nil {
		return model.Tree{}, nil, fmt.Errorf("sqlite: parse tree id: %w", err)
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &tree.Metadata); err != nil {
			return model.Tree{}, nil, fmt.Errorf("sqlite: decode tree metadata: %w", err)
		}
	}

	rows, err := db.db.QueryContext(ctx, selectNode+` WHERE tree_id = ? ORDER BY created_at`, id.String())
	if err != nil {
		return model.Tree{}, nil, fmt.Errorf("sqlite: list tree nodes: %w", err)
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return model.Tree{}, nil, fmt.Errorf("sqlite: scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return model.Tree{}, nil, fmt.Errorf("sqlite: iterate tree nodes: %w", err)
	}
	attachChildren(nodes)
	return tree, nodes, nil
}

// RecentTrees lists trees newest first.
func (db *DB) RecentTrees(ctx context.Context, limit int) ([]model.Tree, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, root_prompt, status, metadata, created_at, updated_at
		 FROM trees ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list trees: %w", err)
	}
	defer rows.Close()

	var trees []model.Tree
	for rows.Next() {
		var tree model.Tree
		var treeID, metaJSON string
		if err := rows.Scan(&treeID, &tree.RootPrompt, &tree.Status, &metaJSON,
			&tree.CreatedAt, &tree.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan tree: %w", err)
		}
		if tree.ID, err = uuid.Parse(treeID); err != nil {
			return nil, fmt.Errorf("sqlite: parse tree id: %w", err)
		}
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &tree.Metadata)
		}
		trees = append(trees, tree)
	}
	return trees, rows.Err()
}

// DeleteTree removes a tree; nodes and tasks cascade.
func (db *DB) DeleteTree(ctx context.Context, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	res, err := db.db.ExecContext(ctx, `DELETE FROM trees WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("sqlite: delete tree: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: delete tree rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: tree %s: %w", id, storage.ErrNotFound)
	}
	return nil
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
