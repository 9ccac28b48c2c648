package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/verdantlabs/canopy/internal/model"
	"github.com/verdantlabs/canopy/internal/storage"
)

const selectNode = `SELECT id, tree_id, parent_id, prompt, image_path, image_data,
	best_prompt, keywords, quality_score, fidelity_score, status,
	branch_level, branch_index, direction, version, created_at, updated_at
	FROM nodes`

// scanNode reads one node row. pgx.Row and pgx.Rows share Scan.
func scanNode(row pgx.Row) (model.Node, error) {
	var n model.Node
	var kwJSON []byte
	err := row.Scan(&n.ID, &n.TreeID, &n.ParentID, &n.Prompt, &n.ImagePath, &n.ImageData,
		&n.BestPrompt, &kwJSON, &n.QualityScore, &n.FidelityScore, &n.Status,
		&n.Branch.Level, &n.Branch.Index, &n.Branch.Direction, &n.Branch.Version,
		&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return model.Node{}, err
	}
	if len(kwJSON) > 0 {
		if err := json.Unmarshal(kwJSON, &n.Keywords); err != nil {
			return model.Node{}, fmt.Errorf("decode keywords: %w", err)
		}
	}
	return n, nil
}

// AddNode appends a child under parentID. Branch metadata is computed
// from the parent row and the current sibling count inside one
// transaction so concurrent branch requests never share an index; the
// transaction is retried on serialization or deadlock conflicts.
func (db *DB) AddNode(ctx context.Context, treeID, parentID uuid.UUID, prompt, direction string) (model.Node, error) {
	var node model.Node
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		node, err = db.addNode(ctx, treeID, parentID, prompt, direction)
		return err
	})
	return node, err
}

func (db *DB) addNode(ctx context.Context, treeID, parentID uuid.UUID, prompt, direction string) (model.Node, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Node{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var parentBranch model.BranchInfo
	err = tx.QueryRow(ctx,
		`SELECT branch_level, branch_index, direction, version
		 FROM nodes WHERE id = $1 AND tree_id = $2 FOR UPDATE`, parentID, treeID,
	).Scan(&parentBranch.Level, &parentBranch.Index, &parentBranch.Direction, &parentBranch.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Node{}, fmt.Errorf("postgres: parent node %s: %w", parentID, storage.ErrNotFound)
		}
		return model.Node{}, fmt.Errorf("postgres: load parent: %w", err)
	}

	var siblings int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM nodes WHERE parent_id = $1`, parentID,
	).Scan(&siblings); err != nil {
		return model.Node{}, fmt.Errorf("postgres: count siblings: %w", err)
	}

	now := time.Now().UTC()
	node := model.Node{
		ID:        uuid.New(),
		TreeID:    treeID,
		ParentID:  &parentID,
		Prompt:    prompt,
		Status:    model.NodeStatusPending,
		Branch:    model.ChildBranch(parentBranch, siblings, direction),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO nodes (id, tree_id, parent_id, prompt, keywords, status,
		 branch_level, branch_index, direction, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, '[]', $5, $6, $7, $8, $9, $10, $11)`,
		node.ID, node.TreeID, node.ParentID, node.Prompt, node.Status,
		node.Branch.Level, node.Branch.Index, node.Branch.Direction, node.Branch.Version,
		node.CreatedAt, node.UpdatedAt,
	); err != nil {
		return model.Node{}, fmt.Errorf("postgres: insert node: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Node{}, fmt.Errorf("postgres: commit add node: %w", err)
	}
	return node, nil
}

// GetNode retrieves a node by id.
func (db *DB) GetNode(ctx context.Context, id uuid.UUID) (model.Node, error) {
	node, err := scanNode(db.pool.QueryRow(ctx, selectNode+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Node{}, fmt.Errorf("postgres: node %s: %w", id, storage.ErrNotFound)
		}
		return model.Node{}, fmt.Errorf("postgres: get node: %w", err)
	}
	return node, nil
}

// UpdateNode applies a partial update. Only non-nil patch fields
// change.
func (db *DB) UpdateNode(ctx context.Context, id uuid.UUID, patch storage.NodePatch) error {
	set := []string{"updated_at = $1"}
	args := []any{time.Now().UTC()}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Prompt != nil {
		set = append(set, "prompt = "+arg(*patch.Prompt))
	}
	if patch.ImagePath != nil {
		set = append(set, "image_path = "+arg(*patch.ImagePath))
	}
	if patch.ImageData != nil {
		set = append(set, "image_data = "+arg(patch.ImageData))
	}
	if patch.BestPrompt != nil {
		set = append(set, "best_prompt = "+arg(*patch.BestPrompt))
	}
	if patch.Keywords != nil {
		kwJSON, err := json.Marshal(patch.Keywords)
		if err != nil {
			return fmt.Errorf("postgres: marshal keywords: %w", err)
		}
		set = append(set, "keywords = "+arg(kwJSON))
	}
	if patch.QualityScore != nil {
		set = append(set, "quality_score = "+arg(*patch.QualityScore))
	}
	if patch.FidelityScore != nil {
		set = append(set, "fidelity_score = "+arg(*patch.FidelityScore))
	}
	if patch.Status != nil {
		set = append(set, "status = "+arg(string(*patch.Status)))
	}

	query := fmt.Sprintf("UPDATE nodes SET %s WHERE id = %s",
		strings.Join(set, ", "), arg(id))
	tag, err := db.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: node %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ListChildren returns a node's direct children in sibling order.
func (db *DB) ListChildren(ctx context.Context, parentID uuid.UUID) ([]model.Node, error) {
	rows, err := db.pool.Query(ctx, selectNode+` WHERE parent_id = $1 ORDER BY branch_index`, parentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list children: %w", err)
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan child: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}
