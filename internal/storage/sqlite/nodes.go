package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verdantlabs/canopy/internal/model"
	"github.com/verdantlabs/canopy/internal/storage"
)

const selectNode = `SELECT id, tree_id, parent_id, prompt, image_path, image_data,
	best_prompt, keywords, quality_score, fidelity_score, status,
	branch_level, branch_index, direction, version, created_at, updated_at
	FROM nodes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (model.Node, error) {
	var n model.Node
	var id, treeID, kwJSON, status string
	var parentID sql.NullString
	err := row.Scan(&id, &treeID, &parentID, &n.Prompt, &n.ImagePath, &n.ImageData,
		&n.BestPrompt, &kwJSON, &n.QualityScore, &n.FidelityScore, &status,
		&n.Branch.Level, &n.Branch.Index, &n.Branch.Direction, &n.Branch.Version,
		&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return model.Node{}, err
	}
	if n.ID, err = uuid.Parse(id); err != nil {
		return model.Node{}, fmt.Errorf("parse node id: %w", err)
	}
	if n.TreeID, err = uuid.Parse(treeID); err != nil {
		return model.Node{}, fmt.Errorf("parse tree id: %w", err)
	}
	if parentID.Valid {
		pid, err := uuid.Parse(parentID.String)
		if err != nil {
			return model.Node{}, fmt.Errorf("parse parent id: %w", err)
		}
		n.ParentID = &pid
	}
	n.Status = model.NodeStatus(status)
	if kwJSON != "" {
		if err := json.Unmarshal([]byte(kwJSON), &n.Keywords); err != nil {
			return model.Node{}, fmt.Errorf("decode keywords: %w", err)
		}
	}
	return n, nil
}

// AddNode appends a child under parentID. The mutex keeps the
// sibling count and the insert atomic with respect to concurrent
// branch requests.
func (db *DB) AddNode(ctx context.Context, treeID, parentID uuid.UUID, prompt, direction string) (model.Node, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var parentBranch model.BranchInfo
	err := db.db.QueryRowContext(ctx,
		`SELECT branch_level, branch_index, direction, version
		 FROM nodes WHERE id = ? AND tree_id = ?`, parentID.String(), treeID.String(),
	).Scan(&parentBranch.Level, &parentBranch.Index, &parentBranch.Direction, &parentBranch.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Node{}, fmt.Errorf("sqlite: parent node %s: %w", parentID, storage.ErrNotFound)
		}
		return model.Node{}, fmt.Errorf("sqlite: load parent: %w", err)
	}

	var siblings int
	if err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE parent_id = ?`, parentID.String(),
	).Scan(&siblings); err != nil {
		return model.Node{}, fmt.Errorf("sqlite: count siblings: %w", err)
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

	if _, err := db.db.ExecContext(ctx,
		`INSERT INTO nodes (id, tree_id, parent_id, prompt, keywords, status,
		 branch_level, branch_index, direction, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '[]', ?, ?, ?, ?, ?, ?, ?)`,
		node.ID.String(), node.TreeID.String(), parentID.String(), node.Prompt, string(node.Status),
		node.Branch.Level, node.Branch.Index, node.Branch.Direction, node.Branch.Version,
		node.CreatedAt, node.UpdatedAt,
	); err != nil {
		return model.Node{}, fmt.Errorf("sqlite: insert node: %w", err)
	}
	return node, nil
}

// GetNode retrieves a node by id.
func (db *DB) GetNode(ctx context.Context, id uuid.UUID) (model.Node, error) {
	node, err := scanNode(db.db.QueryRowContext(ctx, selectNode+` WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Node{}, fmt.Errorf("sqlite: node %s: %w", id, storage.ErrNotFound)
		}
		return model.Node{}, fmt.Errorf("sqlite: get node: %w", err)
	}
	return node, nil
}

// UpdateNode applies a partial update. Only non-nil patch fields
// change.
func (db *DB) UpdateNode(ctx context.Context, id uuid.UUID, patch storage.NodePatch) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	set := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if patch.Prompt != nil {
		set = append(set, "prompt = ?")
		args = append(args, *patch.Prompt)
	}
	if patch.ImagePath != nil {
		set = append(set, "image_path = ?")
		args = append(args, *patch.ImagePath)
	}
	if patch.ImageData != nil {
		set = append(set, "image_data = ?")
		args = append(args, patch.ImageData)
	}
	if patch.BestPrompt != nil {
		set = append(set, "best_prompt = ?")
		args = append(args, *patch.BestPrompt)
	}
	if patch.Keywords != nil {
		kwJSON, err := json.Marshal(patch.Keywords)
		if err != nil {
			return fmt.Errorf("sqlite: marshal keywords: %w", err)
		}
		set = append(set, "keywords = ?")
		args = append(args, string(kwJSON))
	}
	if patch.QualityScore != nil {
		set = append(set, "quality_score = ?")
		args = append(args, *patch.QualityScore)
	}
	if patch.FidelityScore != nil {
		set = append(set, "fidelity_score = ?")
		args = append(args, *patch.FidelityScore)
	}
	if patch.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*patch.Status))
	}

	args = append(args, id.String())
	res, err := db.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE nodes SET %s WHERE id = ?", strings.Join(set, ", ")), args...)
	if err != nil {
		return fmt.Errorf("sqlite: update node: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update node rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: node %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ListChildren returns a node's direct children in sibling order.
func (db *DB) ListChildren(ctx context.Context, parentID uuid.UUID) ([]model.Node, error) {
	rows, err := db.db.QueryContext(ctx, selectNode+` WHERE parent_id = ? ORDER BY branch_index`, parentID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list children: %w", err)
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan child: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}
