// Package model defines the core domain types for Canopy.
//
// All types correspond directly to database tables and job payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NodeStatus represents the lifecycle state of a generation node.
type NodeStatus string

const (
	// NodeStatusPending is the initial state of a freshly created node.
	NodeStatusPending NodeStatus = "pending"
	// NodeStatusReady is reached after keyword extraction for nodes that
	// do not require image synthesis (e.g. root nodes awaiting branch
	// selection).
	NodeStatusReady NodeStatus = "ready"
	// NodeStatusGenerating means a background job is driving the node
	// through the generation pipeline.
	NodeStatusGenerating NodeStatus = "generating"
	// NodeStatusCompleted means the node holds an accepted image.
	NodeStatusCompleted NodeStatus = "completed"
	// NodeStatusFailed is the terminal state for nodes whose generation
	// could not produce an image.
	NodeStatusFailed NodeStatus = "failed"
)

// Terminal reports whether the status is a resting state a background
// job may leave a node in.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusReady, NodeStatusCompleted, NodeStatusFailed:
		return true
	}
	return false
}

// BranchInfo is the tree-position metadata of a node. It is computed
// once at creation from the parent's metadata and is immutable
// thereafter: sibling indexes are never renumbered.
type BranchInfo struct {
	Level     int    `json:"level"`        // depth; root = 0
	Index     int    `json:"branch_index"` // position among siblings, assigned at creation
	Direction string `json:"branch_direction"`
	Version   string `json:"version"` // human-readable tag, e.g. "v1.3"
}

// RootBranch is the branch metadata of a tree's root node.
func RootBranch() BranchInfo {
	return BranchInfo{Level: 0, Index: 0, Direction: "root", Version: "v1.0"}
}

// ChildBranch computes the branch metadata for a new child appended
// under parent when the parent already has siblingCount children.
// A node's depth always equals its parent's depth + 1.
func ChildBranch(parent BranchInfo, siblingCount int, direction string) BranchInfo {
	if direction == "" {
		direction = fmt.Sprintf("branch %d", siblingCount+1)
	}
	level := parent.Level + 1
	return BranchInfo{
		Level:     level,
		Index:     siblingCount,
		Direction: direction,
		Version:   fmt.Sprintf("v%d.%d", level, siblingCount+1),
	}
}

// Node is one prompt-to-image attempt in the exploration tree.
// A node is created when a branch is requested or a tree is created
// (root); it is mutated only by its owning background job or by an
// explicit user edit of its prompt.
type Node struct {
	ID            uuid.UUID  `json:"id"`
	TreeID        uuid.UUID  `json:"tree_id"`
	ParentID      *uuid.UUID `json:"parent_id,omitempty"`
	Prompt        string     `json:"prompt"`
	ImagePath     string     `json:"image_path,omitempty"`
	ImageData     []byte     `json:"image_data,omitempty"` // best-known image, owned by the node once accepted
	BestPrompt    string     `json:"best_prompt,omitempty"`
	Keywords      []Keyword  `json:"keywords,omitempty"`
	QualityScore  float64    `json:"quality_score"`
	FidelityScore float64    `json:"fidelity_score"`
	Status        NodeStatus `json:"status"`
	Branch        BranchInfo `json:"branch_info"`
	Children      []uuid.UUID `json:"children,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Tree is a creative-exploration structure of prompt nodes.
type Tree struct {
	ID         uuid.UUID      `json:"id"`
	RootPrompt string         `json:"root_prompt"`
	Status     string         `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Keyword is one extracted visual element of a prompt.
type Keyword struct {
	Text           string `json:"text"`
	Type           string `json:"type"`
	Description    string `json:"description"`
	VisualStrength string `json:"visual_strength"`
}
