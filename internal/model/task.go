package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskKind identifies the pipeline a background job runs for a node.
type TaskKind string

const (
	TaskKindKeywordExtraction TaskKind = "keyword_extraction"
	TaskKindBranchGeneration  TaskKind = "branch_generation"
	TaskKindImageGeneration   TaskKind = "image_generation"
	TaskKindRegeneration      TaskKind = "regeneration"
)

// TaskStatus is the lifecycle state of a background job invocation.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is the bookkeeping record of one background-job invocation.
// Nodes accumulate tasks over their lifetime: a regeneration creates a
// new task without replacing history. At most one task may be running
// for a given node at a time, enforced by the job runner rather than
// by this type.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	TreeID      uuid.UUID  `json:"tree_id"`
	NodeID      *uuid.UUID `json:"node_id,omitempty"`
	Kind        TaskKind   `json:"kind"`
	Status      TaskStatus `json:"status"`
	Result      []byte     `json:"result,omitempty"` // JSON payload
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
