package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/verdantlabs/canopy/internal/model"
	"github.com/verdantlabs/canopy/internal/storage"
)

// CreateTask records a new background-job invocation.
func (db *DB) CreateTask(ctx context.Context, treeID, nodeID uuid.UUID, kind model.TaskKind) (model.Task, error) {
	task := model.Task{
		ID:        uuid.New(),
		TreeID:    treeID,
		NodeID:    &nodeID,
		Kind:      kind,
		Status:    model.TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO generation_tasks (id, tree_id, node_id, kind, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		task.ID, task.TreeID, nodeID, task.Kind, task.Status, task.CreatedAt,
	)
	if err != nil {
		return model.Task{}, fmt.Errorf("postgres: create task: %w", err)
	}
	return task, nil
}

// UpdateTask moves a task to a new status, recording its result
// payload and error text. Terminal statuses stamp completed_at.
func (db *DB) UpdateTask(ctx context.Context, id uuid.UUID, status model.TaskStatus, result []byte, errText string) error {
	var completedAt *time.Time
	if status == model.TaskStatusCompleted || status == model.TaskStatusFailed {
		now := time.Now().UTC()
		completedAt = &now
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE generation_tasks SET status = $1, result = $2, error = $3, completed_at = $4
		 WHERE id = $5`,
		status, result, errText, completedAt, id,
	)
	if err != nil {
		return fmt.Errorf("postgres: update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: task %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// GetTask retrieves a task by id.
func (db *DB) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	var task model.Task
	err := db.pool.QueryRow(ctx,
		`SELECT id, tree_id, node_id, kind, status, result, error, created_at, completed_at
		 FROM generation_tasks WHERE id = $1`, id,
	).Scan(&task.ID, &task.TreeID, &task.NodeID, &task.Kind, &task.Status,
		&task.Result, &task.Error, &task.CreatedAt, &task.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Task{}, fmt.Errorf("postgres: task %s: %w", id, storage.ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("postgres: get task: %w", err)
	}
	return task, nil
}
