package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

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
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO generation_tasks (id, tree_id, node_id, kind, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID.String(), task.TreeID.String(), nodeID.String(), string(task.Kind), string(task.Status), task.CreatedAt,
	)
	if err != nil {
		return model.Task{}, fmt.Errorf("sqlite: create task: %w", err)
	}
	return task, nil
}

// UpdateTask moves a task to a new status. Terminal statuses stamp
// completed_at.
func (db *DB) UpdateTask(ctx context.Context, id uuid.UUID, status model.TaskStatus, result []byte, errText string) error {
	var completedAt *time.Time
	if status == model.TaskStatusCompleted || status == model.TaskStatusFailed {
		now := time.Now().UTC()
		completedAt = &now
	}
	var resultText *string
	if result != nil {
		s := string(result)
		resultText = &s
	}
	res, err := db.db.ExecContext(ctx,
		`UPDATE generation_tasks SET status = ?, result = ?, error = ?, completed_at = ?
		 WHERE id = ?`,
		string(status), resultText, errText, completedAt, id.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update task rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: task %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// GetTask retrieves a task by id.
func (db *DB) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	var task model.Task
	var taskID, treeID, nodeID, kind, status string
	var result sql.NullString
	var completedAt sql.NullTime
	err := db.db.QueryRowContext(ctx,
		`SELECT id, tree_id, node_id, kind, status, result, error, created_at, completed_at
		 FROM generation_tasks WHERE id = ?`, id.String(),
	).Scan(&taskID, &treeID, &nodeID, &kind, &status, &result, &task.Error, &task.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Task{}, fmt.Errorf("sqlite: task %s: %w", id, storage.ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("sqlite: get task: %w", err)
	}
	if task.ID, err = uuid.Parse(taskID); err != nil {
		return model.Task{}, fmt.Errorf("sqlite: parse task id: %w", err)
	}
	if task.TreeID, err = uuid.Parse(treeID); err != nil {
		return model.Task{}, fmt.Errorf("sqlite: parse tree id: %w", err)
	}
	nid, err := uuid.Parse(nodeID)
	if err != nil {
		return model.Task{}, fmt.Errorf("sqlite: parse node id: %w", err)
	}
	task.NodeID = &nid
	task.Kind = model.TaskKind(kind)
	task.Status = model.TaskStatus(status)
	if result.Valid {
		task.Result = []byte(result.String)
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return task, nil
}
