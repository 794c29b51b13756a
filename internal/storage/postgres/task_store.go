package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sitekraft/presence/internal/ingest"
)

// TaskStore implements ingest.TaskStore on Postgres. The single-flight rule
// is enforced by a partial unique index on (tenant_id, kind) restricted to
// non-terminal statuses, so concurrent creates race safely at the database.
type TaskStore struct {
	pool db
}

// NewTaskStore constructs a TaskStore from an existing pool.
func NewTaskStore(pool db) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TaskStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const taskColumns = `id, tenant_id, kind, status, stage, progress, input, result, error, created_at, updated_at, started_at, finished_at`

// CreateTask inserts a new queued task. A second non-terminal task for the
// same (tenant, kind) trips the partial unique index and maps to
// ingest.ErrTaskInFlight.
func (s *TaskStore) CreateTask(ctx context.Context, task ingest.Task) error {
	input, err := json.Marshal(task.Input)
	if err != nil {
		return fmt.Errorf("marshal task input: %w", err)
	}
	query := `
		INSERT INTO ingestion_tasks (id, tenant_id, kind, status, stage, progress, input, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	_, err = s.pool.Exec(ctx, query,
		task.ID,
		task.TenantID,
		string(task.Kind),
		string(task.Status),
		task.Stage,
		task.Progress,
		input,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ingest.ErrTaskInFlight
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (ingest.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM ingestion_tasks WHERE id = $1;`
	return s.scanTask(s.pool.QueryRow(ctx, query, taskID))
}

// FindActiveTask returns the non-terminal task for (tenant, kind), if any.
func (s *TaskStore) FindActiveTask(ctx context.Context, tenantID string, kind ingest.TaskKind) (ingest.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM ingestion_tasks
		WHERE tenant_id = $1 AND kind = $2 AND status IN ('queued', 'running')
		LIMIT 1;
	`
	return s.scanTask(s.pool.QueryRow(ctx, query, tenantID, string(kind)))
}

// UpdateTaskStatus applies a lifecycle transition and stage/progress update.
func (s *TaskStore) UpdateTaskStatus(
	ctx context.Context,
	taskID string,
	status ingest.TaskStatus,
	stage string,
	progress int,
) error {
	now := time.Now().UTC()
	query := `
		UPDATE ingestion_tasks
		SET status = $2, stage = $3, progress = $4, updated_at = $5,
		    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN $5 ELSE started_at END
		WHERE id = $1;
	`
	tag, err := s.pool.Exec(ctx, query, taskID, string(status), stage, progress, now)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// CompleteTask records the terminal state together with the result or the
// classified error.
func (s *TaskStore) CompleteTask(
	ctx context.Context,
	taskID string,
	status ingest.TaskStatus,
	result *ingest.TaskResult,
	taskErr *ingest.TaskError,
) error {
	resultJSON, err := marshalNullable(result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}
	errJSON, err := marshalNullable(taskErr)
	if err != nil {
		return fmt.Errorf("marshal task error: %w", err)
	}
	now := time.Now().UTC()
	query := `
		UPDATE ingestion_tasks
		SET status = $2, result = $3, error = $4, progress = 100, updated_at = $5,
		    finished_at = $5, started_at = COALESCE(started_at, $5)
		WHERE id = $1;
	`
	tag, err := s.pool.Exec(ctx, query, taskID, string(status), resultJSON, errJSON, now)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// ListTasks returns a tenant's tasks newest first.
func (s *TaskStore) ListTasks(ctx context.Context, tenantID string, limit, offset int) ([]ingest.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM ingestion_tasks
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ingest.Task
	for rows.Next() {
		task, err := s.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return tasks, nil
}

func (s *TaskStore) scanTask(row pgx.Row) (ingest.Task, error) {
	var (
		task       ingest.Task
		kind       string
		status     string
		inputJSON  []byte
		resultJSON []byte
		errJSON    []byte
	)
	err := row.Scan(
		&task.ID,
		&task.TenantID,
		&kind,
		&status,
		&task.Stage,
		&task.Progress,
		&inputJSON,
		&resultJSON,
		&errJSON,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.StartedAt,
		&task.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Task{}, ingest.ErrNotFound
		}
		return ingest.Task{}, fmt.Errorf("scan task: %w", err)
	}
	task.Kind = ingest.TaskKind(kind)
	task.Status = ingest.TaskStatus(status)
	if err := json.Unmarshal(inputJSON, &task.Input); err != nil {
		return ingest.Task{}, fmt.Errorf("unmarshal task input: %w", err)
	}
	if len(resultJSON) > 0 {
		task.Result = &ingest.TaskResult{}
		if err := json.Unmarshal(resultJSON, task.Result); err != nil {
			return ingest.Task{}, fmt.Errorf("unmarshal task result: %w", err)
		}
	}
	if len(errJSON) > 0 {
		task.Error = &ingest.TaskError{}
		if err := json.Unmarshal(errJSON, task.Error); err != nil {
			return ingest.Task{}, fmt.Errorf("unmarshal task error: %w", err)
		}
	}
	return task, nil
}

func marshalNullable(v any) ([]byte, error) {
	switch t := v.(type) {
	case *ingest.TaskResult:
		if t == nil {
			return nil, nil
		}
	case *ingest.TaskError:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
