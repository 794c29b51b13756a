// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sitekraft/presence/internal/ingest"
)

// TaskStore implements ingest.TaskStore in memory.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]ingest.Task
	order []string
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]ingest.Task)}
}

// CreateTask stores a new queued task, enforcing the single-flight rule.
func (s *TaskStore) CreateTask(_ context.Context, task ingest.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return ingest.NewError(ingest.KindInternal, "task %s already exists", task.ID)
	}
	for _, existing := range s.tasks {
		if existing.TenantID == task.TenantID && existing.Kind == task.Kind && !existing.Status.IsTerminal() {
			return ingest.ErrTaskInFlight
		}
	}
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (ingest.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ingest.Task{}, ingest.ErrNotFound
	}
	return task, nil
}

// FindActiveTask returns the non-terminal task for (tenant, kind).
func (s *TaskStore) FindActiveTask(_ context.Context, tenantID string, kind ingest.TaskKind) (ingest.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, task := range s.tasks {
		if task.TenantID == tenantID && task.Kind == kind && !task.Status.IsTerminal() {
			return task, nil
		}
	}
	return ingest.Task{}, ingest.ErrNotFound
}

// UpdateTaskStatus applies a lifecycle transition and stage/progress update.
func (s *TaskStore) UpdateTaskStatus(
	_ context.Context,
	taskID string,
	status ingest.TaskStatus,
	stage string,
	progress int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ingest.ErrNotFound
	}
	now := time.Now().UTC()
	task.Status = status
	task.Stage = stage
	task.Progress = progress
	task.UpdatedAt = now
	if status == ingest.StatusRunning && task.StartedAt == nil {
		task.StartedAt = pointerTime(now)
	}
	s.tasks[taskID] = task
	return nil
}

// CompleteTask records the terminal state.
func (s *TaskStore) CompleteTask(
	_ context.Context,
	taskID string,
	status ingest.TaskStatus,
	result *ingest.TaskResult,
	taskErr *ingest.TaskError,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ingest.ErrNotFound
	}
	now := time.Now().UTC()
	task.Status = status
	task.Result = result
	task.Error = taskErr
	task.Progress = 100
	task.UpdatedAt = now
	task.FinishedAt = pointerTime(now)
	if task.StartedAt == nil {
		task.StartedAt = pointerTime(now)
	}
	s.tasks[taskID] = task
	return nil
}

// ListTasks returns a tenant's tasks newest first.
func (s *TaskStore) ListTasks(_ context.Context, tenantID string, limit, offset int) ([]ingest.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []ingest.Task
	for i := len(s.order) - 1; i >= 0; i-- {
		task := s.tasks[s.order[i]]
		if task.TenantID == tenantID {
			all = append(all, task)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
