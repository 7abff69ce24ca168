package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/taskmesh/dispatch/internal/domain/repository"
	"github.com/taskmesh/dispatch/internal/infrastructure/storage/models"
)

var _ repository.TaskRepository = (*TaskRepository)(nil)

// TaskRepository implements repository.TaskRepository using Bun.
type TaskRepository struct {
	db *bun.DB
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db *bun.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts a new task.
func (r *TaskRepository) Create(ctx context.Context, task *models.TaskModel) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if _, err := r.db.NewInsert().Model(task).Exec(ctx); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// FindByID retrieves a task by id.
func (r *TaskRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.TaskModel, error) {
	task := &models.TaskModel{}
	err := r.db.NewSelect().Model(task).Where("tk.id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("find task: %w", err)
	}
	return task, nil
}

// FindByExecutionID retrieves the single task bound to a script execution.
func (r *TaskRepository) FindByExecutionID(ctx context.Context, executionID uuid.UUID) (*models.TaskModel, error) {
	task := &models.TaskModel{}
	err := r.db.NewSelect().Model(task).Where("execution_id = ?", executionID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task for execution %s: %w", executionID, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("find task by execution: %w", err)
	}
	return task, nil
}

// FindByWorker retrieves tasks currently bound to a worker in any of the
// given statuses (used by the stop controller and heartbeat sink).
func (r *TaskRepository) FindByWorker(ctx context.Context, workerID uuid.UUID, statuses []string) ([]*models.TaskModel, error) {
	var tasks []*models.TaskModel
	err := r.db.NewSelect().
		Model(&tasks).
		Where("worker_id = ?", workerID).
		Where("status IN (?)", bun.In(statuses)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("find tasks by worker: %w", err)
	}
	return tasks, nil
}

// FindPendingCandidates returns up to limit pending tasks ordered by
// priority desc, created_at asc, each annotated with its parent
// execution's sequential flag and a stop flag set when either its own
// execution or the parent has stop_requested.
func (r *TaskRepository) FindPendingCandidates(ctx context.Context, limit int) ([]*repository.TaskCandidate, error) {
	var tasks []*models.TaskModel
	err := r.db.NewSelect().
		Model(&tasks).
		Relation("Execution").
		Relation("Execution.Parent").
		Where("tk.status = ?", "pending").
		Order("tk.priority DESC", "tk.created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("find pending candidates: %w", err)
	}

	candidates := make([]*repository.TaskCandidate, 0, len(tasks))
	for _, t := range tasks {
		c := &repository.TaskCandidate{
			Task:        t,
			ExecutionID: t.ExecutionID,
		}
		if t.Execution != nil {
			c.StopRequested = t.Execution.StopRequested
			c.ParentID = t.Execution.ParentID
			if t.Execution.Parent != nil {
				c.ParentSequential = t.Execution.Parent.Sequential
				c.StopRequested = c.StopRequested || t.Execution.Parent.StopRequested
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// LockForAssignment re-reads and row-locks a single pending task and
// invokes fn, which is expected to attempt the broker publish and
// mutate the task in place; the row is only persisted if fn succeeds,
// so a publish failure leaves the task pending for the next tick.
func (r *TaskRepository) LockForAssignment(ctx context.Context, taskID uuid.UUID, fn func(t *models.TaskModel) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		task := &models.TaskModel{}
		if err := tx.NewSelect().Model(task).Where("tk.id = ?", taskID).For("UPDATE").Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", taskID, sql.ErrNoRows)
			}
			return fmt.Errorf("lock task: %w", err)
		}
		if !task.IsPending() {
			return fmt.Errorf("task %s is no longer pending (status=%s)", taskID, task.Status)
		}

		if err := fn(task); err != nil {
			return err
		}

		if _, err := tx.NewUpdate().
			Model(task).
			Column("status", "worker_id", "assigned_at").
			Where("id = ?", taskID).
			Exec(ctx); err != nil {
			return fmt.Errorf("persist task assignment: %w", err)
		}
		return nil
	})
}

// TransitionStatus row-locks the task, lets fn decide the next status,
// and persists it; the next status is not checked against
// models.TaskStatus.CanTransition.
func (r *TaskRepository) TransitionStatus(ctx context.Context, id uuid.UUID, fn func(t *models.TaskModel) (string, error)) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		task := &models.TaskModel{}
		if err := tx.NewSelect().Model(task).Where("tk.id = ?", id).For("UPDATE").Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", id, sql.ErrNoRows)
			}
			return fmt.Errorf("lock task: %w", err)
		}

		next, err := fn(task)
		if err != nil {
			return err
		}

		now := time.Now()
		switch next {
		case "running":
			task.StartedAt = &now
		case "completed", "failed", "cancelled":
			task.CompletedAt = &now
		}
		task.Status = next

		if _, err := tx.NewUpdate().
			Model(task).
			Column("status", "started_at", "completed_at", "result", "error", "retry_count").
			Where("id = ?", id).
			Exec(ctx); err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		return nil
	})
}

// NextDisplayID allocates a date-prefixed, zero-padded sequential id
// (e.g. T-20260730-0007) by counting existing rows for the same date
// prefix and checking that the candidate is not taken; it makes up to
// three attempts before falling back to a timestamp-suffixed id.
func (r *TaskRepository) NextDisplayID(ctx context.Context, datePrefix string) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		count, err := r.db.NewSelect().
			Model((*models.TaskModel)(nil)).
			Where("display_id LIKE ?", "T-"+datePrefix+"-%").
			Count(ctx)
		if err != nil {
			return "", fmt.Errorf("count existing display ids: %w", err)
		}
		candidate := fmt.Sprintf("T-%s-%04d", datePrefix, count+1+attempt)

		exists, err := r.db.NewSelect().
			Model((*models.TaskModel)(nil)).
			Where("display_id = ?", candidate).
			Exists(ctx)
		if err != nil {
			return "", fmt.Errorf("check display id collision: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return fmt.Sprintf("T-%s-%d", datePrefix, time.Now().UnixNano()), nil
}

// CountByStatus returns the number of tasks in a given status.
func (r *TaskRepository) CountByStatus(ctx context.Context, status string) (int, error) {
	count, err := r.db.NewSelect().
		Model((*models.TaskModel)(nil)).
		Where("status = ?", status).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count tasks by status: %w", err)
	}
	return count, nil
}

// FindStale returns assigned/running tasks assigned before the cutoff —
// a worker that crashed or lost its broker connection mid-task leaves
// these behind with no result ever posted.
func (r *TaskRepository) FindStale(ctx context.Context, olderThan time.Duration) ([]*models.TaskModel, error) {
	cutoff := time.Now().Add(-olderThan)
	var tasks []*models.TaskModel
	err := r.db.NewSelect().
		Model(&tasks).
		Where("status IN (?)", bun.In([]string{"assigned", "running"})).
		Where("assigned_at IS NOT NULL AND assigned_at < ?", cutoff).
		Order("assigned_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("find stale tasks: %w", err)
	}
	return tasks, nil
}

// Requeue resets a stale task to pending with no worker binding, mirroring
// the state a freshly created task starts in so the dispatcher's normal
// candidate query picks it back up on the next tick.
func (r *TaskRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	task := &models.TaskModel{
		ID:         id,
		Status:     "pending",
		WorkerID:   nil,
		AssignedAt: nil,
	}
	if _, err := r.db.NewUpdate().
		Model(task).
		Column("status", "worker_id", "assigned_at").
		Where("id = ?", id).
		Exec(ctx); err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

// CountRunningByWorker returns the number of assigned or running tasks
// bound to a worker; the dispatcher uses this as the live tie-break
// when two eligible workers have equal scope preference.
func (r *TaskRepository) CountRunningByWorker(ctx context.Context, workerID uuid.UUID) (int, error) {
	count, err := r.db.NewSelect().
		Model((*models.TaskModel)(nil)).
		Where("worker_id = ?", workerID).
		Where("status IN (?)", bun.In([]string{"assigned", "running"})).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count running tasks by worker: %w", err)
	}
	return count, nil
}
