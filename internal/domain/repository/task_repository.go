package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/dispatch/internal/infrastructure/storage/models"
)

// TaskCandidate is a pending task plus the fields the dispatcher needs
// to evaluate eligibility without a second round trip.
type TaskCandidate struct {
	Task           *models.TaskModel
	ExecutionID    uuid.UUID
	ParentID       *uuid.UUID
	StopRequested  bool
	ParentSequential bool
}

// TaskRepository defines persistence for dispatch-unit tasks.
type TaskRepository interface {
	Create(ctx context.Context, task *models.TaskModel) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.TaskModel, error)
	FindByExecutionID(ctx context.Context, executionID uuid.UUID) (*models.TaskModel, error)
	FindByWorker(ctx context.Context, workerID uuid.UUID, statuses []string) ([]*models.TaskModel, error)

	// FindPendingCandidates returns up to limit pending tasks ordered by
	// priority descending, then created_at ascending, joined with their
	// execution and its parent: StopRequested is set when either has
	// stop_requested, ParentSequential carries the parent's sequential
	// flag, so the dispatcher avoids N+1 queries.
	FindPendingCandidates(ctx context.Context, limit int) ([]*TaskCandidate, error)

	// LockForAssignment re-reads and row-locks a single pending task
	// inside a transaction, calling fn with the locked row. fn sets the
	// worker binding on the row; the task is only written if fn and the
	// broker publish (performed by the caller inside fn) both succeed.
	LockForAssignment(ctx context.Context, taskID uuid.UUID, fn func(t *models.TaskModel) error) error

	// TransitionStatus performs a row-locked read-check-write of a
	// task's status. fn picks the next status; it is persisted without
	// a check against models.TaskStatus.CanTransition.
	TransitionStatus(ctx context.Context, id uuid.UUID, fn func(t *models.TaskModel) (string, error)) error

	// NextDisplayID allocates the next human-readable id for the given
	// UTC date prefix, retrying when the candidate id already exists.
	NextDisplayID(ctx context.Context, datePrefix string) (string, error)

	CountByStatus(ctx context.Context, status string) (int, error)
	CountRunningByWorker(ctx context.Context, workerID uuid.UUID) (int, error)

	// FindStale returns assigned/running tasks whose assigned_at predates
	// olderThan, for operator-initiated cleanup of tasks a worker never
	// reported back on.
	FindStale(ctx context.Context, olderThan time.Duration) ([]*models.TaskModel, error)

	// Requeue clears a task's worker binding and returns it to pending so
	// the dispatcher can rebind it to a different worker; the caller is
	// responsible for releasing the original worker's load counter.
	Requeue(ctx context.Context, id uuid.UUID) error
}
