package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/dispatch/internal/infrastructure/storage/models"
)

// ExecutionStatistics summarizes execution outcomes over a time window.
type ExecutionStatistics struct {
	TotalExecutions int
	PendingCount    int
	RunningCount    int
	CompletedCount  int
	FailedCount     int
	StoppedCount    int
	SuccessRate     float64
	FailureRate     float64
	AverageDuration *time.Duration
}

// ExecutionRepository defines persistence for executions (both plan
// aggregates and script executions).
type ExecutionRepository interface {
	Create(ctx context.Context, execution *models.ExecutionModel) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.ExecutionModel, error)
	FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*models.ExecutionModel, error)
	FindChildren(ctx context.Context, planID uuid.UUID) ([]*models.ExecutionModel, error)
	FindByStatus(ctx context.Context, status string, limit, offset int) ([]*models.ExecutionModel, error)
	FindAll(ctx context.Context, limit, offset int) ([]*models.ExecutionModel, error)
	Count(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context, status string) (int, error)

	// MarkStopRequested sets stop_requested on an execution and,
	// when cascade is true, on every descendant reachable from it. It
	// returns the ids of executions that were newly marked (idempotent:
	// an execution already marked is not returned twice).
	MarkStopRequested(ctx context.Context, id uuid.UUID, cascade bool) ([]uuid.UUID, error)

	// TransitionStatus performs a row-locked (SELECT ... FOR UPDATE)
	// read-check-write of an execution's status. fn receives the
	// locked row and returns the desired next status, or an error to
	// abort the transaction (no write happens).
	TransitionStatus(ctx context.Context, id uuid.UUID, fn func(e *models.ExecutionModel) (string, error)) error

	GetStatistics(ctx context.Context, planID *uuid.UUID, from, to time.Time) (*ExecutionStatistics, error)
}
