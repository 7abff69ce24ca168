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

var _ repository.ExecutionRepository = (*ExecutionRepository)(nil)

// ExecutionRepository implements repository.ExecutionRepository using Bun.
type ExecutionRepository struct {
	db *bun.DB
}

// NewExecutionRepository creates a new ExecutionRepository.
func NewExecutionRepository(db *bun.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Create inserts a new execution.
func (r *ExecutionRepository) Create(ctx context.Context, execution *models.ExecutionModel) error {
	if execution.ID == uuid.Nil {
		execution.ID = uuid.New()
	}
	if _, err := r.db.NewInsert().Model(execution).Exec(ctx); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// FindByID retrieves an execution by id.
func (r *ExecutionRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.ExecutionModel, error) {
	execution := &models.ExecutionModel{}
	err := r.db.NewSelect().Model(execution).Where("ex.id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", id, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("find execution: %w", err)
	}
	return execution, nil
}

// FindByIDWithRelations retrieves an execution with its task, parent and children.
func (r *ExecutionRepository) FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*models.ExecutionModel, error) {
	execution := &models.ExecutionModel{}
	err := r.db.NewSelect().
		Model(execution).
		Relation("Task").
		Relation("Children").
		Where("ex.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", id, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("find execution with relations: %w", err)
	}
	return execution, nil
}

// FindChildren retrieves every script execution belonging to a plan,
// ordered by creation time to preserve plan-sequential ordering.
func (r *ExecutionRepository) FindChildren(ctx context.Context, planID uuid.UUID) ([]*models.ExecutionModel, error) {
	var children []*models.ExecutionModel
	err := r.db.NewSelect().
		Model(&children).
		Where("parent_id = ?", planID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("find children: %w", err)
	}
	return children, nil
}

// FindByStatus retrieves executions by status with pagination.
func (r *ExecutionRepository) FindByStatus(ctx context.Context, status string, limit, offset int) ([]*models.ExecutionModel, error) {
	var executions []*models.ExecutionModel
	err := r.db.NewSelect().
		Model(&executions).
		Where("status = ?", status).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("find executions by status: %w", err)
	}
	return executions, nil
}

// FindAll retrieves executions with pagination.
func (r *ExecutionRepository) FindAll(ctx context.Context, limit, offset int) ([]*models.ExecutionModel, error) {
	var executions []*models.ExecutionModel
	err := r.db.NewSelect().
		Model(&executions).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("find all executions: %w", err)
	}
	return executions, nil
}

// Count returns the total number of executions.
func (r *ExecutionRepository) Count(ctx context.Context) (int, error) {
	count, err := r.db.NewSelect().Model((*models.ExecutionModel)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return count, nil
}

// CountByStatus returns the number of executions in a given status.
func (r *ExecutionRepository) CountByStatus(ctx context.Context, status string) (int, error) {
	count, err := r.db.NewSelect().
		Model((*models.ExecutionModel)(nil)).
		Where("status = ?", status).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count executions by status: %w", err)
	}
	return count, nil
}

// MarkStopRequested flags an execution (and, when cascade is true, every
// descendant walked breadth-first from it) with stop_requested = true.
// Already-flagged rows are skipped so repeated stop calls are idempotent.
func (r *ExecutionRepository) MarkStopRequested(ctx context.Context, id uuid.UUID, cascade bool) ([]uuid.UUID, error) {
	var marked []uuid.UUID

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		frontier := []uuid.UUID{id}
		for len(frontier) > 0 {
			current := frontier[0]
			frontier = frontier[1:]

			exec := &models.ExecutionModel{}
			err := tx.NewSelect().Model(exec).Where("ex.id = ?", current).For("UPDATE").Scan(ctx)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				return fmt.Errorf("lock execution %s: %w", current, err)
			}

			if !exec.StopRequested {
				exec.StopRequested = true
				if _, err := tx.NewUpdate().
					Model(exec).
					Column("stop_requested").
					Where("id = ?", current).
					Exec(ctx); err != nil {
					return fmt.Errorf("mark stop requested %s: %w", current, err)
				}
				marked = append(marked, current)
			}

			if cascade {
				var children []uuid.UUID
				if err := tx.NewSelect().
					Model((*models.ExecutionModel)(nil)).
					Column("id").
					Where("parent_id = ?", current).
					Scan(ctx, &children); err != nil {
					return fmt.Errorf("list children of %s: %w", current, err)
				}
				frontier = append(frontier, children...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return marked, nil
}

// TransitionStatus row-locks the execution, lets fn decide the next
// status, and persists it. An error from fn aborts without writing.
func (r *ExecutionRepository) TransitionStatus(ctx context.Context, id uuid.UUID, fn func(e *models.ExecutionModel) (string, error)) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exec := &models.ExecutionModel{}
		if err := tx.NewSelect().Model(exec).Where("ex.id = ?", id).For("UPDATE").Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("execution %s: %w", id, sql.ErrNoRows)
			}
			return fmt.Errorf("lock execution: %w", err)
		}

		next, err := fn(exec)
		if err != nil {
			return err
		}

		now := time.Now()
		switch next {
		case "running":
			if exec.StartedAt == nil {
				exec.StartedAt = &now
			}
		case "completed", "failed", "stopped":
			exec.CompletedAt = &now
		}
		exec.Status = next

		if _, err := tx.NewUpdate().
			Model(exec).
			Column("status", "started_at", "completed_at", "output", "error", "screenshot_paths").
			Where("id = ?", id).
			Exec(ctx); err != nil {
			return fmt.Errorf("update execution status: %w", err)
		}
		return nil
	})
}

// GetStatistics aggregates execution outcomes over [from, to], optionally
// scoped to a single plan's children.
func (r *ExecutionRepository) GetStatistics(ctx context.Context, planID *uuid.UUID, from, to time.Time) (*repository.ExecutionStatistics, error) {
	stats := &repository.ExecutionStatistics{}

	baseQuery := func() *bun.SelectQuery {
		q := r.db.NewSelect().
			Model((*models.ExecutionModel)(nil)).
			Where("created_at >= ? AND created_at <= ?", from, to)
		if planID != nil {
			q = q.Where("plan_id = ?", *planID)
		}
		return q
	}

	total, err := baseQuery().Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count total executions: %w", err)
	}
	stats.TotalExecutions = total

	type statusCount struct {
		Status string
		Count  int
	}
	var counts []statusCount
	if err := baseQuery().
		ColumnExpr("status, count(*) as count").
		Group("status").
		Scan(ctx, &counts); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for _, c := range counts {
		switch c.Status {
		case "pending":
			stats.PendingCount = c.Count
		case "running":
			stats.RunningCount = c.Count
		case "completed":
			stats.CompletedCount = c.Count
		case "failed":
			stats.FailedCount = c.Count
		case "stopped":
			stats.StoppedCount = c.Count
		}
	}

	var avg struct {
		AvgSeconds float64
	}
	err = baseQuery().
		ColumnExpr("AVG(EXTRACT(EPOCH FROM (completed_at - started_at))) AS avg_seconds").
		Where("status = ? AND completed_at IS NOT NULL", "completed").
		Scan(ctx, &avg)
	if err == nil && avg.AvgSeconds > 0 {
		d := time.Duration(avg.AvgSeconds * float64(time.Second))
		stats.AverageDuration = &d
	}

	if stats.TotalExecutions > 0 {
		stats.SuccessRate = float64(stats.CompletedCount) / float64(stats.TotalExecutions)
		stats.FailureRate = float64(stats.FailedCount) / float64(stats.TotalExecutions)
	}

	return stats, nil
}
