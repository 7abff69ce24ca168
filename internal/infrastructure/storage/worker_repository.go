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

var _ repository.WorkerRepository = (*WorkerRepository)(nil)

// WorkerRepository implements repository.WorkerRepository using Bun.
type WorkerRepository struct {
	db *bun.DB
}

// NewWorkerRepository creates a new WorkerRepository.
func NewWorkerRepository(db *bun.DB) *WorkerRepository {
	return &WorkerRepository{db: db}
}

// Create registers a new worker, or reactivates a prior registration
// for the same uuid (ON CONFLICT), which is how a restarted worker
// process re-registers under its stable credential without leaking a
// duplicate row (§4.4 "upsert by uuid").
func (r *WorkerRepository) Create(ctx context.Context, worker *models.WorkerModel) error {
	if worker.ID == uuid.Nil {
		worker.ID = uuid.New()
	}
	if worker.UUID == uuid.Nil {
		worker.UUID = uuid.New()
	}
	_, err := r.db.NewInsert().
		Model(worker).
		On("CONFLICT (uuid) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("platform = EXCLUDED.platform").
		Set("browser_types = EXCLUDED.browser_types").
		Set("project_scopes = EXCLUDED.project_scopes").
		Set("global_scope = EXCLUDED.global_scope").
		Set("enabled = EXCLUDED.enabled").
		Set("state = EXCLUDED.state").
		Set("max_concurrent = EXCLUDED.max_concurrent").
		Set("labels = EXCLUDED.labels").
		Set("last_heartbeat = EXCLUDED.last_heartbeat").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	return nil
}

// FindByID retrieves a worker by id.
func (r *WorkerRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.WorkerModel, error) {
	worker := &models.WorkerModel{}
	err := r.db.NewSelect().Model(worker).Where("wk.id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("worker %s: %w", id, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("find worker: %w", err)
	}
	return worker, nil
}

// FindByName retrieves a worker by its unique registration name.
func (r *WorkerRepository) FindByName(ctx context.Context, name string) (*models.WorkerModel, error) {
	worker := &models.WorkerModel{}
	err := r.db.NewSelect().Model(worker).Where("name = ?", name).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("worker %q: %w", name, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("find worker by name: %w", err)
	}
	return worker, nil
}

// FindByUUID retrieves a worker by its stable, worker-generated uuid.
func (r *WorkerRepository) FindByUUID(ctx context.Context, workerUUID uuid.UUID) (*models.WorkerModel, error) {
	worker := &models.WorkerModel{}
	err := r.db.NewSelect().Model(worker).Where("uuid = ?", workerUUID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("worker uuid %s: %w", workerUUID, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("find worker by uuid: %w", err)
	}
	return worker, nil
}

// FindAll retrieves every registered worker.
func (r *WorkerRepository) FindAll(ctx context.Context) ([]*models.WorkerModel, error) {
	var workers []*models.WorkerModel
	if err := r.db.NewSelect().Model(&workers).Order("registered_at ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("find all workers: %w", err)
	}
	return workers, nil
}

// FindOnline retrieves enabled workers whose heartbeat is within grace
// of now.
func (r *WorkerRepository) FindOnline(ctx context.Context, grace time.Duration, now time.Time) ([]*models.WorkerModel, error) {
	var workers []*models.WorkerModel
	err := r.db.NewSelect().
		Model(&workers).
		Where("enabled = TRUE").
		Where("last_heartbeat > ?", now.Add(-grace)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("find online workers: %w", err)
	}
	return workers, nil
}

// Touch updates a worker's last_heartbeat to now.
func (r *WorkerRepository) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.NewUpdate().
		Model((*models.WorkerModel)(nil)).
		Set("last_heartbeat = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("touch worker: %w", err)
	}
	return nil
}

// Heartbeat applies a worker's self-report. state and last_heartbeat are
// always overwritten; current_tasks only moves up, so an in-flight
// heartbeat race can never retreat the counter below a value a
// concurrent, more current heartbeat already recorded.
func (r *WorkerRepository) Heartbeat(ctx context.Context, id uuid.UUID, state string, currentTasks int) error {
	_, err := r.db.NewUpdate().
		Model((*models.WorkerModel)(nil)).
		Set("state = ?", state).
		Set("last_heartbeat = ?", time.Now()).
		Set("current_tasks = GREATEST(current_tasks, ?)", currentTasks).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("heartbeat worker: %w", err)
	}
	return nil
}

// AdjustCurrentTasks applies delta to current_tasks, clamped at zero.
func (r *WorkerRepository) AdjustCurrentTasks(ctx context.Context, id uuid.UUID, delta int) error {
	_, err := r.db.NewUpdate().
		Model((*models.WorkerModel)(nil)).
		Set("current_tasks = GREATEST(0, current_tasks + ?)", delta).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("adjust worker current_tasks: %w", err)
	}
	return nil
}

// RecordStatusLog appends a heartbeat audit row.
func (r *WorkerRepository) RecordStatusLog(ctx context.Context, entry *models.WorkerStatusLogModel) error {
	_, err := r.db.NewInsert().Model(entry).Exec(ctx)
	if err != nil {
		return fmt.Errorf("record worker status log: %w", err)
	}
	return nil
}

// SetEnabled toggles a worker's availability for new dispatch.
func (r *WorkerRepository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	_, err := r.db.NewUpdate().
		Model((*models.WorkerModel)(nil)).
		Set("enabled = ?", enabled).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set worker enabled: %w", err)
	}
	return nil
}

// Delete permanently removes a worker registration.
func (r *WorkerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.NewDelete().Model((*models.WorkerModel)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	return nil
}
