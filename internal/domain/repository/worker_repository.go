package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/dispatch/internal/infrastructure/storage/models"
)

// WorkerRepository defines persistence for registered execution agents.
type WorkerRepository interface {
	Create(ctx context.Context, worker *models.WorkerModel) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.WorkerModel, error)
	FindByName(ctx context.Context, name string) (*models.WorkerModel, error)

	// FindByUUID retrieves a worker by its stable, worker-generated
	// credential (distinct from the server-assigned id pk) — the
	// re-registration key a restarted worker upserts against (§4.4).
	FindByUUID(ctx context.Context, workerUUID uuid.UUID) (*models.WorkerModel, error)
	FindAll(ctx context.Context) ([]*models.WorkerModel, error)

	// FindOnline returns enabled workers whose last heartbeat is within
	// grace of now, ordered arbitrarily; the dispatcher applies its own
	// scope and runtime-state filtering on top.
	FindOnline(ctx context.Context, grace time.Duration, now time.Time) ([]*models.WorkerModel, error)

	Touch(ctx context.Context, id uuid.UUID) error

	// Heartbeat applies a worker's self-report: state and last_heartbeat
	// are always overwritten, but current_tasks only moves up — a late or
	// reordered heartbeat can never undercut a higher count already
	// recorded (§4.4).
	Heartbeat(ctx context.Context, id uuid.UUID, state string, currentTasks int) error

	// AdjustCurrentTasks applies delta to current_tasks directly, clamped
	// at zero. Used by the dispatcher on bind (+1) and by task completion/
	// the stop controller on release (-1) — distinct from Heartbeat's
	// "never decreases" rule, which only governs the self-reported value.
	AdjustCurrentTasks(ctx context.Context, id uuid.UUID, delta int) error

	// RecordStatusLog appends one row to worker_status_log for audit/
	// diagnostics; failures are non-fatal to the calling heartbeat handler.
	RecordStatusLog(ctx context.Context, entry *models.WorkerStatusLogModel) error

	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	Delete(ctx context.Context, id uuid.UUID) error
}
