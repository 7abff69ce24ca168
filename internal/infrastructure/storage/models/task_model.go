package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// TaskModel is the dispatch unit bound one-to-one with a script
// ExecutionModel. WorkerID is set whenever Status is assigned or
// running; it is kept after a terminal status and cleared only by
// Requeue. This is maintained by the store, never by a DB constraint,
// since the binding also depends on the broker publish succeeding.
type TaskModel struct {
	bun.BaseModel `bun:"table:tasks,alias:tk"`

	ID          uuid.UUID  `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	ExecutionID uuid.UUID  `bun:"execution_id,notnull,type:uuid" json:"execution_id" validate:"required"`
	DisplayID   string     `bun:"display_id,notnull" json:"display_id"`
	WorkerID    *uuid.UUID `bun:"worker_id,type:uuid" json:"worker_id,omitempty"`
	Status      string     `bun:"status,notnull,default:'pending'" json:"status" validate:"required,oneof=pending assigned running completed failed cancelled"`
	Priority    int        `bun:"priority,notnull,default:0" json:"priority"`
	Payload     JSONBMap   `bun:"payload,type:jsonb,notnull,default:'{}'" json:"payload"`
	Result      JSONBMap   `bun:"result,type:jsonb" json:"result,omitempty"`
	Error       string     `bun:"error" json:"error,omitempty"`
	RetryCount  int        `bun:"retry_count,notnull,default:0" json:"retry_count"`
	MaxRetries  int        `bun:"max_retries,notnull,default:0" json:"max_retries"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	AssignedAt  *time.Time `bun:"assigned_at" json:"assigned_at,omitempty"`
	StartedAt   *time.Time `bun:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `bun:"completed_at" json:"completed_at,omitempty"`

	Execution *ExecutionModel `bun:"rel:belongs-to,join:execution_id=id" json:"-"`
	Worker    *WorkerModel    `bun:"rel:belongs-to,join:worker_id=id" json:"worker,omitempty"`
}

// TableName returns the table name for TaskModel.
func (TaskModel) TableName() string {
	return "tasks"
}

// BeforeInsert sets defaults and the created timestamp.
func (t *TaskModel) BeforeInsert(ctx interface{}) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Payload == nil {
		t.Payload = make(JSONBMap)
	}
	return nil
}

// IsPending reports whether the task has not yet been bound to a worker.
func (t *TaskModel) IsPending() bool { return t.Status == "pending" }

// IsAssigned reports whether the task has been bound but not yet started.
func (t *TaskModel) IsAssigned() bool { return t.Status == "assigned" }

// IsRunning reports whether the task is currently executing on a worker.
func (t *TaskModel) IsRunning() bool { return t.Status == "running" }

// IsTerminal reports whether the task has reached a terminal state.
func (t *TaskModel) IsTerminal() bool {
	return t.Status == "completed" || t.Status == "failed" || t.Status == "cancelled"
}

// MarkAssigned binds the task to a worker.
func (t *TaskModel) MarkAssigned(workerID uuid.UUID) {
	now := time.Now()
	t.WorkerID = &workerID
	t.AssignedAt = &now
	t.Status = "assigned"
}

// MarkRunning sets the started timestamp and status.
func (t *TaskModel) MarkRunning() {
	now := time.Now()
	t.StartedAt = &now
	t.Status = "running"
}

// MarkCompleted sets the completed timestamp and status.
func (t *TaskModel) MarkCompleted() {
	now := time.Now()
	t.CompletedAt = &now
	t.Status = "completed"
}

// MarkFailed sets the completed timestamp, status, and error.
func (t *TaskModel) MarkFailed(err string) {
	now := time.Now()
	t.CompletedAt = &now
	t.Status = "failed"
	t.Error = err
}

// MarkCancelled sets the completed timestamp and status.
func (t *TaskModel) MarkCancelled() {
	now := time.Now()
	t.CompletedAt = &now
	t.Status = "cancelled"
}

// Duration returns the elapsed run time, if started.
func (t *TaskModel) Duration() *time.Duration {
	if t.StartedAt == nil {
		return nil
	}
	var d time.Duration
	if t.CompletedAt != nil {
		d = t.CompletedAt.Sub(*t.StartedAt)
	} else {
		d = time.Since(*t.StartedAt)
	}
	return &d
}
