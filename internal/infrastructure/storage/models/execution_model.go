package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ExecutionModel represents a plan or script execution instance.
// A plan execution (parent_id null, kind=plan) is a pure aggregate:
// its status is always derived from its child executions (see the
// aggregator) and it is never itself the target of a broker publish.
// A script execution (parent_id set, kind=script) binds to exactly
// one TaskModel.
type ExecutionModel struct {
	bun.BaseModel `bun:"table:executions,alias:ex"`

	ID              uuid.UUID  `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	PlanID          *uuid.UUID `bun:"plan_id,type:uuid" json:"plan_id,omitempty"`
	ScriptID        *uuid.UUID `bun:"script_id,type:uuid" json:"script_id,omitempty"`
	ParentID        *uuid.UUID `bun:"parent_id,type:uuid" json:"parent_id,omitempty"`
	Kind            string     `bun:"kind,notnull,default:'script'" json:"kind" validate:"required,oneof=plan script"`
	Status          string     `bun:"status,notnull,default:'pending'" json:"status" validate:"required,oneof=pending running paused completed failed stopped"`
	Priority        int        `bun:"priority,notnull,default:0" json:"priority"`
	Sequential      bool       `bun:"sequential,notnull,default:false" json:"sequential"`
	Variables       JSONBMap   `bun:"variables,type:jsonb,default:'{}'" json:"variables,omitempty"`
	Output          JSONBMap   `bun:"output,type:jsonb" json:"output,omitempty"`
	Error           string     `bun:"error" json:"error,omitempty"`
	ScreenshotPaths StringArray `bun:"screenshot_paths,type:text[]" json:"screenshot_paths,omitempty"`
	TriggeredBy     string     `bun:"triggered_by" json:"triggered_by,omitempty"`
	StopRequested   bool       `bun:"stop_requested,notnull,default:false" json:"stop_requested"`
	CreatedAt       time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	StartedAt       *time.Time `bun:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time `bun:"completed_at" json:"completed_at,omitempty"`

	Parent   *ExecutionModel   `bun:"rel:belongs-to,join:parent_id=id" json:"-"`
	Children []*ExecutionModel `bun:"rel:has-many,join:id=parent_id" json:"children,omitempty"`
	Task     *TaskModel        `bun:"rel:has-one,join:id=execution_id" json:"task,omitempty"`
}

// TableName returns the table name for ExecutionModel.
func (ExecutionModel) TableName() string {
	return "executions"
}

// BeforeInsert sets defaults and the created timestamp.
func (e *ExecutionModel) BeforeInsert(ctx interface{}) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Variables == nil {
		e.Variables = make(JSONBMap)
	}
	return nil
}

// IsPending reports whether the execution is still queued.
func (e *ExecutionModel) IsPending() bool { return e.Status == "pending" }

// IsRunning reports whether the execution is in flight.
func (e *ExecutionModel) IsRunning() bool { return e.Status == "running" }

// IsCompleted reports whether the execution finished successfully.
func (e *ExecutionModel) IsCompleted() bool { return e.Status == "completed" }

// IsFailed reports whether the execution finished with an error.
func (e *ExecutionModel) IsFailed() bool { return e.Status == "failed" }

// IsPaused reports whether the execution is paused.
func (e *ExecutionModel) IsPaused() bool { return e.Status == "paused" }

// IsStopped reports whether the execution was stopped.
func (e *ExecutionModel) IsStopped() bool { return e.Status == "stopped" }

// IsTerminal reports whether the execution is in a terminal state.
func (e *ExecutionModel) IsTerminal() bool {
	return e.IsCompleted() || e.IsFailed() || e.IsStopped()
}

// IsStoppable reports whether stop(execution_id) may act on this execution.
func (e *ExecutionModel) IsStoppable() bool {
	return e.IsPending() || e.IsRunning() || e.IsPaused()
}

// IsPlan reports whether this execution is a plan-level aggregate.
func (e *ExecutionModel) IsPlan() bool { return e.Kind == "plan" }

// Duration returns the elapsed execution time, if started.
func (e *ExecutionModel) Duration() *time.Duration {
	if e.StartedAt == nil {
		return nil
	}
	var d time.Duration
	if e.CompletedAt != nil {
		d = e.CompletedAt.Sub(*e.StartedAt)
	} else {
		d = time.Since(*e.StartedAt)
	}
	return &d
}

// MarkStarted sets the started timestamp and status.
func (e *ExecutionModel) MarkStarted() {
	now := time.Now()
	e.StartedAt = &now
	e.Status = "running"
}

// MarkCompleted sets the completed timestamp and status.
func (e *ExecutionModel) MarkCompleted() {
	now := time.Now()
	e.CompletedAt = &now
	e.Status = "completed"
}

// MarkFailed sets the completed timestamp, status, and error.
func (e *ExecutionModel) MarkFailed(err string) {
	now := time.Now()
	e.CompletedAt = &now
	e.Status = "failed"
	e.Error = err
}

// MarkStopped sets the completed timestamp and status.
func (e *ExecutionModel) MarkStopped() {
	now := time.Now()
	e.CompletedAt = &now
	e.Status = "stopped"
}
