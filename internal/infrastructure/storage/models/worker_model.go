package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// WorkerModel is a registered execution agent.
type WorkerModel struct {
	bun.BaseModel `bun:"table:workers,alias:wk"`

	ID            uuid.UUID   `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	UUID          uuid.UUID   `bun:"uuid,notnull,type:uuid,unique" json:"uuid"`
	Name          string      `bun:"name,notnull" json:"name" validate:"required"`
	Platform      string      `bun:"platform" json:"platform,omitempty"`
	BrowserTypes  StringArray `bun:"browser_types,type:text[]" json:"browser_types,omitempty"`
	ProjectScopes StringArray `bun:"project_scopes,type:text[]" json:"project_scopes,omitempty"`
	GlobalScope   bool        `bun:"global_scope,notnull,default:false" json:"global_scope"`
	Enabled       bool        `bun:"enabled,notnull,default:true" json:"enabled"`
	State         string      `bun:"state,notnull,default:'online'" json:"state" validate:"required,oneof=idle online offline busy error"`
	MaxConcurrent int         `bun:"max_concurrent,notnull,default:3" json:"max_concurrent" validate:"gte=1,lte=3"`
	CurrentTasks  int         `bun:"current_tasks,notnull,default:0" json:"current_tasks"`
	Labels        JSONBMap    `bun:"labels,type:jsonb,default:'{}'" json:"labels,omitempty"`
	LastHeartbeat time.Time   `bun:"last_heartbeat,notnull,default:current_timestamp" json:"last_heartbeat"`
	RegisteredAt  time.Time   `bun:"registered_at,notnull,default:current_timestamp" json:"registered_at"`
}

// TableName returns the table name for WorkerModel.
func (WorkerModel) TableName() string {
	return "workers"
}

// BeforeInsert sets defaults and the registration timestamp.
func (w *WorkerModel) BeforeInsert(ctx interface{}) error {
	now := time.Now()
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = now
	}
	w.LastHeartbeat = now
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.UUID == uuid.Nil {
		w.UUID = uuid.New()
	}
	if w.Labels == nil {
		w.Labels = make(JSONBMap)
	}
	if w.MaxConcurrent == 0 {
		w.MaxConcurrent = 3
	}
	if w.State == "" {
		w.State = "online"
	}
	return nil
}

// Online reports whether the worker is enabled and heartbeat within the
// grace window relative to now.
func (w *WorkerModel) Online(now time.Time, grace time.Duration) bool {
	return w.Enabled && now.Sub(w.LastHeartbeat) < grace
}

// Available reports whether the worker is eligible to receive a new
// assignment: enabled, fresh heartbeat, and in an assignable runtime state.
func (w *WorkerModel) Available(now time.Time, grace time.Duration) bool {
	if !w.Online(now, grace) {
		return false
	}
	switch w.State {
	case "idle", "online", "busy":
		return true
	default:
		return false
	}
}

// AcceptsScope reports whether this worker may run a task for the given
// project id.
func (w *WorkerModel) AcceptsScope(projectID string) bool {
	if w.GlobalScope {
		return true
	}
	for _, p := range w.ProjectScopes {
		if p == projectID {
			return true
		}
	}
	return false
}

// Touch updates the heartbeat timestamp to now.
func (w *WorkerModel) Touch() {
	w.LastHeartbeat = time.Now()
}

// WorkerStatusLogModel is one heartbeat's audit trail entry, retained for
// operator diagnostics — never read back by the dispatcher itself.
type WorkerStatusLogModel struct {
	bun.BaseModel `bun:"table:worker_status_log,alias:wsl"`

	ID           int64     `bun:"id,pk,autoincrement" json:"id"`
	WorkerID     uuid.UUID `bun:"worker_id,notnull,type:uuid" json:"worker_id"`
	State        string    `bun:"state,notnull" json:"state"`
	CurrentTasks int       `bun:"current_tasks,notnull,default:0" json:"current_tasks"`
	CPUUsage     *float64  `bun:"cpu_usage" json:"cpu_usage,omitempty"`
	MemoryUsage  *float64  `bun:"memory_usage" json:"memory_usage,omitempty"`
	DiskUsage    *float64  `bun:"disk_usage" json:"disk_usage,omitempty"`
	Message      string    `bun:"message" json:"message,omitempty"`
	CreatedAt    time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

// TableName returns the table name for WorkerStatusLogModel.
func (WorkerStatusLogModel) TableName() string {
	return "worker_status_log"
}
