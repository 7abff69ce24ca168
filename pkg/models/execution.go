// Package models defines the public domain model for the dispatch and
// execution-lifecycle subsystem: executions, tasks, workers and the
// variables passed between them.
package models

import (
	"time"
)

// Execution represents either a plan run or a single script run within a
// plan. Plan executions are pure aggregates: their status is always
// derived from their child task executions and they never carry a
// worker_ref or payload of their own.
type Execution struct {
	ID              string                 `json:"id"`
	PlanID          string                 `json:"plan_id,omitempty"`
	ScriptID        string                 `json:"script_id,omitempty"`
	ParentID        string                 `json:"parent_id,omitempty"` // set iff this is a script child of a plan execution
	Kind            ExecutionKind          `json:"kind"`
	Status          ExecutionStatus        `json:"status"`
	Priority        int                    `json:"priority"`
	Sequential      bool                   `json:"sequential"` // plan-level: run children one at a time, in plan order
	Variables       map[string]string      `json:"variables,omitempty"`
	Output          map[string]interface{} `json:"output,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ScreenshotPaths []string               `json:"screenshot_paths,omitempty"`
	TriggeredBy     string                 `json:"triggered_by,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	StopRequested   bool                   `json:"stop_requested"`
}

// ExecutionKind distinguishes a plan (aggregate, no payload) from a
// script (a single runnable unit bound to exactly one task).
type ExecutionKind string

const (
	ExecutionKindPlan   ExecutionKind = "plan"
	ExecutionKindScript ExecutionKind = "script"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusStopped   ExecutionStatus = "stopped"
)

// IsTerminal reports whether the status will never change again.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusStopped
}

// IsStoppable reports whether stop(execution_id) may be called against an
// execution in this status.
func (s ExecutionStatus) IsStoppable() bool {
	return s == ExecutionStatusPending || s == ExecutionStatusRunning || s == ExecutionStatusPaused
}

// IsTerminal reports whether the execution has reached a terminal state.
func (e *Execution) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// Duration returns the elapsed time since start, or the final duration
// once completed.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil {
		return 0
	}
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(*e.StartedAt)
	}
	return time.Since(*e.StartedAt)
}
