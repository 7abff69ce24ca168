package models

import "time"

// Task is the unit of dispatch: exactly one task exists per script
// execution and carries everything a worker needs to run it.
type Task struct {
	ID            string                 `json:"id"`
	ExecutionID   string                 `json:"execution_id"` // must equal Payload.ExecutionID
	DisplayID     string                 `json:"display_id"`
	WorkerID      string                 `json:"worker_id,omitempty"` // set whenever Status is assigned or running; kept once terminal
	Status        TaskStatus             `json:"status"`
	Priority      int                    `json:"priority"`
	Payload       TaskPayload            `json:"payload"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
	CreatedAt     time.Time              `json:"created_at"`
	AssignedAt    *time.Time             `json:"assigned_at,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// TaskPayload is the JSON body carried over the broker wire to a worker,
// and the same object stored on Task.Payload — the dispatcher's
// plan-sequential gate (§4.1.b) reads ScriptData.ScriptIndex/ParentExecutionID
// directly off this struct rather than off separate execution columns.
type TaskPayload struct {
	TaskID      string            `json:"task_id"`
	ExecutionID string            `json:"execution_id"`
	BrowserType string            `json:"browser_type,omitempty"`
	Timeout     int               `json:"timeout,omitempty"` // seconds
	Variables   map[string]string `json:"variables,omitempty"`
	ScriptData  ScriptData        `json:"script_data"`
}

// ScriptData is the opaque, browser-automation step list a worker's step
// executor consumes, plus the plan-membership metadata the dispatcher and
// worker both need to enforce ordering. Steps are never interpreted by the
// control plane itself.
type ScriptData struct {
	ScriptID    string            `json:"script_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Type        string            `json:"type,omitempty"`
	Framework   string            `json:"framework,omitempty"`
	Steps       []StepSpec        `json:"steps"`
	Variables   map[string]string `json:"variables,omitempty"`
	Timeout     int               `json:"timeout,omitempty"`
	ProjectID   string            `json:"project_id,omitempty"`

	// Present iff this task is part of a plan.
	PlanID            string             `json:"plan_id,omitempty"`
	PlanName          string             `json:"plan_name,omitempty"`
	ParentExecutionID string             `json:"parent_execution_id,omitempty"`
	ExecutionMode     string             `json:"execution_mode,omitempty"` // sequential | parallel
	PlanScripts       []PlanScriptRef    `json:"plan_scripts,omitempty"`
	ScriptIndex       int                `json:"script_index,omitempty"`
	TotalScripts      int                `json:"total_scripts,omitempty"`
}

// PlanScriptRef is one entry of a plan's script manifest, carried so a
// worker can render plan progress without a control-plane round trip.
type PlanScriptRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	Framework string `json:"framework,omitempty"`
	StepCount int    `json:"step_count"`
}

// StepSpec is one opaque step. Type is validated for shape (non-empty,
// known vocabulary) but never executed by the dispatch subsystem itself.
type StepSpec struct {
	Type   string                 `json:"type"`
	Name   string                 `json:"name,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// IsSequential reports whether this task belongs to a sequential-mode plan.
func (p TaskPayload) IsSequential() bool {
	return p.ScriptData.ExecutionMode == "sequential"
}

// IsPlanChild reports whether this task was spawned from a plan execution.
func (p TaskPayload) IsPlanChild() bool {
	return p.ScriptData.ParentExecutionID != ""
}

// TaskStatus is the forward-only lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status will never change again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsTerminal reports whether the task has reached a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// nextStatuses enumerates the legal forward transitions for each task
// status, as reported by CanTransition; the store's TransitionStatus
// does not consult it.
var nextStatuses = map[TaskStatus][]TaskStatus{
	TaskStatusPending:   {TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusAssigned:  {TaskStatusRunning, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusRunning:   {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusCompleted: {},
	TaskStatusFailed:    {},
	TaskStatusCancelled: {},
}

// CanTransition reports whether moving from s to next is a legal
// forward-only transition.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range nextStatuses[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
