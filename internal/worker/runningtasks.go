package worker

import (
	"sync"

	"github.com/taskmesh/dispatch/pkg/models"
)

// taskState is what the intake loop and runner track per admitted task
// while it occupies a concurrency slot.
type taskState struct {
	Status  string // "starting" | "running"
	Payload models.TaskPayload
}

// RunningTasks is the worker's admission ledger: the set of tasks
// currently occupying a concurrency slot, keyed by task id. §4.7 step 5
// inserts a placeholder before handing off to the runner; §4.9 step 6
// removes the entry on completion.
type RunningTasks struct {
	mu    sync.Mutex
	tasks map[string]*taskState
}

// NewRunningTasks creates an empty ledger.
func NewRunningTasks() *RunningTasks {
	return &RunningTasks{tasks: make(map[string]*taskState)}
}

// Len reports the current concurrency occupancy.
func (r *RunningTasks) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Insert admits taskID with the given payload under the "starting" state.
func (r *RunningTasks) Insert(taskID string, payload models.TaskPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[taskID] = &taskState{Status: "starting", Payload: payload}
}

// MarkRunning transitions an admitted task from "starting" to "running".
func (r *RunningTasks) MarkRunning(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[taskID]; ok {
		t.Status = "running"
	}
}

// Remove frees taskID's concurrency slot.
func (r *RunningTasks) Remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, taskID)
}

// HasParent reports whether any currently-admitted task belongs to
// parentID — the sequential-sibling gate's question (§4.7 step 4).
func (r *RunningTasks) HasParent(parentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.Payload.ScriptData.ParentExecutionID == parentID {
			return true
		}
	}
	return false
}

// DistinctParents returns the set of parent_execution_ids currently
// represented among admitted tasks — the heartbeat loop's scan (§4.8 step 1).
func (r *RunningTasks) DistinctParents() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{})
	for _, t := range r.tasks {
		if p := t.Payload.ScriptData.ParentExecutionID; p != "" {
			out[p] = struct{}{}
		}
	}
	return out
}
