// Package dispatch implements the control-plane side of the task
// lifecycle: the Dispatcher (binds pending tasks to workers under
// plan-ordering rules), the Plan Aggregator (rolls up child results into
// parent state) and the Stop Controller (cascading cooperative cancel).
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/dispatch/internal/domain/repository"
	"github.com/taskmesh/dispatch/internal/infrastructure/broker"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
	storagemodels "github.com/taskmesh/dispatch/internal/infrastructure/storage/models"
	"github.com/taskmesh/dispatch/pkg/models"
)

// heartbeatGrace is the heartbeat freshness window passed to FindOnline
// and Available; it has the same value as pkg/models.HeartbeatGrace.
const heartbeatGrace = 120 * time.Second

// DefaultDispatchLimit is the number of pending tasks examined per call
// when the caller does not specify one (nudge endpoints, periodic tick).
const DefaultDispatchLimit = 50

// Dispatcher implements C3: it scans pending tasks, enforces plan
// ordering, selects an eligible worker and publishes the task payload.
type Dispatcher struct {
	executions repository.ExecutionRepository
	tasks      repository.TaskRepository
	workers    repository.WorkerRepository
	broker     broker.Broker
	log        *logger.Logger
	now        func() time.Time
}

// New creates a Dispatcher.
func New(executions repository.ExecutionRepository, tasks repository.TaskRepository, workers repository.WorkerRepository, b broker.Broker, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		executions: executions,
		tasks:      tasks,
		workers:    workers,
		broker:     b,
		log:        log,
		now:        time.Now,
	}
}

// Dispatch runs one selection pass over up to limit pending tasks and
// returns the number of tasks it bound to a worker.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultDispatchLimit
	}

	candidates, err := d.tasks.FindPendingCandidates(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("fetch pending candidates: %w", err)
	}

	bound := 0
	for _, c := range candidates {
		ok, err := d.dispatchOne(ctx, c)
		if err != nil {
			if d.log != nil {
				d.log.Error("dispatch candidate failed", "task_id", c.Task.ID, "error", err)
			}
			continue
		}
		if ok {
			bound++
		}
	}
	return bound, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, c *repository.TaskCandidate) (bool, error) {
	var payload models.TaskPayload
	if len(c.Task.Payload) > 0 {
		raw, err := json.Marshal(map[string]interface{}(c.Task.Payload))
		if err != nil {
			return false, fmt.Errorf("marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return false, fmt.Errorf("unmarshal payload: %w", err)
		}
	}

	// (a) Parent-stop guard, pre-lock pass.
	if c.StopRequested {
		return false, d.cancelTask(ctx, c.Task.ID, "parent execution stopped")
	}

	// (b) Sequential gate: child i+1 never dispatches while child i is
	// still non-terminal.
	if payload.IsSequential() && payload.ScriptData.ScriptIndex > 0 {
		ready, err := d.siblingReady(ctx, payload.ScriptData.ParentExecutionID, payload.ScriptData.ScriptIndex)
		if err != nil {
			return false, err
		}
		if !ready {
			return false, nil
		}
	}

	// (e) Worker selection, outside the row lock; the chosen worker is
	// not re-checked under the lock.
	workerID, err := d.selectWorker(ctx, payload.ScriptData.ProjectID)
	if err != nil {
		return false, err
	}
	if workerID == uuid.Nil {
		return false, nil
	}
	target, err := d.workers.FindByID(ctx, workerID)
	if err != nil {
		return false, fmt.Errorf("load selected worker: %w", err)
	}

	published := false
	err = d.tasks.LockForAssignment(ctx, c.Task.ID, func(t *storagemodels.TaskModel) error {
		// (c)/(d) re-check under the lock: task state and parent/own stop.
		if !t.IsPending() {
			return fmt.Errorf("task no longer pending")
		}
		exec, execErr := d.executions.FindByID(ctx, t.ExecutionID)
		if execErr != nil {
			return fmt.Errorf("reload execution: %w", execErr)
		}
		if exec.StopRequested || exec.IsStopped() {
			return errStopRequestedUnderLock
		}
		if exec.ParentID != nil {
			parent, perr := d.executions.FindByID(ctx, *exec.ParentID)
			if perr == nil && (parent.StopRequested || parent.IsStopped()) {
				return errStopRequestedUnderLock
			}
		}

		payload.TaskID = c.Task.ID.String()
		raw, merr := json.Marshal(payload)
		if merr != nil {
			return fmt.Errorf("marshal publish payload: %w", merr)
		}
		if perr := d.broker.Publish(ctx, target.UUID.String(), raw); perr != nil {
			return fmt.Errorf("publish: %w", perr)
		}

		t.MarkAssigned(workerID)
		published = true
		return nil
	})

	if errors.Is(err, errStopRequestedUnderLock) {
		return false, d.cancelTask(ctx, c.Task.ID, "execution stopped during dispatch")
	}
	if err != nil {
		// Race on bind (no longer pending) or a transient publish
		// failure: leave pending, retry next tick. Not an error worth
		// surfacing past a debug log.
		if d.log != nil {
			d.log.Debug("dispatch bind skipped", "task_id", c.Task.ID, "reason", err)
		}
		return false, nil
	}

	if published {
		if err := d.incrementWorkerLoad(ctx, workerID); err != nil && d.log != nil {
			d.log.Warn("failed to bump worker load counter after bind", "worker_id", workerID, "error", err)
		}
	}
	return published, nil
}

var errStopRequestedUnderLock = errors.New("execution stopped")

// siblingReady implements §4.1.b: the sibling at scriptIndex-1 must have
// reached a terminal execution state before this candidate may dispatch.
func (d *Dispatcher) siblingReady(ctx context.Context, parentExecutionID string, scriptIndex int) (bool, error) {
	if parentExecutionID == "" || scriptIndex <= 0 {
		return true, nil
	}
	parentID, err := uuid.Parse(parentExecutionID)
	if err != nil {
		return true, nil
	}
	children, err := d.executions.FindChildren(ctx, parentID)
	if err != nil {
		return false, fmt.Errorf("list plan children: %w", err)
	}
	if scriptIndex-1 >= len(children) {
		// No sibling on record yet; treat as not ready rather than guess.
		return false, nil
	}
	sibling := children[scriptIndex-1]
	return sibling.IsCompleted() || sibling.IsFailed() || sibling.IsStopped(), nil
}

// selectWorker implements §4.1.1: eligible, scope-preferred, tie-broken
// by ascending live running-task count. Returns uuid.Nil if none match.
func (d *Dispatcher) selectWorker(ctx context.Context, projectID string) (uuid.UUID, error) {
	all, err := d.workers.FindOnline(ctx, heartbeatGrace, d.now())
	if err != nil {
		return uuid.Nil, fmt.Errorf("list online workers: %w", err)
	}

	var eligible []*storagemodels.WorkerModel
	for _, w := range all {
		if w.Available(d.now(), heartbeatGrace) {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) == 0 {
		return uuid.Nil, nil
	}

	pool := eligible
	if projectID != "" {
		var scoped []*storagemodels.WorkerModel
		for _, w := range eligible {
			if !w.GlobalScope && w.AcceptsScope(projectID) {
				scoped = append(scoped, w)
			}
		}
		if len(scoped) > 0 {
			pool = scoped
		} else {
			var global []*storagemodels.WorkerModel
			for _, w := range eligible {
				if w.GlobalScope {
					global = append(global, w)
				}
			}
			pool = global
		}
	} else {
		var global []*storagemodels.WorkerModel
		for _, w := range eligible {
			if w.GlobalScope {
				global = append(global, w)
			}
		}
		if len(global) > 0 {
			pool = global
		}
	}
	if len(pool) == 0 {
		return uuid.Nil, nil
	}

	var best *storagemodels.WorkerModel
	bestCount := -1
	for _, w := range pool {
		n, cerr := d.tasks.CountRunningByWorker(ctx, w.ID)
		if cerr != nil {
			return uuid.Nil, fmt.Errorf("count running tasks for %s: %w", w.ID, cerr)
		}
		if best == nil || n < bestCount || (n == bestCount && w.ID.String() < best.ID.String()) {
			best, bestCount = w, n
		}
	}
	return best.ID, nil
}

func (d *Dispatcher) cancelTask(ctx context.Context, taskID uuid.UUID, reason string) error {
	err := d.tasks.TransitionStatus(ctx, taskID, func(t *storagemodels.TaskModel) (string, error) {
		if !t.IsPending() {
			return "", fmt.Errorf("task no longer pending")
		}
		t.Error = reason
		return "cancelled", nil
	})
	if err != nil && d.log != nil {
		d.log.Debug("cancel-on-stop skipped", "task_id", taskID, "reason", err)
		return nil
	}
	return nil
}

func (d *Dispatcher) incrementWorkerLoad(ctx context.Context, workerID uuid.UUID) error {
	return d.workers.AdjustCurrentTasks(ctx, workerID, 1)
}
