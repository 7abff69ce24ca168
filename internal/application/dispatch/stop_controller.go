package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/dispatch/internal/domain/repository"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
	storagemodels "github.com/taskmesh/dispatch/internal/infrastructure/storage/models"
)

// StopController implements C6: a user-initiated stop that cascades
// cooperatively. It never talks to the broker — workers discover the
// stop on their own schedule via status_check polling (§4.6 step 3).
type StopController struct {
	executions repository.ExecutionRepository
	tasks      repository.TaskRepository
	workers    repository.WorkerRepository
	log        *logger.Logger
}

// NewStopController creates a StopController.
func NewStopController(executions repository.ExecutionRepository, tasks repository.TaskRepository, workers repository.WorkerRepository, log *logger.Logger) *StopController {
	return &StopController{executions: executions, tasks: tasks, workers: workers, log: log}
}

// Stop executes the three-step cascade against executionID: record
// intent on the execution itself, then cancel every non-terminal child
// locally. Valid only when the execution is currently stoppable
// (pending, running or paused); calling it again afterward is a no-op.
func (s *StopController) Stop(ctx context.Context, executionID uuid.UUID) error {
	// Step 1: record intent first — this one write is the authoritative
	// signal every other reader (dispatcher, status_check, heartbeat
	// loop) will observe.
	err := s.executions.TransitionStatus(ctx, executionID, func(e *storagemodels.ExecutionModel) (string, error) {
		if !e.IsStoppable() {
			return "", errNotStoppable
		}
		return "stopped", nil
	})
	if err != nil {
		if err == errNotStoppable {
			return nil
		}
		return fmt.Errorf("record stop intent: %w", err)
	}

	// Step 2: cancel child units locally (plan fan-out; a no-op for a
	// standalone script execution with no children).
	children, err := s.executions.FindChildren(ctx, executionID)
	if err != nil {
		return fmt.Errorf("list children of %s: %w", executionID, err)
	}
	for _, child := range children {
		if err := s.stopChild(ctx, child); err != nil && s.log != nil {
			s.log.Error("stop cascade failed for child", "execution_id", child.ID, "error", err)
		}
	}
	return nil
}

var errNotStoppable = fmt.Errorf("execution is not in a stoppable state")

func (s *StopController) stopChild(ctx context.Context, child *storagemodels.ExecutionModel) error {
	if child.IsTerminal() {
		return nil
	}

	err := s.executions.TransitionStatus(ctx, child.ID, func(e *storagemodels.ExecutionModel) (string, error) {
		if e.IsTerminal() {
			return "", errAlreadyTerminal
		}
		if e.Output == nil {
			e.Output = make(storagemodels.JSONBMap)
		}
		now := time.Now()
		e.Output["success"] = false
		e.Output["message"] = "user stopped"
		e.Output["stopped_at"] = now
		return "stopped", nil
	})
	if err != nil && err != errAlreadyTerminal {
		return fmt.Errorf("stop child execution: %w", err)
	}

	task, err := s.tasks.FindByExecutionID(ctx, child.ID)
	if err != nil {
		// A child execution need not have a task yet (not dispatched).
		return nil
	}
	if task.IsTerminal() {
		return nil
	}

	hadWorker := task.WorkerID != nil && (task.IsAssigned() || task.IsRunning())
	workerID := task.WorkerID

	err = s.tasks.TransitionStatus(ctx, task.ID, func(t *storagemodels.TaskModel) (string, error) {
		if t.IsTerminal() {
			return "", errAlreadyTerminal
		}
		return "cancelled", nil
	})
	if err != nil && err != errAlreadyTerminal {
		return fmt.Errorf("cancel child task: %w", err)
	}

	if hadWorker && workerID != nil {
		if err := s.workers.AdjustCurrentTasks(ctx, *workerID, -1); err != nil && s.log != nil {
			s.log.Warn("failed to release worker load counter on stop", "worker_id", *workerID, "error", err)
		}
	}
	return nil
}

var errAlreadyTerminal = fmt.Errorf("already terminal")
