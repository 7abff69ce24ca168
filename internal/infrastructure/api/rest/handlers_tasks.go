package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taskmesh/dispatch/internal/application/dispatch"
	"github.com/taskmesh/dispatch/internal/application/observer"
	"github.com/taskmesh/dispatch/internal/domain/repository"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
	storagemodels "github.com/taskmesh/dispatch/internal/infrastructure/storage/models"
)

// TaskHandlers provides HTTP handlers for worker-reported task outcomes.
type TaskHandlers struct {
	tasks      repository.TaskRepository
	workers    repository.WorkerRepository
	executions repository.ExecutionRepository
	aggregator *dispatch.Aggregator
	dispatcher *dispatch.Dispatcher
	logger     *logger.Logger
	observers  *observer.ObserverManager
}

// NewTaskHandlers creates a new TaskHandlers instance.
func NewTaskHandlers(
	tasks repository.TaskRepository,
	workers repository.WorkerRepository,
	executions repository.ExecutionRepository,
	aggregator *dispatch.Aggregator,
	dispatcher *dispatch.Dispatcher,
	log *logger.Logger,
) *TaskHandlers {
	return &TaskHandlers{tasks: tasks, workers: workers, executions: executions, aggregator: aggregator, dispatcher: dispatcher, logger: log}
}

// SetObservers attaches a lifecycle-event sink; nil (the default) means
// result ingestion never pushes events anywhere.
func (h *TaskHandlers) SetObservers(m *observer.ObserverManager) {
	h.observers = m
}

type taskResultRequest struct {
	Status string                 `json:"status" validate:"required,oneof=completed failed cancelled"`
	Result map[string]interface{} `json:"result"`
	Error  string                 `json:"error"`
}

// HandleTaskResult handles POST /tasks/{id}/result. It is idempotent:
// a task already in a terminal state silently accepts a duplicate
// result rather than erroring, since at-least-once broker delivery
// means a worker may legitimately re-post the same outcome (§7).
func (h *TaskHandlers) HandleTaskResult(c *gin.Context) {
	id, ok := getParam(c, "id")
	if !ok {
		return
	}
	taskID, err := uuid.Parse(id)
	if err != nil {
		respondAPIError(c, ErrInvalidID)
		return
	}

	var req taskResultRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}

	ctx := c.Request.Context()
	task, err := h.tasks.FindByID(ctx, taskID)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	if task.IsTerminal() {
		c.JSON(http.StatusOK, gin.H{"status": task.Status, "duplicate": true})
		return
	}

	wasAssignedOrRunning := task.WorkerID != nil && (task.IsAssigned() || task.IsRunning())
	workerID := task.WorkerID

	err = h.tasks.TransitionStatus(ctx, taskID, func(t *storagemodels.TaskModel) (string, error) {
		if t.IsTerminal() {
			return "", errAlreadyTerminal
		}
		if req.Result != nil {
			result := storagemodels.JSONBMap{}
			for k, v := range req.Result {
				result[k] = v
			}
			t.Result = result
		}
		switch req.Status {
		case "failed":
			t.Error = req.Error
			return "failed", nil
		case "cancelled":
			t.Error = req.Error
			return "cancelled", nil
		default:
			return "completed", nil
		}
	})
	if err != nil && err != errAlreadyTerminal {
		h.logger.Error("task result transition failed", "error", err, "task_id", taskID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}

	if wasAssignedOrRunning && workerID != nil {
		if err := h.workers.AdjustCurrentTasks(ctx, *workerID, -1); err != nil && h.logger != nil {
			h.logger.Warn("failed to release worker load counter on result", "worker_id", *workerID, "error", err)
		}
	}

	if h.observers != nil {
		eventType := observer.EventTypeTaskCompleted
		switch req.Status {
		case "failed":
			eventType = observer.EventTypeTaskFailed
		case "cancelled":
			eventType = observer.EventTypeTaskCancelled
		}
		evt := observer.Event{
			Type:        eventType,
			ExecutionID: task.ExecutionID,
			TaskID:      taskID.String(),
			Status:      string(task.Status),
			Timestamp:   time.Now().UTC(),
			Output:      req.Result,
		}
		if workerID != nil {
			evt.WorkerID = workerID.String()
		}
		if req.Error != "" {
			evt.Error = errors.New(req.Error)
		}
		h.observers.Notify(ctx, evt)
	}

	execErr := h.executions.TransitionStatus(ctx, task.ExecutionID, func(e *storagemodels.ExecutionModel) (string, error) {
		if e.IsTerminal() {
			return "", errAlreadyTerminal
		}
		switch req.Status {
		case "failed":
			e.Error = req.Error
			return "failed", nil
		case "cancelled":
			e.Error = req.Error
			return "stopped", nil
		default:
			if req.Result != nil {
				if e.Output == nil {
					e.Output = make(storagemodels.JSONBMap)
				}
				for k, v := range req.Result {
					e.Output[k] = v
				}
			}
			return "completed", nil
		}
	})
	if execErr != nil && execErr != errAlreadyTerminal && h.logger != nil {
		h.logger.Warn("execution status sync failed after task result", "execution_id", task.ExecutionID, "error", execErr)
	}

	exec, execErr := h.executions.FindByID(ctx, task.ExecutionID)
	if execErr == nil {
		if h.observers != nil && exec.IsTerminal() {
			execEventType := observer.EventTypeExecutionCompleted
			switch {
			case exec.IsFailed():
				execEventType = observer.EventTypeExecutionFailed
			case exec.IsStopped():
				execEventType = observer.EventTypeExecutionCancelled
			}
			h.observers.Notify(ctx, observer.Event{
				Type:        execEventType,
				ExecutionID: exec.ID.String(),
				Status:      string(exec.Status),
				Timestamp:   time.Now().UTC(),
			})
		}
		if exec.ParentID != nil {
			if err := h.aggregator.Rollup(ctx, *exec.ParentID); err != nil && h.logger != nil {
				h.logger.Warn("plan rollup failed for parent", "execution_id", *exec.ParentID, "error", err)
			}
		}
	}

	if _, err := h.dispatcher.Dispatch(ctx, dispatch.DefaultDispatchLimit); err != nil && h.logger != nil {
		h.logger.Warn("post-result dispatch nudge failed", "error", err)
	}

	c.Status(http.StatusNoContent)
}

var errAlreadyTerminal = errors.New("already terminal")

type screenshotRequest struct {
	Path string `json:"path" validate:"required"`
}

// HandleTaskScreenshot handles POST /tasks/{id}/screenshot — appends
// one screenshot path to the owning execution's record.
func (h *TaskHandlers) HandleTaskScreenshot(c *gin.Context) {
	id, ok := getParam(c, "id")
	if !ok {
		return
	}
	taskID, err := uuid.Parse(id)
	if err != nil {
		respondAPIError(c, ErrInvalidID)
		return
	}

	var req screenshotRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}

	ctx := c.Request.Context()
	task, err := h.tasks.FindByID(ctx, taskID)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}

	err = h.executions.TransitionStatus(ctx, task.ExecutionID, func(e *storagemodels.ExecutionModel) (string, error) {
		e.ScreenshotPaths = append(e.ScreenshotPaths, req.Path)
		return e.Status, nil
	})
	if err != nil {
		h.logger.Error("record screenshot failed", "error", err, "task_id", taskID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleDistribute handles POST /tasks/distribute — an unconditional
// nudge to the dispatcher, used by a worker after posting a result and
// by the operator CLI.
func (h *TaskHandlers) HandleDistribute(c *gin.Context) {
	bound, err := h.dispatcher.Dispatch(c.Request.Context(), dispatch.DefaultDispatchLimit)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispatched": bound})
}
