package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taskmesh/dispatch/internal/domain/repository"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
)

// AdminHandlers provides operator tooling for stuck tasks and worker
// enable/disable — the Go analogue of the original platform's ad-hoc
// cleanup_tasks.py / reset_tasks.py scripts, surfaced here as proper
// endpoints instead of one-off database scripts.
type AdminHandlers struct {
	tasks   repository.TaskRepository
	workers repository.WorkerRepository
	logger  *logger.Logger
}

// NewAdminHandlers creates a new AdminHandlers instance.
func NewAdminHandlers(tasks repository.TaskRepository, workers repository.WorkerRepository, log *logger.Logger) *AdminHandlers {
	return &AdminHandlers{tasks: tasks, workers: workers, logger: log}
}

type requeueStaleRequest struct {
	OlderThanSeconds int `json:"older_than_seconds"`
}

// HandleRequeueStale handles POST /admin/tasks/requeue-stale. It finds
// assigned/running tasks whose worker never posted a result within the
// window and puts them back to pending, releasing the worker's load
// counter it otherwise never gets decremented.
func (h *AdminHandlers) HandleRequeueStale(c *gin.Context) {
	var req requeueStaleRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}
	olderThan := time.Hour
	if req.OlderThanSeconds > 0 {
		olderThan = time.Duration(req.OlderThanSeconds) * time.Second
	}

	ctx := c.Request.Context()
	stale, err := h.tasks.FindStale(ctx, olderThan)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}

	requeued := make([]string, 0, len(stale))
	for _, t := range stale {
		workerID := t.WorkerID
		if err := h.tasks.Requeue(ctx, t.ID); err != nil {
			h.logger.Error("requeue stale task failed", "error", err, "task_id", t.ID)
			continue
		}
		if workerID != nil {
			if err := h.workers.AdjustCurrentTasks(ctx, *workerID, -1); err != nil && h.logger != nil {
				h.logger.Warn("failed to release worker load counter on requeue", "worker_id", *workerID, "error", err)
			}
		}
		requeued = append(requeued, t.ID.String())
	}

	respondJSON(c, http.StatusOK, gin.H{"requeued": requeued, "count": len(requeued)})
}

// HandleDisableWorker handles POST /admin/workers/{id}/disable — stops
// the dispatcher from considering the worker for new bindings without
// touching tasks it is already running.
func (h *AdminHandlers) HandleDisableWorker(c *gin.Context) {
	h.setWorkerEnabled(c, false)
}

// HandleEnableWorker handles POST /admin/workers/{id}/enable.
func (h *AdminHandlers) HandleEnableWorker(c *gin.Context) {
	h.setWorkerEnabled(c, true)
}

func (h *AdminHandlers) setWorkerEnabled(c *gin.Context, enabled bool) {
	id, ok := getParam(c, "id")
	if !ok {
		return
	}
	workerID, err := uuid.Parse(id)
	if err != nil {
		respondAPIError(c, ErrInvalidID)
		return
	}

	if err := h.workers.SetEnabled(c.Request.Context(), workerID, enabled); err != nil {
		h.logger.Error("set worker enabled failed", "error", err, "worker_id", workerID, "enabled", enabled, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	c.Status(http.StatusNoContent)
}
