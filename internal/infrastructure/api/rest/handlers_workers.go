package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taskmesh/dispatch/internal/application/observer"
	"github.com/taskmesh/dispatch/internal/domain/repository"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
	storagemodels "github.com/taskmesh/dispatch/internal/infrastructure/storage/models"
)

// WorkerHandlers provides HTTP handlers for worker registration and
// heartbeat endpoints (C4).
type WorkerHandlers struct {
	workers   repository.WorkerRepository
	tasks     repository.TaskRepository
	logger    *logger.Logger
	observers *observer.ObserverManager
}

// NewWorkerHandlers creates a new WorkerHandlers instance.
func NewWorkerHandlers(workers repository.WorkerRepository, tasks repository.TaskRepository, log *logger.Logger) *WorkerHandlers {
	return &WorkerHandlers{workers: workers, tasks: tasks, logger: log}
}

// SetObservers attaches a lifecycle-event sink; nil (the default)
// means registration never pushes a worker.registered event anywhere.
func (h *WorkerHandlers) SetObservers(m *observer.ObserverManager) {
	h.observers = m
}

type registerWorkerRequest struct {
	UUID          string            `json:"uuid" validate:"required,uuid"`
	Name          string            `json:"name" validate:"required"`
	Platform      string            `json:"platform"`
	BrowserTypes  []string          `json:"browser_types"`
	ProjectScopes []string          `json:"project_scopes"`
	GlobalScope   bool              `json:"global_scope"`
	MaxConcurrent int               `json:"max_concurrent"`
	Labels        map[string]string `json:"labels"`
}

// HandleRegister handles POST /executor/register. A worker that
// re-registers under the same uuid — its stable, self-generated
// credential that survives restarts — reactivates its existing row
// rather than creating a duplicate (the store's ON CONFLICT (uuid)
// upsert, §4.4).
func (h *WorkerHandlers) HandleRegister(c *gin.Context) {
	var req registerWorkerRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}

	workerUUID, err := uuid.Parse(req.UUID)
	if err != nil {
		respondAPIError(c, ErrInvalidID)
		return
	}

	worker := &storagemodels.WorkerModel{
		UUID:          workerUUID,
		Name:          req.Name,
		Platform:      req.Platform,
		BrowserTypes:  storagemodels.StringArray(req.BrowserTypes),
		ProjectScopes: storagemodels.StringArray(req.ProjectScopes),
		GlobalScope:   req.GlobalScope || len(req.ProjectScopes) == 0,
		Enabled:       true,
		State:         "online",
		MaxConcurrent: req.MaxConcurrent,
		Labels:        storagemodels.JSONBMap{},
	}
	for k, v := range req.Labels {
		worker.Labels[k] = v
	}
	if worker.MaxConcurrent == 0 {
		worker.MaxConcurrent = 3
	}

	if err := h.workers.Create(c.Request.Context(), worker); err != nil {
		h.logger.Error("worker registration failed", "error", err, "uuid", req.UUID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}

	registered, err := h.workers.FindByUUID(c.Request.Context(), workerUUID)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	if h.observers != nil {
		h.observers.Notify(c.Request.Context(), observer.Event{
			Type:      observer.EventTypeWorkerRegistered,
			WorkerID:  registered.ID.String(),
			Status:    registered.State,
			Timestamp: time.Now().UTC(),
		})
	}
	respondJSON(c, http.StatusCreated, gin.H{"id": registered.ID.String(), "uuid": registered.UUID.String(), "max_concurrent": registered.MaxConcurrent})
}

type heartbeatRequest struct {
	WorkerID     string   `json:"worker_id" validate:"required"`
	State        string   `json:"state" validate:"required,oneof=idle online offline busy error"`
	CurrentTasks int      `json:"current_tasks"`
	CPUUsage     *float64 `json:"cpu_usage"`
	MemoryUsage  *float64 `json:"memory_usage"`
	DiskUsage    *float64 `json:"disk_usage"`
	Message      string   `json:"message"`
}

// HandleHeartbeat handles POST /executor/heartbeat. worker_id carries
// the worker's stable uuid credential (the same value it registered
// and routes its broker queue under), not the server's primary key, so
// it is resolved via FindByUUID before any internal lookup. The
// self-reported current_tasks value only ever moves the stored counter
// up (§4.4); a worker reporting a lower count than the dispatcher has
// already bound does not undercut the control plane's own bookkeeping.
func (h *WorkerHandlers) HandleHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}

	workerUUID, err := uuid.Parse(req.WorkerID)
	if err != nil {
		respondAPIError(c, ErrInvalidID)
		return
	}

	ctx := c.Request.Context()
	worker, err := h.workers.FindByUUID(ctx, workerUUID)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	workerID := worker.ID

	if err := h.workers.Heartbeat(ctx, workerID, req.State, req.CurrentTasks); err != nil {
		h.logger.Error("heartbeat failed", "error", err, "worker_id", workerID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}

	entry := &storagemodels.WorkerStatusLogModel{
		WorkerID:     workerID,
		State:        req.State,
		CurrentTasks: req.CurrentTasks,
		CPUUsage:     req.CPUUsage,
		MemoryUsage:  req.MemoryUsage,
		DiskUsage:    req.DiskUsage,
		Message:      req.Message,
	}
	if err := h.workers.RecordStatusLog(ctx, entry); err != nil && h.logger != nil {
		h.logger.Warn("failed to record worker status log", "worker_id", workerID, "error", err)
	}

	pending, err := h.tasks.FindByWorker(ctx, workerID, []string{"assigned", "running"})
	pendingCount := 0
	if err == nil {
		pendingCount = len(pending)
	}

	c.JSON(http.StatusOK, gin.H{
		"server_time":   time.Now().UTC().Format(time.RFC3339),
		"pending_tasks": pendingCount,
	})
}
