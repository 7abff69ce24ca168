package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taskmesh/dispatch/internal/application/dispatch"
	"github.com/taskmesh/dispatch/internal/application/observer"
	"github.com/taskmesh/dispatch/internal/domain/repository"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
	storagemodels "github.com/taskmesh/dispatch/internal/infrastructure/storage/models"
	"github.com/taskmesh/dispatch/pkg/models"
)

// ExecutionHandlers provides HTTP handlers for execution-related endpoints.
type ExecutionHandlers struct {
	executions repository.ExecutionRepository
	tasks      repository.TaskRepository
	dispatcher *dispatch.Dispatcher
	stopper    *dispatch.StopController
	logger     *logger.Logger
	observers  *observer.ObserverManager
}

// NewExecutionHandlers creates a new ExecutionHandlers instance.
func NewExecutionHandlers(
	executions repository.ExecutionRepository,
	tasks repository.TaskRepository,
	dispatcher *dispatch.Dispatcher,
	stopper *dispatch.StopController,
	log *logger.Logger,
) *ExecutionHandlers {
	return &ExecutionHandlers{
		executions: executions,
		tasks:      tasks,
		dispatcher: dispatcher,
		stopper:    stopper,
		logger:     log,
	}
}

// SetObservers attaches a lifecycle-event sink; nil (the default)
// means no dashboard/callback push happens, and every handler method
// stays a no-op with respect to observers when this is never called.
func (h *ExecutionHandlers) SetObservers(m *observer.ObserverManager) {
	h.observers = m
}

// scriptInput is the caller-supplied script body used to build a task's
// payload. Scripts themselves are owned by the CRUD surface this core
// does not implement; a create-execution call carries the script content
// it needs inline rather than dereferencing a script id server-side.
type scriptInput struct {
	ID          string            `json:"id"`
	Name        string            `json:"name" validate:"required"`
	Description string            `json:"description"`
	Type        string            `json:"type"`
	Framework   string            `json:"framework"`
	ProjectID   string            `json:"project_id"`
	Timeout     int               `json:"timeout"`
	Variables   map[string]string `json:"variables"`
	Steps       []models.StepSpec `json:"steps" validate:"required,min=1"`
}

type createExecutionRequest struct {
	PlanID        string            `json:"plan_id"`
	ScriptID      string            `json:"script_id"`
	ExecutorID    string            `json:"executor_id"`
	ExecutionMode string            `json:"execution_mode"`
	Priority      int               `json:"priority"`
	Variables     map[string]string `json:"variables"`
	PlanName      string            `json:"plan_name"`
	Script        *scriptInput      `json:"script"`
	Scripts       []scriptInput     `json:"scripts"`
}

// HandleCreateExecution handles POST /executions. It creates an
// execution (a plan aggregate plus one script child per entry, or a
// single standalone script execution) and immediately nudges the
// dispatcher so the first eligible task is bound without waiting for
// the periodic tick.
func (h *ExecutionHandlers) HandleCreateExecution(c *gin.Context) {
	var req createExecutionRequest
	if err := bindJSON(c, &req); err != nil {
		return
	}

	if len(req.Scripts) == 0 && req.Script == nil {
		respondAPIErrorWithRequestID(c, NewAPIError("SCRIPT_REQUIRED", "script or scripts must be provided", http.StatusBadRequest))
		return
	}

	ctx := c.Request.Context()

	if len(req.Scripts) > 0 {
		id, children, err := h.createPlan(ctx, req)
		if err != nil {
			h.logger.Error("failed to create plan execution", "error", err, "request_id", GetRequestID(c))
			respondAPIErrorWithRequestID(c, TranslateError(err))
			return
		}
		h.nudgeDispatch(ctx)
		respondJSON(c, http.StatusCreated, gin.H{"id": id, "children": children})
		return
	}

	id, err := h.createScript(ctx, req, nil)
	if err != nil {
		h.logger.Error("failed to create script execution", "error", err, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	h.nudgeDispatch(ctx)
	respondJSON(c, http.StatusCreated, gin.H{"id": id})
}

func (h *ExecutionHandlers) nudgeDispatch(ctx context.Context) {
	if _, err := h.dispatcher.Dispatch(ctx, dispatch.DefaultDispatchLimit); err != nil && h.logger != nil {
		h.logger.Warn("post-create dispatch nudge failed", "error", err)
	}
}

func (h *ExecutionHandlers) createPlan(ctx context.Context, req createExecutionRequest) (string, []string, error) {
	mode := req.ExecutionMode
	if mode == "" {
		mode = "parallel"
	}

	plan := &storagemodels.ExecutionModel{
		Kind:       "plan",
		Status:     "pending",
		Priority:   req.Priority,
		Sequential: mode == "sequential",
		Variables:  storagemodels.JSONBMap{},
	}
	if req.PlanID != "" {
		if id, err := uuid.Parse(req.PlanID); err == nil {
			plan.PlanID = &id
		}
	}
	for k, v := range req.Variables {
		plan.Variables[k] = v
	}
	if err := h.executions.Create(ctx, plan); err != nil {
		return "", nil, err
	}

	planScripts := make([]models.PlanScriptRef, len(req.Scripts))
	for i, s := range req.Scripts {
		planScripts[i] = models.PlanScriptRef{ID: s.ID, Name: s.Name, Type: s.Type, Framework: s.Framework, StepCount: len(s.Steps)}
	}

	childIDs := make([]string, 0, len(req.Scripts))
	for i, s := range req.Scripts {
		script := s
		childReq := createExecutionRequest{
			ScriptID:      s.ID,
			ExecutionMode: mode,
			Priority:      req.Priority,
			Variables:     mergeVariables(req.Variables, s.Variables),
			PlanName:      req.PlanName,
			Script:        &script,
		}
		id, err := h.createScript(ctx, childReq, &planContext{
			parent:      plan,
			planName:    req.PlanName,
			planScripts: planScripts,
			index:       i,
			total:       len(req.Scripts),
		})
		if err != nil {
			return "", nil, err
		}
		childIDs = append(childIDs, id)
	}
	return plan.ID.String(), childIDs, nil
}

// planContext carries the plan-membership metadata a child script needs
// when createScript is invoked for a plan fan-out rather than a
// standalone script.
type planContext struct {
	parent      *storagemodels.ExecutionModel
	planName    string
	planScripts []models.PlanScriptRef
	index       int
	total       int
}

func (h *ExecutionHandlers) createScript(ctx context.Context, req createExecutionRequest, plan *planContext) (string, error) {
	exec := &storagemodels.ExecutionModel{
		Kind:      "script",
		Status:    "pending",
		Priority:  req.Priority,
		Variables: storagemodels.JSONBMap{},
	}
	if req.ScriptID != "" {
		if id, err := uuid.Parse(req.ScriptID); err == nil {
			exec.ScriptID = &id
		}
	}
	for k, v := range req.Variables {
		exec.Variables[k] = v
	}
	if plan != nil {
		exec.ParentID = &plan.parent.ID
		exec.Sequential = plan.parent.Sequential
	}

	if err := h.executions.Create(ctx, exec); err != nil {
		return "", err
	}

	if err := h.createTask(ctx, exec, req, plan); err != nil {
		return "", err
	}
	return exec.ID.String(), nil
}

func (h *ExecutionHandlers) createTask(ctx context.Context, exec *storagemodels.ExecutionModel, req createExecutionRequest, plan *planContext) error {
	s := req.Script
	payload := models.TaskPayload{
		ExecutionID: exec.ID.String(),
		Variables:   req.Variables,
		ScriptData: models.ScriptData{
			ScriptID:    s.ID,
			Name:        s.Name,
			Description: s.Description,
			Type:        s.Type,
			Framework:   s.Framework,
			Steps:       s.Steps,
			Variables:   s.Variables,
			Timeout:     s.Timeout,
			ProjectID:   s.ProjectID,
		},
	}
	if plan != nil {
		if plan.parent.PlanID != nil {
			payload.ScriptData.PlanID = plan.parent.PlanID.String()
		}
		payload.ScriptData.PlanName = plan.planName
		payload.ScriptData.ParentExecutionID = plan.parent.ID.String()
		payload.ScriptData.ExecutionMode = req.ExecutionMode
		payload.ScriptData.PlanScripts = plan.planScripts
		payload.ScriptData.ScriptIndex = plan.index
		payload.ScriptData.TotalScripts = plan.total
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var payloadMap storagemodels.JSONBMap
	if err := json.Unmarshal(raw, &payloadMap); err != nil {
		return err
	}

	task := &storagemodels.TaskModel{
		ExecutionID: exec.ID,
		Priority:    req.Priority,
		Status:      "pending",
		Payload:     payloadMap,
	}
	displayID, err := h.tasks.NextDisplayID(ctx, time.Now().UTC().Format("20060102"))
	if err == nil {
		task.DisplayID = displayID
	}
	return h.tasks.Create(ctx, task)
}

func mergeVariables(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// HandleGetExecution handles GET /executions/{id}.
func (h *ExecutionHandlers) HandleGetExecution(c *gin.Context) {
	id, ok := getParam(c, "id")
	if !ok {
		return
	}
	execUUID, err := uuid.Parse(id)
	if err != nil {
		respondAPIError(c, ErrInvalidID)
		return
	}

	exec, err := h.executions.FindByIDWithRelations(c.Request.Context(), execUUID)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	respondJSON(c, http.StatusOK, storagemodels.ExecutionToDomain(exec))
}

// HandleListExecutions handles GET /executions.
func (h *ExecutionHandlers) HandleListExecutions(c *gin.Context) {
	limit := getQueryInt(c, "limit", 50)
	offset := getQueryInt(c, "offset", 0)
	status := c.Query("status")

	var execModels []*storagemodels.ExecutionModel
	var err error
	if status != "" {
		execModels, err = h.executions.FindByStatus(c.Request.Context(), status, limit, offset)
	} else {
		execModels, err = h.executions.FindAll(c.Request.Context(), limit, offset)
	}
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}

	executions := make([]*models.Execution, len(execModels))
	for i, em := range execModels {
		executions[i] = storagemodels.ExecutionToDomain(em)
	}
	respondList(c, http.StatusOK, executions, len(executions), limit, offset)
}

// HandleStopExecution handles POST /executions/{id}/stop — the entry
// point to the Stop Controller (§4.6).
func (h *ExecutionHandlers) HandleStopExecution(c *gin.Context) {
	id, ok := getParam(c, "id")
	if !ok {
		return
	}
	execUUID, err := uuid.Parse(id)
	if err != nil {
		respondAPIError(c, ErrInvalidID)
		return
	}

	if err := h.stopper.Stop(c.Request.Context(), execUUID); err != nil {
		h.logger.Error("stop failed", "error", err, "execution_id", execUUID, "request_id", GetRequestID(c))
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}
	if h.observers != nil {
		h.observers.Notify(c.Request.Context(), observer.Event{
			Type:        observer.EventTypeExecutionCancelled,
			ExecutionID: execUUID.String(),
			Status:      "stopped",
			Timestamp:   time.Now().UTC(),
		})
	}
	c.Status(http.StatusNoContent)
}

// HandleStatusCheck handles GET /executions/{id}/status_check —
// unauthenticated by design (the worker-side polling path must not need
// credentials it doesn't have).
func (h *ExecutionHandlers) HandleStatusCheck(c *gin.Context) {
	id, ok := getParam(c, "id")
	if !ok {
		return
	}
	execUUID, err := uuid.Parse(id)
	if err != nil {
		respondAPIError(c, ErrInvalidID)
		return
	}

	exec, err := h.executions.FindByID(c.Request.Context(), execUUID)
	if err != nil {
		respondAPIErrorWithRequestID(c, TranslateError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   exec.Status,
		"is_valid": !exec.IsStopped(),
	})
}
