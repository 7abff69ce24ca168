package rest

import (
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
	"github.com/taskmesh/dispatch/internal/infrastructure/storage"
	"github.com/taskmesh/dispatch/internal/infrastructure/storage/models"
	"github.com/taskmesh/dispatch/testutil"
)

type adminHandlersFixture struct {
	router     *gin.Engine
	executions *storage.ExecutionRepository
	tasks      *storage.TaskRepository
	workers    *storage.WorkerRepository
}

func setupAdminHandlers(t *testing.T) *adminHandlersFixture {
	t.Helper()

	idb, _ := testutil.SetupTestTx(t)
	db, ok := idb.(*bun.DB)
	require.True(t, ok)

	executions := storage.NewExecutionRepository(db)
	tasks := storage.NewTaskRepository(db)
	workers := storage.NewWorkerRepository(db)

	log := logger.New(config.LoggingConfig{Level: "error", Format: "text"})
	handlers := NewAdminHandlers(tasks, workers, log)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/admin/tasks/requeue-stale", handlers.HandleRequeueStale)
	router.POST("/admin/workers/:id/enable", handlers.HandleEnableWorker)
	router.POST("/admin/workers/:id/disable", handlers.HandleDisableWorker)

	return &adminHandlersFixture{router: router, executions: executions, tasks: tasks, workers: workers}
}

func TestHandleRequeueStale(t *testing.T) {
	f := setupAdminHandlers(t)

	exec := &models.ExecutionModel{Kind: "script", Status: "running", Variables: models.JSONBMap{}}
	require.NoError(t, f.executions.Create(t.Context(), exec))

	worker := &models.WorkerModel{Name: "worker-1", State: "busy", MaxConcurrent: 1, CurrentTasks: 1}
	require.NoError(t, f.workers.Create(t.Context(), worker))

	staleTime := time.Now().Add(-2 * time.Hour)
	task := &models.TaskModel{
		ExecutionID: exec.ID,
		DisplayID:   "T-TEST-" + exec.ID.String()[:8],
		Status:      "running",
		WorkerID:    &worker.ID,
		AssignedAt:  &staleTime,
		Payload:     models.JSONBMap{},
	}
	require.NoError(t, f.tasks.Create(t.Context(), task))

	w := testutil.MakeRequest(t, f.router, http.MethodPost, "/admin/tasks/requeue-stale", map[string]interface{}{
		"older_than_seconds": 60,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data struct {
			Requeued []string `json:"requeued"`
			Count    int      `json:"count"`
		} `json:"data"`
	}
	testutil.ParseResponse(t, w, &resp)
	assert.Equal(t, 1, resp.Data.Count)
	assert.Equal(t, []string{task.ID.String()}, resp.Data.Requeued)

	found, err := f.tasks.FindByID(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", found.Status)
	assert.Nil(t, found.WorkerID)

	foundWorker, err := f.workers.FindByID(t.Context(), worker.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, foundWorker.CurrentTasks)
}

func TestHandleRequeueStale_NoneStale(t *testing.T) {
	f := setupAdminHandlers(t)

	w := testutil.MakeRequest(t, f.router, http.MethodPost, "/admin/tasks/requeue-stale", map[string]interface{}{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data struct {
			Count int `json:"count"`
		} `json:"data"`
	}
	testutil.ParseResponse(t, w, &resp)
	assert.Equal(t, 0, resp.Data.Count)
}

func TestHandleDisableEnableWorker(t *testing.T) {
	f := setupAdminHandlers(t)

	worker := &models.WorkerModel{Name: "worker-1", State: "online", MaxConcurrent: 1}
	require.NoError(t, f.workers.Create(t.Context(), worker))

	w := testutil.MakeRequest(t, f.router, http.MethodPost, "/admin/workers/"+worker.ID.String()+"/disable", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	found, err := f.workers.FindByID(t.Context(), worker.ID)
	require.NoError(t, err)
	assert.False(t, found.Enabled)

	w = testutil.MakeRequest(t, f.router, http.MethodPost, "/admin/workers/"+worker.ID.String()+"/enable", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	found, err = f.workers.FindByID(t.Context(), worker.ID)
	require.NoError(t, err)
	assert.True(t, found.Enabled)
}

func TestHandleDisableWorker_InvalidID(t *testing.T) {
	f := setupAdminHandlers(t)

	w := testutil.MakeRequest(t, f.router, http.MethodPost, "/admin/workers/not-a-uuid/disable", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
