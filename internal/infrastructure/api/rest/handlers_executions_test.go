package rest

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/taskmesh/dispatch/internal/application/dispatch"
	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/infrastructure/broker"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
	"github.com/taskmesh/dispatch/internal/infrastructure/storage"
	"github.com/taskmesh/dispatch/pkg/models"
	"github.com/taskmesh/dispatch/testutil"
)

// fakeBroker is an in-memory stand-in for broker.Broker, sufficient to
// drive the dispatcher's publish path without Redis.
type fakeBroker struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{published: make(map[string][][]byte)}
}

func (f *fakeBroker) Publish(ctx context.Context, workerUUID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[workerUUID] = append(f.published[workerUUID], payload)
	return nil
}

func (f *fakeBroker) Consume(ctx context.Context, workerUUID string) (<-chan broker.Delivery, error) {
	ch := make(chan broker.Delivery)
	close(ch)
	return ch, nil
}

func (f *fakeBroker) Ack(ctx context.Context, d broker.Delivery) error { return nil }

func (f *fakeBroker) Nack(ctx context.Context, d broker.Delivery, requeue bool) error { return nil }

func (f *fakeBroker) Close() error { return nil }

func setupExecutionHandlers(t *testing.T) (*ExecutionHandlers, *gin.Engine) {
	t.Helper()

	idb, _ := testutil.SetupTestTx(t)
	db, ok := idb.(*bun.DB)
	require.True(t, ok, "SetupTestTx must hand back a *bun.DB")

	executions := storage.NewExecutionRepository(db)
	tasks := storage.NewTaskRepository(db)
	workers := storage.NewWorkerRepository(db)

	log := logger.New(config.LoggingConfig{Level: "error", Format: "text"})
	d := dispatch.New(executions, tasks, workers, newFakeBroker(), log)
	stopper := dispatch.NewStopController(executions, tasks, workers, log)

	handlers := NewExecutionHandlers(executions, tasks, d, stopper, log)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/executions", handlers.HandleCreateExecution)
	router.GET("/executions", handlers.HandleListExecutions)
	router.GET("/executions/:id", handlers.HandleGetExecution)
	router.GET("/executions/:id/status_check", handlers.HandleStatusCheck)
	router.POST("/executions/:id/stop", handlers.HandleStopExecution)

	return handlers, router
}

func oneStepScript(name string) map[string]interface{} {
	return map[string]interface{}{
		"name": name,
		"type": "ui",
		"steps": []map[string]interface{}{
			{"type": "click", "selector": "#go"},
		},
	}
}

func TestHandleCreateExecution_SingleScript(t *testing.T) {
	_, router := setupExecutionHandlers(t)

	body := map[string]interface{}{
		"priority": 1,
		"variables": map[string]string{
			"env": "staging",
		},
		"script": oneStepScript("login"),
	}

	w := testutil.MakeRequest(t, router, http.MethodPost, "/executions", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Data map[string]interface{} `json:"data"`
	}
	testutil.ParseResponse(t, w, &resp)
	assert.NotEmpty(t, resp.Data["id"])
}

func TestHandleCreateExecution_Plan(t *testing.T) {
	_, router := setupExecutionHandlers(t)

	body := map[string]interface{}{
		"plan_name":      "smoke suite",
		"execution_mode": "sequential",
		"scripts": []map[string]interface{}{
			oneStepScript("step one"),
			oneStepScript("step two"),
		},
	}

	w := testutil.MakeRequest(t, router, http.MethodPost, "/executions", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Data map[string]interface{} `json:"data"`
	}
	testutil.ParseResponse(t, w, &resp)
	assert.NotEmpty(t, resp.Data["id"])
	children, ok := resp.Data["children"].([]interface{})
	require.True(t, ok)
	assert.Len(t, children, 2)
}

func TestHandleCreateExecution_MissingScript(t *testing.T) {
	_, router := setupExecutionHandlers(t)

	w := testutil.MakeRequest(t, router, http.MethodPost, "/executions", map[string]interface{}{"priority": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetExecution(t *testing.T) {
	_, router := setupExecutionHandlers(t)

	created := testutil.MakeRequest(t, router, http.MethodPost, "/executions", map[string]interface{}{
		"script": oneStepScript("login"),
	})
	require.Equal(t, http.StatusCreated, created.Code)
	var createResp struct {
		Data map[string]interface{} `json:"data"`
	}
	testutil.ParseResponse(t, created, &createResp)
	id := createResp.Data["id"].(string)

	w := testutil.MakeRequest(t, router, http.MethodGet, "/executions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data models.Execution `json:"data"`
	}
	testutil.ParseResponse(t, w, &resp)
	assert.Equal(t, id, resp.Data.ID)
	assert.Equal(t, models.ExecutionKindScript, resp.Data.Kind)
}

func TestHandleGetExecution_InvalidID(t *testing.T) {
	_, router := setupExecutionHandlers(t)

	w := testutil.MakeRequest(t, router, http.MethodGet, "/executions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetExecution_NotFound(t *testing.T) {
	_, router := setupExecutionHandlers(t)

	w := testutil.MakeRequest(t, router, http.MethodGet, "/executions/00000000-0000-0000-0000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleListExecutions(t *testing.T) {
	_, router := setupExecutionHandlers(t)

	for i := 0; i < 3; i++ {
		w := testutil.MakeRequest(t, router, http.MethodPost, "/executions", map[string]interface{}{
			"script": oneStepScript("login"),
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := testutil.MakeRequest(t, router, http.MethodGet, "/executions?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var listResp struct {
		Data []models.Execution `json:"data"`
		Meta MetaInfo           `json:"meta"`
	}
	testutil.ParseResponse(t, w, &listResp)
	assert.Len(t, listResp.Data, 3)
	assert.Equal(t, 3, listResp.Meta.Total)
}

func TestHandleListExecutions_FilterByStatus(t *testing.T) {
	_, router := setupExecutionHandlers(t)

	w := testutil.MakeRequest(t, router, http.MethodPost, "/executions", map[string]interface{}{
		"script": oneStepScript("login"),
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = testutil.MakeRequest(t, router, http.MethodGet, "/executions?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var listResp struct {
		Data []models.Execution `json:"data"`
	}
	testutil.ParseResponse(t, w, &listResp)
	assert.Empty(t, listResp.Data)
}

func TestHandleStopExecution(t *testing.T) {
	_, router := setupExecutionHandlers(t)

	created := testutil.MakeRequest(t, router, http.MethodPost, "/executions", map[string]interface{}{
		"script": oneStepScript("login"),
	})
	require.Equal(t, http.StatusCreated, created.Code)
	var createResp struct {
		Data map[string]interface{} `json:"data"`
	}
	testutil.ParseResponse(t, created, &createResp)
	id := createResp.Data["id"].(string)

	w := testutil.MakeRequest(t, router, http.MethodPost, "/executions/"+id+"/stop", nil)
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	check := testutil.MakeRequest(t, router, http.MethodGet, "/executions/"+id+"/status_check", nil)
	require.Equal(t, http.StatusOK, check.Code)

	var status map[string]interface{}
	testutil.ParseResponse(t, check, &status)
	assert.Equal(t, "stopped", status["status"])
	assert.Equal(t, false, status["is_valid"])
}

func TestHandleStatusCheck_NotFound(t *testing.T) {
	_, router := setupExecutionHandlers(t)

	w := testutil.MakeRequest(t, router, http.MethodGet, "/executions/00000000-0000-0000-0000-000000000000/status_check", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
