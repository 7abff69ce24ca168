package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskmesh/dispatch/pkg/models"
)

func TestRunningTasks_InsertMarkRunningRemove(t *testing.T) {
	r := NewRunningTasks()
	assert.Equal(t, 0, r.Len())

	r.Insert("t-1", models.TaskPayload{TaskID: "t-1"})
	assert.Equal(t, 1, r.Len())

	r.MarkRunning("t-1")
	assert.Equal(t, 1, r.Len())

	r.Remove("t-1")
	assert.Equal(t, 0, r.Len())
}

func TestRunningTasks_HasParent(t *testing.T) {
	r := NewRunningTasks()
	r.Insert("t-1", models.TaskPayload{
		TaskID:     "t-1",
		ScriptData: models.ScriptData{ParentExecutionID: "plan-1"},
	})

	assert.True(t, r.HasParent("plan-1"))
	assert.False(t, r.HasParent("plan-2"))
}

func TestRunningTasks_DistinctParents(t *testing.T) {
	r := NewRunningTasks()
	r.Insert("t-1", models.TaskPayload{TaskID: "t-1", ScriptData: models.ScriptData{ParentExecutionID: "plan-1"}})
	r.Insert("t-2", models.TaskPayload{TaskID: "t-2", ScriptData: models.ScriptData{ParentExecutionID: "plan-1"}})
	r.Insert("t-3", models.TaskPayload{TaskID: "t-3", ScriptData: models.ScriptData{ParentExecutionID: "plan-2"}})
	r.Insert("t-4", models.TaskPayload{TaskID: "t-4"}) // standalone, no parent

	parents := r.DistinctParents()
	assert.Len(t, parents, 2)
	_, hasPlan1 := parents["plan-1"]
	_, hasPlan2 := parents["plan-2"]
	assert.True(t, hasPlan1)
	assert.True(t, hasPlan2)
}

func TestRunningTasks_RemoveUnknownTaskIsNoOp(t *testing.T) {
	r := NewRunningTasks()
	r.Insert("t-1", models.TaskPayload{TaskID: "t-1"})
	r.Remove("never-inserted")
	assert.Equal(t, 1, r.Len())
}
