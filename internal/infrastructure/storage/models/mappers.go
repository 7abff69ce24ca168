package models

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/taskmesh/dispatch/pkg/models"
)

// ExecutionToDomain converts a storage execution model to the domain type.
func ExecutionToDomain(em *ExecutionModel) *models.Execution {
	e := &models.Execution{
		ID:              em.ID.String(),
		Kind:            models.ExecutionKind(em.Kind),
		Status:          models.ExecutionStatus(em.Status),
		Priority:        em.Priority,
		Sequential:      em.Sequential,
		Error:           em.Error,
		ScreenshotPaths: []string(em.ScreenshotPaths),
		TriggeredBy:     em.TriggeredBy,
		CreatedAt:       em.CreatedAt,
		StartedAt:       em.StartedAt,
		CompletedAt:     em.CompletedAt,
		StopRequested:   em.StopRequested,
	}

	if em.PlanID != nil {
		e.PlanID = em.PlanID.String()
	}
	if em.ScriptID != nil {
		e.ScriptID = em.ScriptID.String()
	}
	if em.ParentID != nil {
		e.ParentID = em.ParentID.String()
	}
	if em.Variables != nil {
		e.Variables = jsonbToStringMap(em.Variables)
	}
	if em.Output != nil {
		e.Output = map[string]interface{}(em.Output)
	}

	return e
}

// ExecutionFromDomain converts a domain execution to a storage model,
// preserving the existing ID when non-empty.
func ExecutionFromDomain(e *models.Execution) *ExecutionModel {
	em := &ExecutionModel{
		Kind:          string(e.Kind),
		Status:        string(e.Status),
		Priority:      e.Priority,
		Sequential:    e.Sequential,
		Error:         e.Error,
		TriggeredBy:   e.TriggeredBy,
		CreatedAt:     e.CreatedAt,
		StartedAt:     e.StartedAt,
		CompletedAt:   e.CompletedAt,
		StopRequested: e.StopRequested,
	}

	if e.ID != "" {
		if id, err := uuid.Parse(e.ID); err == nil {
			em.ID = id
		}
	}
	if e.PlanID != "" {
		if id, err := uuid.Parse(e.PlanID); err == nil {
			em.PlanID = &id
		}
	}
	if e.ScriptID != "" {
		if id, err := uuid.Parse(e.ScriptID); err == nil {
			em.ScriptID = &id
		}
	}
	if e.ParentID != "" {
		if id, err := uuid.Parse(e.ParentID); err == nil {
			em.ParentID = &id
		}
	}
	if e.Variables != nil {
		em.Variables = stringMapToJSONB(e.Variables)
	}
	if e.Output != nil {
		em.Output = JSONBMap(e.Output)
	}
	if e.ScreenshotPaths != nil {
		em.ScreenshotPaths = StringArray(e.ScreenshotPaths)
	}

	return em
}

// TaskToDomain converts a storage task model to the domain type.
func TaskToDomain(tm *TaskModel) *models.Task {
	t := &models.Task{
		ID:          tm.ID.String(),
		ExecutionID: tm.ExecutionID.String(),
		DisplayID:   tm.DisplayID,
		Status:      models.TaskStatus(tm.Status),
		Priority:    tm.Priority,
		Error:       tm.Error,
		RetryCount:  tm.RetryCount,
		MaxRetries:  tm.MaxRetries,
		CreatedAt:   tm.CreatedAt,
		AssignedAt:  tm.AssignedAt,
		StartedAt:   tm.StartedAt,
		CompletedAt: tm.CompletedAt,
	}

	if tm.WorkerID != nil {
		t.WorkerID = tm.WorkerID.String()
	}
	if tm.Result != nil {
		t.Result = map[string]interface{}(tm.Result)
	}
	if len(tm.Payload) > 0 {
		if raw, err := json.Marshal(map[string]interface{}(tm.Payload)); err == nil {
			_ = json.Unmarshal(raw, &t.Payload)
		}
	}

	return t
}

// TaskFromDomain converts a domain task to a storage model.
func TaskFromDomain(t *models.Task) *TaskModel {
	tm := &TaskModel{
		DisplayID:  t.DisplayID,
		Status:     string(t.Status),
		Priority:   t.Priority,
		Error:      t.Error,
		RetryCount: t.RetryCount,
		MaxRetries: t.MaxRetries,
		CreatedAt:  t.CreatedAt,
		AssignedAt: t.AssignedAt,
		StartedAt:  t.StartedAt,
		CompletedAt: t.CompletedAt,
	}

	if t.ID != "" {
		if id, err := uuid.Parse(t.ID); err == nil {
			tm.ID = id
		}
	}
	if t.ExecutionID != "" {
		if id, err := uuid.Parse(t.ExecutionID); err == nil {
			tm.ExecutionID = id
		}
	}
	if t.WorkerID != "" {
		if id, err := uuid.Parse(t.WorkerID); err == nil {
			tm.WorkerID = &id
		}
	}
	if t.Result != nil {
		tm.Result = JSONBMap(t.Result)
	}
	if raw, err := json.Marshal(t.Payload); err == nil {
		payload := make(JSONBMap)
		if err := json.Unmarshal(raw, &payload); err == nil {
			tm.Payload = payload
		}
	}

	return tm
}

// WorkerToDomain converts a storage worker model to the domain type.
func WorkerToDomain(wm *WorkerModel) *models.Worker {
	w := &models.Worker{
		ID:            wm.ID.String(),
		Name:          wm.Name,
		Platform:      wm.Platform,
		BrowserTypes:  []string(wm.BrowserTypes),
		ProjectScopes: []string(wm.ProjectScopes),
		GlobalScope:   wm.GlobalScope,
		Enabled:       wm.Enabled,
		State:         models.WorkerState(wm.State),
		MaxConcurrent: wm.MaxConcurrent,
		CurrentTasks:  wm.CurrentTasks,
		LastHeartbeat: wm.LastHeartbeat,
		RegisteredAt:  wm.RegisteredAt,
	}
	if wm.Labels != nil {
		w.Labels = jsonbToStringMap(wm.Labels)
	}
	return w
}

// WorkerFromDomain converts a domain worker to a storage model.
func WorkerFromDomain(w *models.Worker) *WorkerModel {
	wm := &WorkerModel{
		Name:          w.Name,
		Platform:      w.Platform,
		BrowserTypes:  StringArray(w.BrowserTypes),
		ProjectScopes: StringArray(w.ProjectScopes),
		GlobalScope:   w.GlobalScope,
		Enabled:       w.Enabled,
		State:         string(w.State),
		MaxConcurrent: w.MaxConcurrent,
		CurrentTasks:  w.CurrentTasks,
		LastHeartbeat: w.LastHeartbeat,
		RegisteredAt:  w.RegisteredAt,
	}
	if w.ID != "" {
		if id, err := uuid.Parse(w.ID); err == nil {
			wm.ID = id
		}
	}
	if w.Labels != nil {
		wm.Labels = stringMapToJSONB(w.Labels)
	}
	return wm
}

func jsonbToStringMap(m JSONBMap) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func stringMapToJSONB(m map[string]string) JSONBMap {
	out := make(JSONBMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
