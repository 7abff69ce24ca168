package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/taskmesh/dispatch/internal/infrastructure/broker"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
	"github.com/taskmesh/dispatch/pkg/models"
)

// defaultStepTimeout bounds a single step when the task payload doesn't
// specify one.
const defaultStepTimeout = 30 * time.Second

// Runner is C9: executes one admitted task's steps on its own goroutine,
// reports the outcome, and drains that parent's sequential wait-FIFO
// (C10) once it's done.
type Runner struct {
	broker  broker.Broker
	control ControlPlaneClient
	running *RunningTasks
	seq     *SequentialQueue
	stopped *StoppedCache
	plans   *PlanHistory
	steps   StepExecutor
	log     *logger.Logger
}

// NewRunner builds C9.
func NewRunner(b broker.Broker, control ControlPlaneClient, running *RunningTasks, seq *SequentialQueue, stopped *StoppedCache, plans *PlanHistory, steps StepExecutor, log *logger.Logger) *Runner {
	return &Runner{
		broker:  b,
		control: control,
		running: running,
		seq:     seq,
		stopped: stopped,
		plans:   plans,
		steps:   steps,
		log:     log,
	}
}

// Handle satisfies RunFunc: it runs payload to completion on its own
// goroutine, acking d only once the outcome has been reported — a
// delivery is never acked early, so a crash mid-task leaves the message
// for redelivery.
func (r *Runner) Handle(ctx context.Context, d broker.Delivery, payload models.TaskPayload) {
	go func() {
		r.execute(ctx, payload)
		if err := r.broker.Ack(ctx, d); err != nil {
			r.log.Warn("runner: ack failed", "task_id", payload.TaskID, "error", err)
		}
	}()
}

// runQueued runs a payload drained from the sequential wait-FIFO. Its
// delivery was already acked at intake time (§4.7 step 4), so there is
// nothing left to ack here.
func (r *Runner) runQueued(ctx context.Context, payload models.TaskPayload) {
	r.execute(ctx, payload)
}

func (r *Runner) execute(ctx context.Context, payload models.TaskPayload) {
	r.running.MarkRunning(payload.TaskID)
	r.observePlan(payload)

	result := r.run(ctx, payload)

	// 5. Report result.
	reportCtx, cancel := withTimeout(ctx, 10*time.Second)
	if err := r.control.PostResult(reportCtx, payload.TaskID, result); err != nil {
		r.log.Error("runner: post result failed", "task_id", payload.TaskID, "error", err)
	}
	cancel()

	if parentID := payload.ScriptData.ParentExecutionID; parentID != "" {
		r.plans.SetScriptState(parentID, payload.ScriptData.ScriptIndex, result.Status)
	}

	// 6. Local bookkeeping: free the concurrency slot, then drain this
	// parent's sequential wait-FIFO onto a fresh goroutine.
	r.running.Remove(payload.TaskID)
	if parentID := payload.ScriptData.ParentExecutionID; parentID != "" {
		if next, ok := r.seq.Pop(parentID); ok {
			r.running.Insert(next.TaskID, next)
			go r.runQueued(ctx, next)
		}
	}
}

// run performs the early-stop guard and step loop, returning the
// composed result. Every third step it polls status_check again so a
// stop issued mid-run is noticed within one poll interval (§4.9 step 3)
// instead of only at task start.
func (r *Runner) run(ctx context.Context, payload models.TaskPayload) TaskResultRequest {
	parentID := payload.ScriptData.ParentExecutionID

	// 1. Early-stop guard: a plan child whose parent is already known
	// (or newly confirmed) stopped is never started.
	if parentID != "" {
		if r.stopped.Contains(parentID) {
			return TaskResultRequest{Status: TaskResultCancelled, Error: "execution stopped"}
		}
		if r.confirmStopped(ctx, parentID) {
			return TaskResultRequest{Status: TaskResultCancelled, Error: "execution stopped"}
		}
	}

	timeout := time.Duration(payload.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultStepTimeout * time.Duration(maxInt(len(payload.ScriptData.Steps), 1))
	}
	runCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	variables := mergeVariables(payload.ScriptData.Variables, payload.Variables)

	// 3. Step loop, polling status_check every third step so a stop
	// requested mid-run short-circuits the remaining steps as cancelled.
	results := make([]StepResult, 0, len(payload.ScriptData.Steps))
	allOK := true
	for i, step := range payload.ScriptData.Steps {
		if parentID != "" && i > 0 && i%3 == 0 && r.confirmStopped(ctx, parentID) {
			return TaskResultRequest{
				Status: TaskResultCancelled,
				Error:  "execution stopped",
				Result: map[string]interface{}{"steps": results, "ok": false},
			}
		}

		start := time.Now()
		msg, ok, err := r.steps.Execute(runCtx, payload.BrowserType, step, variables)
		if err != nil {
			msg = err.Error()
			ok = false
		}
		results = append(results, StepResult{
			Index:      i,
			Name:       step.Name,
			Type:       step.Type,
			Success:    ok,
			Message:    msg,
			DurationMs: time.Since(start).Milliseconds(),
		})
		if !ok {
			allOK = false
			if path, serr := r.steps.Screenshot(ctx, payload.TaskID); serr == nil && path != "" {
				shotCtx, shotCancel := withTimeout(ctx, 5*time.Second)
				_ = r.control.PostScreenshot(shotCtx, payload.TaskID, ScreenshotRequest{Path: path})
				shotCancel()
			}
			break
		}
	}

	// 4. Compose the result.
	status := TaskResultCompleted
	if !allOK {
		status = TaskResultFailed
	}
	req := TaskResultRequest{
		Status: status,
		Result: map[string]interface{}{
			"steps": results,
			"ok":    allOK,
		},
	}
	if !allOK {
		req.Error = fmt.Sprintf("step %d failed", len(results)-1)
	}
	return req
}

// confirmStopped polls status_check for parentID and caches the result
// if the execution has in fact been stopped.
func (r *Runner) confirmStopped(ctx context.Context, parentID string) bool {
	checkCtx, cancel := withTimeout(ctx, 5*time.Second)
	resp, err := r.control.StatusCheck(checkCtx, parentID)
	cancel()
	if err == nil && resp.IsStopped() {
		r.stopped.Add(parentID)
		return true
	}
	return false
}

func (r *Runner) observePlan(payload models.TaskPayload) {
	parentID := payload.ScriptData.ParentExecutionID
	if parentID == "" {
		return
	}
	if _, ok := r.plans.Get(parentID); !ok {
		scripts := make([]PlanScriptState, len(payload.ScriptData.PlanScripts))
		for i, s := range payload.ScriptData.PlanScripts {
			scripts[i] = PlanScriptState{Index: i, Name: s.Name, State: "pending"}
		}
		r.plans.Observe(parentID, &PlanInfo{
			PlanName: payload.ScriptData.PlanName,
			Mode:     payload.ScriptData.ExecutionMode,
			Scripts:  scripts,
		})
	}
	r.plans.SetScriptState(parentID, payload.ScriptData.ScriptIndex, "running")
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

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
