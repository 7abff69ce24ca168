package worker

import (
	"context"
	"encoding/json"

	"github.com/taskmesh/dispatch/internal/infrastructure/broker"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
	"github.com/taskmesh/dispatch/pkg/models"
)

// RunFunc is the runner hook intake hands an admitted task off to. It
// owns the delivery from then on: intake does not ack admitted tasks,
// the runner acks once the task's outcome has been reported.
type RunFunc func(ctx context.Context, d broker.Delivery, payload models.TaskPayload)

// IntakeLoop is C7: the single goroutine that consumes broker
// deliveries for this worker's queue and gates each one through the
// stop pre-check, the concurrency admission check and the sequential
// sibling gate before handing it to the runner.
type IntakeLoop struct {
	workerID      string
	maxConcurrent int

	broker  broker.Broker
	control ControlPlaneClient
	running *RunningTasks
	seq     *SequentialQueue
	stopped *StoppedCache

	run RunFunc
	log *logger.Logger
}

// NewIntakeLoop builds C7. run is invoked for every task admitted past
// all three gates; maxConcurrent bounds RunningTasks.Len().
func NewIntakeLoop(workerID string, maxConcurrent int, b broker.Broker, control ControlPlaneClient, running *RunningTasks, seq *SequentialQueue, stopped *StoppedCache, run RunFunc, log *logger.Logger) *IntakeLoop {
	return &IntakeLoop{
		workerID:      workerID,
		maxConcurrent: maxConcurrent,
		broker:        b,
		control:       control,
		running:       running,
		seq:           seq,
		stopped:       stopped,
		run:           run,
		log:           log,
	}
}

// Run consumes deliveries until ctx is cancelled or the subscription
// can no longer be re-established.
func (l *IntakeLoop) Run(ctx context.Context) error {
	deliveries, err := l.broker.Consume(ctx, l.workerID)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			l.handle(ctx, d)
		}
	}
}

func (l *IntakeLoop) handle(ctx context.Context, d broker.Delivery) {
	// 1. Parse JSON; on failure, nack(requeue=false) and log — the
	// message can never become parseable on redelivery.
	var payload models.TaskPayload
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		l.log.Error("intake: malformed delivery, discarding", "error", err, "worker_id", l.workerID)
		_ = l.broker.Nack(ctx, d, false)
		return
	}

	// 2. Stop pre-check: a plan child whose parent is already known
	// stopped is dead to us — nack(requeue=false) so the stream entry
	// is actually removed rather than merely acked off the pending list.
	if parentID := payload.ScriptData.ParentExecutionID; parentID != "" && l.stopped.Contains(parentID) {
		l.log.Info("intake: parent already stopped, discarding", "task_id", payload.TaskID, "parent_id", parentID)
		_ = l.broker.Nack(ctx, d, false)
		return
	}

	// 3. Admission: if at capacity, nack(requeue=true) so the broker
	// redelivers once a slot frees up or the message lands on another
	// worker's retry.
	if l.running.Len() >= l.maxConcurrent {
		_ = l.broker.Nack(ctx, d, true)
		return
	}

	// 4. Sequential-sibling gate: a sequential plan runs at most one
	// script at a time per worker; a sibling already admitted parks
	// this payload in the per-parent wait FIFO instead.
	if payload.IsSequential() && payload.IsPlanChild() && l.running.HasParent(payload.ScriptData.ParentExecutionID) {
		l.seq.Push(payload.ScriptData.ParentExecutionID, payload)
		_ = l.broker.Ack(ctx, d)
		return
	}

	// 5. Admit: insert a placeholder and hand off to the runner. ack is
	// deferred — the runner's completion path acks once the result has
	// been reported and bookkeeping is done.
	l.running.Insert(payload.TaskID, payload)
	l.run(ctx, d, payload)
}
