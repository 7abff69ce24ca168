package worker

import (
	"context"
	"time"

	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
)

// stoppedCacheTrimThreshold is the point past which the heartbeat loop
// bothers trimming the stopped-execution cache down to parents still
// referenced by a running task (§4.8 step 3).
const stoppedCacheTrimThreshold = 10

// HeartbeatLoop is C8: on a fixed interval it checks every distinct
// parent execution currently running on this worker for an in-flight
// stop, trims the stopped-execution cache, and reports this worker's
// liveness and load to the control plane.
type HeartbeatLoop struct {
	workerID string
	interval time.Duration

	control ControlPlaneClient
	running *RunningTasks
	stopped *StoppedCache

	sample func() (cpu, mem, disk *float64)
	log    *logger.Logger
}

// DefaultHeartbeatInterval matches spec §4.8's default of 30s.
const DefaultHeartbeatInterval = 30 * time.Second

// NewHeartbeatLoop builds C8. sample may be nil, in which case resource
// usage fields are omitted from every heartbeat.
func NewHeartbeatLoop(workerID string, interval time.Duration, control ControlPlaneClient, running *RunningTasks, stopped *StoppedCache, sample func() (cpu, mem, disk *float64), log *logger.Logger) *HeartbeatLoop {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatLoop{
		workerID: workerID,
		interval: interval,
		control:  control,
		running:  running,
		stopped:  stopped,
		sample:   sample,
		log:      log,
	}
}

// Run beats every interval until ctx is cancelled.
func (h *HeartbeatLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *HeartbeatLoop) tick(ctx context.Context) {
	// 1. Scan running_tasks for distinct parent_execution_ids.
	parents := h.running.DistinctParents()

	// 2. For each, pull status; a confirmed-stopped parent is recorded
	// so the intake loop and runner can short-circuit future siblings
	// without another round trip.
	for parentID := range parents {
		if h.stopped.Contains(parentID) {
			continue
		}
		checkCtx, cancel := withTimeout(ctx, 5*time.Second)
		resp, err := h.control.StatusCheck(checkCtx, parentID)
		cancel()
		if err != nil {
			h.log.Warn("heartbeat: status_check failed", "parent_id", parentID, "error", err)
			continue
		}
		if resp.IsStopped() {
			h.stopped.Add(parentID)
		}
	}

	// 3. Trim the stopped-cache down to parents still referenced by a
	// running task once it's grown past the threshold.
	h.stopped.TrimTo(parents, stoppedCacheTrimThreshold)

	// 4. Report liveness and load, with a 5s timeout.
	beatCtx, cancel := withTimeout(ctx, 5*time.Second)
	defer cancel()

	req := HeartbeatRequest{
		WorkerID:     h.workerID,
		State:        "online",
		CurrentTasks: h.running.Len(),
	}
	if h.sample != nil {
		req.CPUUsage, req.MemoryUsage, req.DiskUsage = h.sample()
	}

	if _, err := h.control.Heartbeat(beatCtx, req); err != nil {
		h.log.Warn("heartbeat: post failed", "worker_id", h.workerID, "error", err)
	}
}
