package worker

import (
	"sync"

	"github.com/taskmesh/dispatch/pkg/models"
)

// SequentialQueue is the worker-local per-parent FIFO (C10): when a
// sibling of a sequential plan is already running on this worker, the
// next delivery for the same parent is parked here instead of being
// handed to a runner immediately. Drained by the runner on completion
// (§4.9 step 6 / §4.10): at most one script per sequential plan runs on
// this worker at any instant, and siblings are served in arrival order.
type SequentialQueue struct {
	mu    sync.Mutex
	fifos map[string][]models.TaskPayload
}

// NewSequentialQueue creates an empty queue.
func NewSequentialQueue() *SequentialQueue {
	return &SequentialQueue{fifos: make(map[string][]models.TaskPayload)}
}

// Push appends payload to parentID's wait FIFO.
func (q *SequentialQueue) Push(parentID string, payload models.TaskPayload) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fifos[parentID] = append(q.fifos[parentID], payload)
}

// Pop removes and returns the oldest queued payload for parentID, if any.
func (q *SequentialQueue) Pop(parentID string) (models.TaskPayload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fifo, ok := q.fifos[parentID]
	if !ok || len(fifo) == 0 {
		return models.TaskPayload{}, false
	}
	next := fifo[0]
	if len(fifo) == 1 {
		delete(q.fifos, parentID)
	} else {
		q.fifos[parentID] = fifo[1:]
	}
	return next, true
}
