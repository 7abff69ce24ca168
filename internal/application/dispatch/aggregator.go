package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/dispatch/internal/domain/repository"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
	storagemodels "github.com/taskmesh/dispatch/internal/infrastructure/storage/models"
)

// Aggregator implements C5: on a child task's terminal result it
// recomputes the parent plan execution's status from its children.
type Aggregator struct {
	executions repository.ExecutionRepository
	log        *logger.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(executions repository.ExecutionRepository, log *logger.Logger) *Aggregator {
	return &Aggregator{executions: executions, log: log}
}

// Rollup recomputes parentID's status from its children's current
// states. Safe to call repeatedly (S6): it only ever moves the parent
// forward through the same deterministic function of child states, so a
// duplicate invocation for an already-settled parent is a no-op write.
func (a *Aggregator) Rollup(ctx context.Context, parentID uuid.UUID) error {
	children, err := a.executions.FindChildren(ctx, parentID)
	if err != nil {
		return fmt.Errorf("list children of %s: %w", parentID, err)
	}

	var running, completed, failed int
	for _, c := range children {
		switch {
		case c.IsPending(), c.IsRunning(), c.IsPaused():
			running++
		case c.IsCompleted():
			completed++
		case c.IsFailed():
			failed++
		}
	}

	err = a.executions.TransitionStatus(ctx, parentID, func(e *storagemodels.ExecutionModel) (string, error) {
		if e.IsStopped() {
			// A stop already settled this plan; don't resurrect it.
			return "", errParentSettled
		}
		if running > 0 {
			if e.StartedAt == nil {
				now := time.Now()
				e.StartedAt = &now
			}
			return "running", nil
		}
		if failed == 0 {
			return "completed", nil
		}
		return "failed", nil
	})
	if errors.Is(err, errParentSettled) {
		return nil
	}
	return err
}

var errParentSettled = errors.New("parent execution already settled by stop")
