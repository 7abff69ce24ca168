package worker

import (
	"context"
	"time"

	"github.com/taskmesh/dispatch/pkg/models"
)

// StepResult is one executed step's outcome, recorded into the task
// result's steps[] array (§4.9 step 3).
type StepResult struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// StepExecutor is the browser-automation step runner. It is treated as
// an opaque collaborator by this package: given one resolved step and
// the merged variable map, it performs whatever browser action the
// step's type names and reports whether it succeeded. Concrete browser
// drivers, selectors and assertions live entirely behind this interface.
type StepExecutor interface {
	// Execute runs one step against browserType with variables already
	// resolved, returning a human-readable outcome message.
	Execute(ctx context.Context, browserType string, step models.StepSpec, variables map[string]string) (message string, ok bool, err error)

	// Screenshot captures the current browser state on step failure and
	// returns a path the control plane can later serve or archive.
	Screenshot(ctx context.Context, taskID string) (path string, err error)
}

// noopStepExecutor is a StepExecutor that never actually drives a
// browser: every step reports success with a stub message. It exists so
// this package is self-contained without a real browser-automation
// dependency; cmd/worker wires a real StepExecutor in its place when one
// is available.
type noopStepExecutor struct{}

// NewNoopStepExecutor returns a StepExecutor suitable for wiring the
// worker loops end to end without a real browser backend present.
func NewNoopStepExecutor() StepExecutor {
	return noopStepExecutor{}
}

func (noopStepExecutor) Execute(ctx context.Context, browserType string, step models.StepSpec, variables map[string]string) (string, bool, error) {
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	return "ok: " + step.Type, true, nil
}

func (noopStepExecutor) Screenshot(ctx context.Context, taskID string) (string, error) {
	return "", nil
}
