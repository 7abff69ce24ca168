package models

import (
	"errors"
	"testing"
)

func TestTaskError(t *testing.T) {
	baseErr := ErrInvalidTransition
	taskErr := &TaskError{TaskID: "task-1", Op: "assign", Err: baseErr}

	want := "task task-1 assign: invalid task state transition"
	if taskErr.Error() != want {
		t.Errorf("Error() = %q, want %q", taskErr.Error(), want)
	}
	if !errors.Is(taskErr, ErrInvalidTransition) {
		t.Error("errors.Is() should unwrap to the sentinel")
	}
}

func TestExecutionError(t *testing.T) {
	tests := []struct {
		name string
		err  *ExecutionError
		want string
	}{
		{
			name: "with op",
			err:  &ExecutionError{ExecutionID: "exec-1", Op: "stop", Err: ErrExecutionTerminal},
			want: "execution exec-1 stop: execution already in a terminal state",
		},
		{
			name: "without op",
			err:  &ExecutionError{ExecutionID: "exec-1", Err: ErrExecutionNotFound},
			want: "execution exec-1: execution not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.want {
				t.Errorf("Error() = %q, want %q", tt.err.Error(), tt.want)
			}
			if !errors.Is(tt.err, tt.err.Err) {
				t.Error("errors.Is() should unwrap to the sentinel")
			}
		})
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		errs ValidationErrors
		want string
	}{
		{
			name: "single",
			errs: ValidationErrors{{Field: "name", Message: "is required"}},
			want: "name: is required",
		},
		{
			name: "multiple returns first",
			errs: ValidationErrors{
				{Field: "name", Message: "is required"},
				{Field: "type", Message: "is invalid"},
			},
			want: "name: is required",
		},
		{
			name: "empty",
			errs: ValidationErrors{},
			want: "validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.errs.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommonErrorsDefined(t *testing.T) {
	common := []error{
		ErrExecutionNotFound, ErrExecutionTerminal, ErrInvalidParent,
		ErrTaskNotFound, ErrInvalidTransition, ErrTaskAlreadyAssigned, ErrPayloadMismatch,
		ErrWorkerNotFound, ErrWorkerOffline, ErrWorkerDisabled, ErrNoCapacity, ErrNoEligibleWorker,
		ErrPublishFailed, ErrPoisonMessage, ErrConsumerGroupGone,
		ErrValidationFailed, ErrRequired, ErrInvalidID,
	}
	for _, err := range common {
		if err == nil || err.Error() == "" {
			t.Errorf("sentinel error is nil or empty: %v", err)
		}
	}
}
