package rest

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/taskmesh/dispatch/pkg/models"
)

type APIError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(code, message string, httpStatus int) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

func NewAPIErrorWithDetails(code, message string, httpStatus int, details map[string]interface{}) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		Details:    details,
		HTTPStatus: httpStatus,
	}
}

var (
	ErrBadRequest       = NewAPIError("BAD_REQUEST", "Invalid request", http.StatusBadRequest)
	ErrUnauthorized     = NewAPIError("UNAUTHORIZED", "Authentication required", http.StatusUnauthorized)
	ErrForbidden        = NewAPIError("FORBIDDEN", "Access denied", http.StatusForbidden)
	ErrNotFound         = NewAPIError("NOT_FOUND", "Resource not found", http.StatusNotFound)
	ErrConflict         = NewAPIError("CONFLICT", "Resource conflict", http.StatusConflict)
	ErrValidationFailed = NewAPIError("VALIDATION_FAILED", "Validation failed", http.StatusBadRequest)
	ErrInternalServer   = NewAPIError("INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError)
	ErrTooManyRequests  = NewAPIError("RATE_LIMIT_EXCEEDED", "Too many requests", http.StatusTooManyRequests)
	ErrInvalidJSON      = NewAPIError("INVALID_JSON", "Invalid JSON in request body", http.StatusBadRequest)
	ErrMissingParameter = NewAPIError("MISSING_PARAMETER", "Required parameter is missing", http.StatusBadRequest)
	ErrInvalidParameter = NewAPIError("INVALID_PARAMETER", "Invalid parameter value", http.StatusBadRequest)
	ErrInvalidID        = NewAPIError("INVALID_ID", "Invalid ID format", http.StatusBadRequest)
)

// TranslateError maps a domain/repository error into the control plane's
// error-handling taxonomy (transient vs. permanent, client vs. server),
// following the same "one answer per sentinel" dispatch table the teacher
// uses for its own domain errors.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, models.ErrExecutionNotFound):
		return NewAPIError("EXECUTION_NOT_FOUND", "Execution not found", http.StatusNotFound)
	case errors.Is(err, models.ErrExecutionTerminal):
		return NewAPIError("EXECUTION_TERMINAL", "Execution is already in a terminal state", http.StatusConflict)
	case errors.Is(err, models.ErrInvalidParent):
		return NewAPIError("INVALID_PARENT", "Parent execution id cannot change once set", http.StatusBadRequest)

	case errors.Is(err, models.ErrTaskNotFound):
		return NewAPIError("TASK_NOT_FOUND", "Task not found", http.StatusNotFound)
	case errors.Is(err, models.ErrInvalidTransition):
		return NewAPIError("INVALID_TRANSITION", "Invalid task state transition", http.StatusConflict)
	case errors.Is(err, models.ErrTaskAlreadyAssigned):
		return NewAPIError("TASK_ALREADY_ASSIGNED", "Task already assigned to a worker", http.StatusConflict)
	case errors.Is(err, models.ErrPayloadMismatch):
		return NewAPIError("PAYLOAD_MISMATCH", "Task payload execution id does not match task execution id", http.StatusBadRequest)

	case errors.Is(err, models.ErrWorkerNotFound):
		return NewAPIError("WORKER_NOT_FOUND", "Worker not found", http.StatusNotFound)
	case errors.Is(err, models.ErrWorkerOffline):
		return NewAPIError("WORKER_OFFLINE", "Worker is offline", http.StatusConflict)
	case errors.Is(err, models.ErrWorkerDisabled):
		return NewAPIError("WORKER_DISABLED", "Worker is disabled", http.StatusForbidden)
	case errors.Is(err, models.ErrNoCapacity):
		return NewAPIError("NO_CAPACITY", "No worker has spare capacity", http.StatusServiceUnavailable)
	case errors.Is(err, models.ErrNoEligibleWorker):
		return NewAPIError("NO_ELIGIBLE_WORKER", "No worker is eligible for this task's scope", http.StatusServiceUnavailable)

	case errors.Is(err, models.ErrPublishFailed):
		return NewAPIError("PUBLISH_FAILED", "Failed to publish task to broker", http.StatusBadGateway)
	case errors.Is(err, models.ErrPoisonMessage):
		return NewAPIError("POISON_MESSAGE", "Message could not be decoded", http.StatusBadRequest)
	case errors.Is(err, models.ErrConsumerGroupGone):
		return NewAPIError("CONSUMER_GROUP_GONE", "Consumer group no longer exists", http.StatusInternalServerError)

	case errors.Is(err, models.ErrValidationFailed):
		return NewAPIError("VALIDATION_FAILED", "Validation failed", http.StatusBadRequest)
	case errors.Is(err, models.ErrRequired):
		return NewAPIError("REQUIRED", "Required field is missing", http.StatusBadRequest)
	case errors.Is(err, models.ErrInvalidID):
		return NewAPIError("INVALID_ID", "Invalid ID format", http.StatusBadRequest)

	// Database-level not found (when repository doesn't wrap sql.ErrNoRows)
	case errors.Is(err, sql.ErrNoRows):
		return NewAPIError("NOT_FOUND", "Resource not found", http.StatusNotFound)
	}

	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "no rows") || strings.Contains(errMsg, "not found") {
		return NewAPIError("NOT_FOUND", "Resource not found", http.StatusNotFound)
	}

	var validationErr *models.ValidationError
	if errors.As(err, &validationErr) {
		return NewAPIErrorWithDetails(
			"VALIDATION_ERROR",
			validationErr.Message,
			http.StatusBadRequest,
			map[string]interface{}{"field": validationErr.Field},
		)
	}

	var validationErrs models.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		details := make(map[string]interface{})
		for _, ve := range validationErrs {
			details[ve.Field] = ve.Message
		}
		return NewAPIErrorWithDetails("VALIDATION_FAILED", validationErrs[0].Message, http.StatusBadRequest, details)
	}

	return NewAPIError("INTERNAL_ERROR", "An unexpected error occurred", http.StatusInternalServerError)
}
