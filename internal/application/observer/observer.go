package observer

import (
	"context"
	"time"
)

// Observer is the core interface for dispatch and execution-lifecycle
// event observation. Implementations must never block the dispatcher or
// the result-ingestion handler; ObserverManager enforces this by
// notifying each observer in its own goroutine.
type Observer interface {
	// OnEvent is called when a lifecycle event occurs.
	OnEvent(ctx context.Context, event Event) error

	// Name returns the observer's unique identifier.
	Name() string

	// Filter returns the event filter for this observer (nil = all events).
	Filter() EventFilter
}

// Event represents a single dispatch or execution-lifecycle event.
type Event struct {
	Type        EventType
	ExecutionID string
	TaskID      string
	WorkerID    string
	Timestamp   time.Time

	Status string
	Error  error

	Output    map[string]any
	Variables map[string]string

	DurationMs *int64
	Metadata   map[string]any
	Message    *string
}

// EventType is the dot-notation lifecycle event vocabulary.
type EventType string

const (
	EventTypeExecutionStarted   EventType = "execution.started"
	EventTypeExecutionCompleted EventType = "execution.completed"
	EventTypeExecutionFailed    EventType = "execution.failed"
	EventTypeExecutionCancelled EventType = "execution.cancelled"
	EventTypeTaskAssigned       EventType = "task.assigned"
	EventTypeTaskStarted        EventType = "task.started"
	EventTypeTaskCompleted      EventType = "task.completed"
	EventTypeTaskFailed         EventType = "task.failed"
	EventTypeTaskCancelled      EventType = "task.cancelled"
	EventTypeWorkerRegistered   EventType = "worker.registered"
	EventTypeWorkerOffline      EventType = "worker.offline"
)

// EventFilter defines filtering criteria for events.
type EventFilter interface {
	ShouldNotify(event Event) bool
}

// EventTypeFilter filters events by type.
type EventTypeFilter struct {
	allowedTypes map[EventType]bool
}

// NewEventTypeFilter creates a filter for specific event types. If no
// types are specified, allows all events.
func NewEventTypeFilter(types ...EventType) EventFilter {
	if len(types) == 0 {
		return nil
	}
	filter := &EventTypeFilter{allowedTypes: make(map[EventType]bool)}
	for _, t := range types {
		filter.allowedTypes[t] = true
	}
	return filter
}

// ShouldNotify checks if the event should trigger notification.
func (f *EventTypeFilter) ShouldNotify(event Event) bool {
	if f == nil || len(f.allowedTypes) == 0 {
		return true
	}
	return f.allowedTypes[event.Type]
}

// ExecutionIDFilter filters events by execution ID.
type ExecutionIDFilter struct {
	executionID string
}

// NewExecutionIDFilter creates a filter that only passes events for a
// specific execution, used to scope a dashboard's websocket subscription.
func NewExecutionIDFilter(executionID string) EventFilter {
	return &ExecutionIDFilter{executionID: executionID}
}

// ShouldNotify returns true if the event belongs to the target execution.
func (f *ExecutionIDFilter) ShouldNotify(event Event) bool {
	return event.ExecutionID == f.executionID
}
