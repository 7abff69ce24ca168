package observer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockObserver records every event it is notified of; tests assert
// against GetEvents/GetCallCount rather than real side effects.
type mockObserver struct {
	name        string
	filter      EventFilter
	mu          sync.Mutex
	events      []Event
	shouldFail  bool
	failWithErr error
}

func newMockObserver(name string) *mockObserver {
	return &mockObserver{name: name}
}

func (m *mockObserver) Name() string      { return m.name }
func (m *mockObserver) Filter() EventFilter { return m.filter }

func (m *mockObserver) OnEvent(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if m.shouldFail {
		return m.failWithErr
	}
	return nil
}

func (m *mockObserver) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type panicObserver struct{ name string }

func (p *panicObserver) Name() string         { return p.name }
func (p *panicObserver) Filter() EventFilter  { return nil }
func (p *panicObserver) OnEvent(context.Context, Event) error {
	panic("intentional panic for testing")
}

func TestNewObserverManager(t *testing.T) {
	mgr := NewObserverManager()
	assert.Equal(t, 0, mgr.Count())
	assert.Equal(t, 100, mgr.bufferSize)

	mgr = NewObserverManager(WithLogger(testLogger()), WithBufferSize(250))
	assert.NotNil(t, mgr.logger)
	assert.Equal(t, 250, mgr.bufferSize)
}

func TestObserverManager_RegisterRejectsDuplicateName(t *testing.T) {
	mgr := NewObserverManager()
	require.NoError(t, mgr.Register(newMockObserver("dup")))

	err := mgr.Register(newMockObserver("dup"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
	assert.Equal(t, 1, mgr.Count())
}

func TestObserverManager_Unregister(t *testing.T) {
	mgr := NewObserverManager()
	require.NoError(t, mgr.Register(newMockObserver("a")))
	require.NoError(t, mgr.Register(newMockObserver("b")))

	require.NoError(t, mgr.Unregister("a"))
	assert.Equal(t, 1, mgr.Count())

	err := mgr.Unregister("never-registered")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestObserverManager_NotifyReachesAllObservers(t *testing.T) {
	mgr := NewObserverManager()
	obs1, obs2 := newMockObserver("o1"), newMockObserver("o2")
	mgr.Register(obs1)
	mgr.Register(obs2)

	mgr.Notify(context.Background(), Event{Type: EventTypeTaskCompleted, ExecutionID: "exec-1", Timestamp: time.Now()})

	require.Eventually(t, func() bool { return obs1.callCount() == 1 && obs2.callCount() == 1 }, time.Second, time.Millisecond)
}

func TestObserverManager_NotifyIsNonBlocking(t *testing.T) {
	mgr := NewObserverManager()
	slow := newMockObserver("slow")
	mgr.Register(slow)

	start := time.Now()
	mgr.Notify(context.Background(), Event{Type: EventTypeTaskCompleted, Timestamp: time.Now()})
	assert.Less(t, time.Since(start), 20*time.Millisecond, "Notify must hand off to goroutines rather than block on an observer")
}

func TestObserverManager_ObserverErrorDoesNotStopOthers(t *testing.T) {
	mgr := NewObserverManager(WithLogger(testLogger()))
	failing := newMockObserver("failing")
	failing.shouldFail = true
	failing.failWithErr = errors.New("boom")
	ok := newMockObserver("ok")
	mgr.Register(failing)
	mgr.Register(ok)

	mgr.Notify(context.Background(), Event{Type: EventTypeTaskFailed, Timestamp: time.Now()})

	require.Eventually(t, func() bool { return failing.callCount() == 1 && ok.callCount() == 1 }, time.Second, time.Millisecond)
}

func TestObserverManager_PanicInOneObserverIsRecovered(t *testing.T) {
	mgr := NewObserverManager(WithLogger(testLogger()))
	mgr.Register(&panicObserver{name: "panics"})
	ok := newMockObserver("survives")
	mgr.Register(ok)

	assert.NotPanics(t, func() {
		mgr.Notify(context.Background(), Event{Type: EventTypeTaskCompleted, Timestamp: time.Now()})
	})
	require.Eventually(t, func() bool { return ok.callCount() == 1 }, time.Second, time.Millisecond)
}

func TestObserverManager_FilterExcludesUnwantedEventTypes(t *testing.T) {
	mgr := NewObserverManager()
	execOnly := newMockObserver("exec-only")
	execOnly.filter = NewEventTypeFilter(EventTypeExecutionCompleted, EventTypeExecutionFailed)
	all := newMockObserver("all")
	mgr.Register(execOnly)
	mgr.Register(all)

	mgr.Notify(context.Background(), Event{Type: EventTypeTaskCompleted, Timestamp: time.Now()})
	require.Eventually(t, func() bool { return all.callCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, execOnly.callCount(), "filtered observer must not receive a task event")

	mgr.Notify(context.Background(), Event{Type: EventTypeExecutionCompleted, Timestamp: time.Now()})
	require.Eventually(t, func() bool { return execOnly.callCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, all.callCount())
}

func TestExecutionIDFilter_ShouldNotify(t *testing.T) {
	filter := NewExecutionIDFilter("exec-1")
	assert.True(t, filter.ShouldNotify(Event{ExecutionID: "exec-1"}))
	assert.False(t, filter.ShouldNotify(Event{ExecutionID: "exec-2"}))
}
