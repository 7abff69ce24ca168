package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskmesh/dispatch/internal/infrastructure/broker"
)

// fakeControlPlaneClient is an in-memory stand-in for ControlPlaneClient,
// grounded on the interface's own doc comment ("tests substitute a fake").
type fakeControlPlaneClient struct {
	mu sync.Mutex

	statusByExecution map[string]StatusCheckResponse
	statusErr         error
	statusCallCount   map[string]int
	stopAfterNCalls   int // 0 disables; Nth+ StatusCheck for any execution reports stopped

	results       []postedResult
	screenshots   []postedScreenshot
	heartbeats    []HeartbeatRequest
	distributeN   int
	postResultErr error
}

type postedResult struct {
	TaskID string
	Req    TaskResultRequest
}

type postedScreenshot struct {
	TaskID string
	Req    ScreenshotRequest
}

func newFakeControlPlaneClient() *fakeControlPlaneClient {
	return &fakeControlPlaneClient{
		statusByExecution: make(map[string]StatusCheckResponse),
		statusCallCount:   make(map[string]int),
	}
}

func (f *fakeControlPlaneClient) setStatus(executionID string, resp StatusCheckResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusByExecution[executionID] = resp
}

// setStopAfterCalls makes the Nth and every subsequent StatusCheck call
// (across all executions) report "stopped", regardless of setStatus.
func (f *fakeControlPlaneClient) setStopAfterCalls(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopAfterNCalls = n
}

func (f *fakeControlPlaneClient) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	return RegisterResponse{ID: "worker-fake-id", MaxConcurrent: req.MaxConcurrent}, nil
}

func (f *fakeControlPlaneClient) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, req)
	return HeartbeatResponse{ServerTime: "now", PendingTasks: 0}, nil
}

func (f *fakeControlPlaneClient) StatusCheck(ctx context.Context, executionID string) (StatusCheckResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return StatusCheckResponse{}, f.statusErr
	}
	f.statusCallCount[executionID]++
	if f.stopAfterNCalls > 0 && f.statusCallCount[executionID] >= f.stopAfterNCalls {
		return StatusCheckResponse{Status: "stopped", IsValid: true}, nil
	}
	resp, ok := f.statusByExecution[executionID]
	if !ok {
		return StatusCheckResponse{Status: "running", IsValid: true}, nil
	}
	return resp, nil
}

func (f *fakeControlPlaneClient) statusCheckCount(executionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCallCount[executionID]
}

func (f *fakeControlPlaneClient) PostResult(ctx context.Context, taskID string, req TaskResultRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postResultErr != nil {
		return f.postResultErr
	}
	f.results = append(f.results, postedResult{TaskID: taskID, Req: req})
	return nil
}

func (f *fakeControlPlaneClient) PostScreenshot(ctx context.Context, taskID string, req ScreenshotRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screenshots = append(f.screenshots, postedScreenshot{TaskID: taskID, Req: req})
	return nil
}

func (f *fakeControlPlaneClient) Distribute(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.distributeN++
	return nil
}

func (f *fakeControlPlaneClient) lastResult() (postedResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return postedResult{}, false
	}
	return f.results[len(f.results)-1], true
}

func (f *fakeControlPlaneClient) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeats)
}

// fakeBroker is the worker package's own in-memory Broker fake, recording
// acks and nacks so intake/runner gating can be asserted without Redis.
type fakeBroker struct {
	mu      sync.Mutex
	acked   []string
	nacked  map[string]bool // delivery id -> requeue
	publish map[string][][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{nacked: make(map[string]bool), publish: make(map[string][][]byte)}
}

func (b *fakeBroker) Publish(ctx context.Context, workerUUID string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publish[workerUUID] = append(b.publish[workerUUID], payload)
	return nil
}

func (b *fakeBroker) Consume(ctx context.Context, workerUUID string) (<-chan broker.Delivery, error) {
	ch := make(chan broker.Delivery)
	close(ch)
	return ch, nil
}

func (b *fakeBroker) Ack(ctx context.Context, d broker.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, d.ID)
	return nil
}

func (b *fakeBroker) Nack(ctx context.Context, d broker.Delivery, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacked[d.ID] = requeue
	return nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) isAcked(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.acked {
		if a == id {
			return true
		}
	}
	return false
}

func (b *fakeBroker) nackRequeue(id string) (bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	requeue, ok := b.nacked[id]
	return requeue, ok
}

var errFakeStatusCheck = fmt.Errorf("status check unavailable")
