// Package worker implements the worker-side half of the task lifecycle:
// intake (C7), heartbeat (C8), the per-task runner (C9), the per-parent
// sequential wait queue (C10) and the stopped-execution cache (C11).
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ControlPlaneClient is the HTTP-side contract a worker needs against the
// control plane: registration, heartbeat, status checks, result/screenshot
// reporting and the post-result distribute nudge. A real deployment backs
// it with an *http.Client; tests substitute a fake.
type ControlPlaneClient interface {
	Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error)
	Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error)
	StatusCheck(ctx context.Context, executionID string) (StatusCheckResponse, error)
	PostResult(ctx context.Context, taskID string, req TaskResultRequest) error
	PostScreenshot(ctx context.Context, taskID string, req ScreenshotRequest) error
	Distribute(ctx context.Context) error
}

// RegisterRequest mirrors POST /executor/register's body (§6). UUID is
// the worker's own stable credential, generated once on first run and
// persisted locally — re-sent on every subsequent register call so a
// restart reactivates the same server-side row instead of minting a
// new one (§4.4 "upsert by uuid").
type RegisterRequest struct {
	UUID          string            `json:"uuid"`
	Name          string            `json:"name"`
	Platform      string            `json:"platform"`
	BrowserTypes  []string          `json:"browser_types"`
	ProjectScopes []string          `json:"project_scopes"`
	GlobalScope   bool              `json:"global_scope"`
	MaxConcurrent int               `json:"max_concurrent"`
	Labels        map[string]string `json:"labels"`
}

// RegisterResponse is what the control plane hands back: the server's
// primary-key id alongside the uuid the request carried, which is the
// broker routing key suffix (§4.4).
type RegisterResponse struct {
	ID            string `json:"id"`
	UUID          string `json:"uuid"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// HeartbeatRequest mirrors POST /executor/heartbeat's body (§6).
type HeartbeatRequest struct {
	WorkerID     string   `json:"worker_id"`
	State        string   `json:"state"`
	CurrentTasks int      `json:"current_tasks"`
	CPUUsage     *float64 `json:"cpu_usage,omitempty"`
	MemoryUsage  *float64 `json:"memory_usage,omitempty"`
	DiskUsage    *float64 `json:"disk_usage,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// HeartbeatResponse is the server's reply: its clock and how many tasks
// it still thinks this worker owes a result for.
type HeartbeatResponse struct {
	ServerTime   string `json:"server_time"`
	PendingTasks int    `json:"pending_tasks"`
}

// StatusCheckResponse is the pull side of the stop protocol (§4.6/§4.4).
type StatusCheckResponse struct {
	Status  string `json:"status"`
	IsValid bool   `json:"is_valid"`
}

// IsStopped reports whether the checked execution has reached the
// terminal stopped state.
func (r StatusCheckResponse) IsStopped() bool {
	return r.Status == "stopped"
}

// TaskResultRequest is the cleaned-up outcome a runner POSTs (§4.9 step 5).
// Status carries the task's three-way terminal outcome so a
// user-initiated stop the worker self-detects mid-run reports as
// "cancelled" rather than collapsing into a failure.
type TaskResultRequest struct {
	Status string                 `json:"status"`
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

const (
	TaskResultCompleted = "completed"
	TaskResultFailed    = "failed"
	TaskResultCancelled = "cancelled"
)

// ScreenshotRequest mirrors POST /tasks/{id}/screenshot's body (§6), with
// the raw upload already resolved down to a stored path by the time it
// reaches the control plane from the worker's perspective of this call —
// the step executor supplies path, not bytes, here.
type ScreenshotRequest struct {
	Path string `json:"path"`
}

// httpControlPlaneClient is the production ControlPlaneClient.
type httpControlPlaneClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPControlPlaneClient creates a ControlPlaneClient against a live
// control-plane base URL, with the per-call timeouts spec §5 mandates
// applied by the caller via context, not baked into the shared client.
func NewHTTPControlPlaneClient(baseURL string) ControlPlaneClient {
	return &httpControlPlaneClient{
		baseURL: baseURL,
		http:    &http.Client{},
	}
}

func (c *httpControlPlaneClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *httpControlPlaneClient) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var resp RegisterResponse
	err := c.do(ctx, http.MethodPost, "/executor/register", req, &resp)
	return resp, err
}

func (c *httpControlPlaneClient) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/executor/heartbeat", req, &resp)
	return resp, err
}

func (c *httpControlPlaneClient) StatusCheck(ctx context.Context, executionID string) (StatusCheckResponse, error) {
	var resp StatusCheckResponse
	err := c.do(ctx, http.MethodGet, "/executions/"+executionID+"/status_check", nil, &resp)
	return resp, err
}

func (c *httpControlPlaneClient) PostResult(ctx context.Context, taskID string, req TaskResultRequest) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/result", req, nil)
}

func (c *httpControlPlaneClient) PostScreenshot(ctx context.Context, taskID string, req ScreenshotRequest) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/screenshot", req, nil)
}

func (c *httpControlPlaneClient) Distribute(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/tasks/distribute", nil, nil)
}

// withTimeout is a small helper the loops use to apply spec §5's
// per-call timeouts without threading a context.WithTimeout call through
// every site.
func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
