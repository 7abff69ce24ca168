package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/dispatch/internal/infrastructure/broker"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
)

// Config is the worker's persisted local configuration (§6): everything
// needed to reach the control plane and broker and to identify itself,
// read from a JSON file on disk rather than environment variables since
// it is written once at registration time and then reused across
// restarts.
type Config struct {
	ServerURL  string `json:"server_url"`
	ExecutorID string `json:"executor_id"`
	// ExecutorUUID is this worker's own stable credential (§3/§6), self-
	// generated once on first run and re-sent on every registration so a
	// restart upserts the same server-side row instead of minting a new
	// one. Unlike ExecutorID (the server's primary key, informational
	// only) this is what the broker routing key and re-registration key
	// are built from (§4.4).
	ExecutorUUID   string            `json:"executor_uuid"`
	ExecutorName   string            `json:"executor_name"`
	OwnerUsername  string            `json:"owner_username,omitempty"`
	OwnerPassword  string            `json:"owner_password,omitempty"`
	MaxConcurrent  int               `json:"max_concurrent"`
	DefaultBrowser string            `json:"default_browser"`
	BrokerHost     string            `json:"broker_host"`
	BrokerPort     int               `json:"broker_port"`
	BrokerVHost    string            `json:"broker_vhost"`
	BrokerUser     string            `json:"broker_user"`
	BrokerPass     string            `json:"broker_password"`
	HeartbeatSecs  int               `json:"heartbeat_interval_seconds"`
	LogRetention   int               `json:"log_retention_days"`
	Platform       string            `json:"platform,omitempty"`
	ProjectScopes  []string          `json:"project_scopes,omitempty"`
	GlobalScope    bool              `json:"global_scope,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// LoadConfig reads a worker's persisted config from path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read worker config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse worker config: %w", err)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.HeartbeatSecs <= 0 {
		cfg.HeartbeatSecs = int(DefaultHeartbeatInterval.Seconds())
	}
	return &cfg, nil
}

// EnsureExecutorUUID generates a stable executor uuid the first time a
// worker ever runs against this config file, and reports whether it
// had to (so the caller knows to persist the change). Every later run
// finds ExecutorUUID already populated and is a no-op.
func (c *Config) EnsureExecutorUUID() bool {
	if c.ExecutorUUID != "" {
		return false
	}
	c.ExecutorUUID = uuid.New().String()
	return true
}

// Save persists cfg to path, e.g. after registration assigns an
// executor id.
func (c *Config) Save(path string) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal worker config: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

// Worker wires C7 (intake), C8 (heartbeat) and C9 (runner) together
// around the shared RunningTasks/SequentialQueue/StoppedCache/PlanHistory
// state and a single ControlPlaneClient + broker.Broker pair.
type Worker struct {
	cfg     *Config
	control ControlPlaneClient
	broker  broker.Broker

	running *RunningTasks
	seq     *SequentialQueue
	stopped *StoppedCache
	plans   *PlanHistory

	intake    *IntakeLoop
	heartbeat *HeartbeatLoop
	runner    *Runner

	log *logger.Logger
}

// New builds a Worker from its persisted config, a control-plane client,
// a broker connection and a step executor (NewNoopStepExecutor() when no
// real browser backend is wired).
func New(cfg *Config, control ControlPlaneClient, b broker.Broker, steps StepExecutor, log *logger.Logger) *Worker {
	running := NewRunningTasks()
	seq := NewSequentialQueue()
	stopped := NewStoppedCache()
	plans := NewPlanHistory()

	runner := NewRunner(b, control, running, seq, stopped, plans, steps, log)
	intake := NewIntakeLoop(cfg.ExecutorUUID, cfg.MaxConcurrent, b, control, running, seq, stopped, runner.Handle, log)
	heartbeat := NewHeartbeatLoop(cfg.ExecutorUUID, time.Duration(cfg.HeartbeatSecs)*time.Second, control, running, stopped, nil, log)

	return &Worker{
		cfg:       cfg,
		control:   control,
		broker:    b,
		running:   running,
		seq:       seq,
		stopped:   stopped,
		plans:     plans,
		intake:    intake,
		heartbeat: heartbeat,
		runner:    runner,
		log:       log,
	}
}

// Register announces this worker to the control plane under its stable
// uuid (generating one first if this is this config's first run) and
// persists any change back to cfgPath.
func (w *Worker) Register(ctx context.Context, cfgPath string) error {
	w.cfg.EnsureExecutorUUID()

	resp, err := w.control.Register(ctx, RegisterRequest{
		UUID:          w.cfg.ExecutorUUID,
		Name:          w.cfg.ExecutorName,
		Platform:      w.cfg.Platform,
		BrowserTypes:  []string{w.cfg.DefaultBrowser},
		ProjectScopes: w.cfg.ProjectScopes,
		GlobalScope:   w.cfg.GlobalScope,
		MaxConcurrent: w.cfg.MaxConcurrent,
		Labels:        w.cfg.Labels,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	w.cfg.ExecutorID = resp.ID
	if resp.MaxConcurrent > 0 {
		w.cfg.MaxConcurrent = resp.MaxConcurrent
	}
	if cfgPath != "" {
		if err := w.cfg.Save(cfgPath); err != nil {
			w.log.Warn("worker: failed to persist assigned executor id", "error", err)
		}
	}
	return nil
}

// Run starts the intake and heartbeat loops and blocks until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.intake.Run(ctx)
	}()
	go w.heartbeat.Run(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
