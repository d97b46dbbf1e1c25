// Package agent runs the host-side side of a rental: it picks up PENDING
// sessions on this host's GPUs, starts them with SSH credentials, reports GPU
// metrics for ACTIVE sessions and keeps the host's heartbeat alive.
package agent

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/labhya/labhya/internal/agent/gpumon"
	"github.com/labhya/labhya/internal/client"
	"github.com/labhya/labhya/internal/service/lifecycle"
	"github.com/labhya/labhya/pkg/models"
)

const (
	DefaultPollInterval      = 10 * time.Second
	DefaultMetricsInterval   = 30 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultUnreachableThreshold is consecutive heartbeat failures before the
	// unreachable handler fires
	DefaultUnreachableThreshold = 10
)

// API is the backend surface the agent drives
type API interface {
	lifecycle.SessionAPI

	PendingForHost(ctx context.Context) ([]models.Session, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
	UpdateGPUMetrics(ctx context.Context, id string, m models.GPUMetrics) (*models.Session, error)
	UpdateConnectionStatus(ctx context.Context, id string, u models.ConnectionStatusUpdate) error
	Heartbeat(ctx context.Context, hostID string) (*models.HeartbeatResponse, error)
}

// Sampler takes GPU readings
type Sampler interface {
	Sample(ctx context.Context) (gpumon.Stats, error)
}

// SSHEndpoint is what renters connect to once a session is started
type SSHEndpoint struct {
	Host     string
	Port     int
	Username string
}

// Agent runs the pickup, metrics and heartbeat loops
type Agent struct {
	api        API
	controller *lifecycle.Controller
	sampler    Sampler
	hostID     string
	endpoint   SSHEndpoint
	logger     *slog.Logger

	pollInterval      time.Duration
	metricsInterval   time.Duration
	heartbeatInterval time.Duration

	password             func() string
	unreachable          func()
	unreachableThreshold int32
	failureCount         atomic.Int32
	running              atomic.Bool

	mu      sync.Mutex
	started map[string]time.Time
}

// Option configures the agent
type Option func(*Agent)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// WithHostID sets the host profile id used for heartbeats
func WithHostID(id string) Option {
	return func(a *Agent) {
		a.hostID = id
	}
}

// WithSSHEndpoint sets the SSH address announced for started sessions
func WithSSHEndpoint(e SSHEndpoint) Option {
	return func(a *Agent) {
		a.endpoint = e
	}
}

// WithSampler sets the GPU metrics source
func WithSampler(s Sampler) Option {
	return func(a *Agent) {
		a.sampler = s
	}
}

// WithIntervals sets the loop intervals; zero keeps the default
func WithIntervals(poll, metrics, heartbeat time.Duration) Option {
	return func(a *Agent) {
		if poll > 0 {
			a.pollInterval = poll
		}
		if metrics > 0 {
			a.metricsInterval = metrics
		}
		if heartbeat > 0 {
			a.heartbeatInterval = heartbeat
		}
	}
}

// WithPasswordFunc sets the SSH password generator (for testing)
func WithPasswordFunc(fn func() string) Option {
	return func(a *Agent) {
		a.password = fn
	}
}

// WithUnreachableHandler sets the handler called once heartbeats have failed
// threshold times in a row
func WithUnreachableHandler(threshold int, fn func()) Option {
	return func(a *Agent) {
		if threshold > 0 {
			a.unreachableThreshold = int32(threshold)
		}
		a.unreachable = fn
	}
}

// New creates an agent
func New(api API, opts ...Option) *Agent {
	a := &Agent{
		api:                  api,
		logger:               slog.Default(),
		pollInterval:         DefaultPollInterval,
		metricsInterval:      DefaultMetricsInterval,
		heartbeatInterval:    DefaultHeartbeatInterval,
		password:             rand.Text,
		unreachable:          func() {},
		unreachableThreshold: DefaultUnreachableThreshold,
		started:              make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.sampler == nil {
		a.sampler = gpumon.NewMonitor(a.logger)
	}
	a.controller = lifecycle.NewController(api, lifecycle.WithLogger(a.logger))
	return a
}

// Run blocks until ctx is cancelled or a call fails with an auth failure,
// which ends every loop
func (a *Agent) Run(ctx context.Context) error {
	if a.running.Swap(true) {
		return errors.New("agent is already running")
	}
	defer a.running.Store(false)

	a.logger.Info("agent starting",
		slog.String("host_id", a.hostID),
		slog.String("ssh_host", a.endpoint.Host),
		slog.Duration("poll_interval", a.pollInterval),
		slog.Duration("metrics_interval", a.metricsInterval),
		slog.Duration("heartbeat_interval", a.heartbeatInterval))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.loop(gctx, "pickup", a.pollInterval, a.PickupPending) })
	g.Go(func() error { return a.loop(gctx, "metrics", a.metricsInterval, a.ReportMetrics) })
	if a.hostID != "" {
		g.Go(func() error { return a.loop(gctx, "heartbeat", a.heartbeatInterval, a.SendHeartbeat) })
	} else {
		a.logger.Warn("no host id configured, heartbeat disabled")
	}

	err := g.Wait()
	a.logger.Info("agent stopped")
	if client.IsAuthFailure(err) {
		return err
	}
	return nil
}

// IsRunning returns whether Run is in progress
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// loop runs step immediately and then on every tick. Only auth failures
// end the loop; other errors are logged and retried on the next tick.
func (a *Agent) loop(ctx context.Context, name string, interval time.Duration, step func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := step(ctx); err != nil {
			if client.IsAuthFailure(err) {
				a.logger.Error("agent loop stopped: credentials rejected", slog.String("loop", name))
				return err
			}
			if ctx.Err() == nil {
				a.logger.Warn("agent step failed",
					slog.String("loop", name),
					slog.String("error", err.Error()))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Started reports when the agent started session id, if it did
func (a *Agent) Started(id string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	at, ok := a.started[id]
	return at, ok
}
