// Package lifecycle models the rental session state machine
// (PENDING -> ACTIVE -> COMPLETED, PENDING -> CANCELLED), the operations that
// drive it, and the polling that discovers transitions made by the host agent.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/labhya/labhya/internal/logging"
	"github.com/labhya/labhya/pkg/models"
)

// SessionAPI is the remote surface the controller drives
type SessionAPI interface {
	CreateSession(ctx context.Context, gpuID string) (*models.Session, error)
	MarkStarted(ctx context.Context, id string, req models.MarkStartedRequest) (*models.MarkStartedResponse, error)
	EndSession(ctx context.Context, id string) (*models.Session, error)
	CancelSession(ctx context.Context, id string) (*models.Session, error)
}

// Controller validates lifecycle operations against the known session
// status and forwards them to the backend. It holds no session state: a
// failed call leaves nothing to roll back and callers refetch to resync.
type Controller struct {
	api    SessionAPI
	logger *slog.Logger
}

// Option configures the controller
type Option func(*Controller)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates a new lifecycle controller
func NewController(api SessionAPI, opts ...Option) *Controller {
	c := &Controller{
		api:    api,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create requests a rental of gpu. The renter's balance must cover one hour
// of the GPU's price; otherwise the request is refused before anything is sent.
func (c *Controller) Create(ctx context.Context, gpu models.GPU, balance models.Amount) (*models.Session, error) {
	if gpu.ID == "" {
		return nil, fmt.Errorf("gpu id is required")
	}
	if balance < gpu.PricePerHour {
		logging.Info(ctx, "rental refused locally",
			slog.String("gpu_id", gpu.ID),
			slog.Float64("balance", balance.Float64()),
			slog.Float64("price_per_hour", gpu.PricePerHour.Float64()))
		return nil, &InsufficientFundsError{Balance: balance, Required: gpu.PricePerHour}
	}

	session, err := c.api.CreateSession(ctx, gpu.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logging.Audit(logging.WithSessionID(ctx, session.ID), "session_created",
		slog.String("gpu_id", gpu.ID),
		slog.String("status", string(session.Status)))
	return session, nil
}

// MarkStarted moves a PENDING session to ACTIVE. Only the host agent calls this.
func (c *Controller) MarkStarted(ctx context.Context, s *models.Session, req models.MarkStartedRequest) (*models.MarkStartedResponse, error) {
	if err := Check(s, OpMarkStarted); err != nil {
		return nil, err
	}

	resp, err := c.api.MarkStarted(ctx, s.ID, req)
	if err != nil {
		return nil, fmt.Errorf("failed to mark session started: %w", err)
	}

	logging.Audit(logging.WithSessionID(ctx, s.ID), "session_started",
		slog.String("ssh_host", req.SSHHost))
	return resp, nil
}

// End completes an ACTIVE session, fixing its end time and billed duration
func (c *Controller) End(ctx context.Context, s *models.Session) (*models.Session, error) {
	if err := Check(s, OpEnd); err != nil {
		return nil, err
	}

	ended, err := c.api.EndSession(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}

	logging.Audit(logging.WithSessionID(ctx, s.ID), "session_ended",
		slog.String("end_time", ended.EndTime),
		slog.Float64("total_cost", ended.TotalCost.Float64()))
	return ended, nil
}

// Cancel cancels a PENDING session; nothing is charged
func (c *Controller) Cancel(ctx context.Context, s *models.Session) (*models.Session, error) {
	if err := Check(s, OpCancel); err != nil {
		return nil, err
	}

	cancelled, err := c.api.CancelSession(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel session: %w", err)
	}

	logging.Audit(logging.WithSessionID(ctx, s.ID), "session_cancelled")
	return cancelled, nil
}
