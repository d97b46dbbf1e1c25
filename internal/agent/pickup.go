package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/labhya/labhya/internal/client"
	"github.com/labhya/labhya/internal/logging"
	"github.com/labhya/labhya/internal/metrics"
	"github.com/labhya/labhya/internal/service/lifecycle"
	"github.com/labhya/labhya/pkg/models"
)

// PickupPending starts every PENDING session waiting on this host. A session
// that fails to start is left PENDING and retried on the next call.
func (a *Agent) PickupPending(ctx context.Context) error {
	pending, err := a.api.PendingForHost(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending sessions: %w", err)
	}

	var errs []error
	for i := range pending {
		if err := a.start(ctx, &pending[i]); err != nil {
			if client.IsAuthFailure(err) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Agent) start(ctx context.Context, s *models.Session) error {
	ctx = logging.WithSessionID(ctx, s.ID)

	req := models.MarkStartedRequest{
		SSHPassword: a.password(),
		SSHHost:     a.endpoint.Host,
		SSHPort:     a.endpoint.Port,
		SSHUsername: a.endpoint.Username,
	}

	_, err := a.controller.MarkStarted(ctx, s, req)
	if err != nil {
		var invalid *lifecycle.InvalidTransitionError
		if errors.As(err, &invalid) {
			// Listed as pending but no longer is; nothing to do
			logging.Debug(ctx, "skipping session not pending", slog.String("status", string(s.Status)))
			return nil
		}
		return err
	}

	a.mu.Lock()
	a.started[s.ID] = time.Now()
	a.mu.Unlock()
	metrics.RecordAgentSessionStarted()

	a.logger.Info("session started",
		slog.String("session_id", s.ID),
		slog.String("gpu_id", s.GPU.ID))

	// Connection status is informational; a failure does not undo the start
	err = a.api.UpdateConnectionStatus(ctx, s.ID, models.ConnectionStatusUpdate{ConnectionStatus: "ready"})
	if client.IsAuthFailure(err) {
		return err
	}
	if err != nil {
		logging.Warn(ctx, "failed to report connection status", slog.String("error", err.Error()))
	}
	return nil
}
