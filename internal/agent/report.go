package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/labhya/labhya/internal/agent/gpumon"
	"github.com/labhya/labhya/internal/client"
	"github.com/labhya/labhya/internal/metrics"
	"github.com/labhya/labhya/pkg/models"
)

// ReportMetrics samples the GPUs once and reports the reading on every ACTIVE
// session. Nothing is sent when no sample is available.
func (a *Agent) ReportMetrics(ctx context.Context) error {
	stats, err := a.sampler.Sample(ctx)
	if errors.Is(err, gpumon.ErrUnavailable) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to sample gpu metrics: %w", err)
	}
	payload := stats.Metrics()

	sessions, err := a.api.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	var errs []error
	for _, s := range sessions {
		if s.Status != models.StatusActive {
			continue
		}
		if _, err := a.api.UpdateGPUMetrics(ctx, s.ID, payload); err != nil {
			if client.IsAuthFailure(err) {
				return err
			}
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// SendHeartbeat reports the host as alive and tracks consecutive failures
func (a *Agent) SendHeartbeat(ctx context.Context) error {
	_, err := a.api.Heartbeat(ctx, a.hostID)
	if err == nil {
		if failures := a.failureCount.Swap(0); failures > 0 {
			a.logger.Info("heartbeat succeeded after failures",
				slog.Int("previous_failures", int(failures)))
		}
		return nil
	}
	if client.IsAuthFailure(err) {
		return err
	}

	metrics.RecordAgentHeartbeatFailure()
	count := a.failureCount.Add(1)
	a.logger.Warn("heartbeat failed",
		slog.String("error", err.Error()),
		slog.Int("consecutive_failures", int(count)))

	if count == a.unreachableThreshold {
		a.logger.Error("backend unreachable for too long",
			slog.Int("consecutive_failures", int(count)),
			slog.Duration("unreachable_time", time.Duration(count)*a.heartbeatInterval))
		a.unreachable()
	}
	return nil
}

// FailureCount returns the consecutive heartbeat failure count
func (a *Agent) FailureCount() int {
	return int(a.failureCount.Load())
}
