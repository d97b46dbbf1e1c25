package cache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/labhya/labhya/internal/auth"
	"github.com/labhya/labhya/internal/client"
	"github.com/labhya/labhya/internal/logging"
	"github.com/labhya/labhya/internal/metrics"
	"github.com/labhya/labhya/internal/service/lifecycle"
	"github.com/labhya/labhya/pkg/models"
)

// FetchGPUs refetches the caller's GPUs. A host lists its own GPUs through
// its profile id, falling back to the filtered /gpus/ listing; a renter sees
// /gpus/.
func (c *Cache) FetchGPUs(ctx context.Context) error {
	_, _, err := load(c, &c.gpus, CollectionGPUs, func() ([]models.GPU, error) {
		switch c.store.Role() {
		case models.RoleHost:
			return c.hostGPUs(ctx)
		default:
			return c.api.ListGPUs(ctx)
		}
	})
	return err
}

func (c *Cache) hostGPUs(ctx context.Context) ([]models.GPU, error) {
	hostID, err := c.hostID(ctx)
	if err == nil {
		gpus, herr := c.api.HostGPUs(ctx, hostID)
		if herr == nil {
			return gpus, nil
		}
		err = herr
	}
	if client.IsAuthFailure(err) {
		return nil, err
	}

	logging.Debug(ctx, "host gpu listing failed, falling back to /gpus/", slog.String("error", err.Error()))
	return c.api.ListGPUs(ctx)
}

// hostID returns the host profile id, resolving and recording it if unknown
func (c *Cache) hostID(ctx context.Context) (string, error) {
	if id := c.store.Identity().ProfileID; id != "" {
		return id, nil
	}

	profile, err := c.api.HostProfile(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve host id: %w", err)
	}

	_ = c.store.SetIdentity(ctx, auth.Identity{
		UserID:    profile.User.ID,
		Email:     profile.User.Email,
		ProfileID: profile.ID,
	})
	return profile.ID, nil
}

// FetchMarketplace refetches the rentable GPU listing
func (c *Cache) FetchMarketplace(ctx context.Context) error {
	_, _, err := load(c, &c.marketplace, CollectionMarketplace, func() ([]models.GPU, error) {
		return c.api.AvailableGPUs(ctx)
	})
	return err
}

// FetchSessions refetches every session, overlays connection info on ACTIVE
// sessions and notifies session observers
func (c *Cache) FetchSessions(ctx context.Context) error {
	prev, applied, err := load(c, &c.sessions, CollectionSessions, func() ([]models.Session, error) {
		sessions, err := c.api.ListSessions(ctx)
		if err != nil {
			return nil, err
		}
		return c.reconciler.Apply(ctx, sessions), nil
	})
	if err != nil || !applied {
		return err
	}

	next := c.Sessions()
	for _, tr := range lifecycle.Diff(prev, next) {
		from := string(tr.From)
		if from == "" {
			from = "NEW"
		}
		metrics.RecordSessionTransition(from, string(tr.To))
		if tr.From != "" {
			logging.Info(logging.WithSessionID(ctx, tr.ID), "session status changed",
				slog.String("from", from),
				slog.String("to", string(tr.To)))
		}
	}

	c.obsMu.Lock()
	observers := slices.Clone(c.observers)
	c.obsMu.Unlock()

	for _, fn := range observers {
		fn(ctx, next)
	}
	return nil
}

// RefreshSessions is FetchSessions; it lets the cache drive a lifecycle.Poller
func (c *Cache) RefreshSessions(ctx context.Context) error {
	return c.FetchSessions(ctx)
}

// FetchWallet refetches the caller's wallet
func (c *Cache) FetchWallet(ctx context.Context) error {
	_, _, err := load(c, &c.wallet, CollectionWallet, func() (*models.Wallet, error) {
		return c.api.GetWallet(ctx)
	})
	return err
}

// FetchTransactions refetches the caller's ledger
func (c *Cache) FetchTransactions(ctx context.Context) error {
	_, _, err := load(c, &c.transactions, CollectionTransactions, func() ([]models.Transaction, error) {
		return c.api.ListTransactions(ctx)
	})
	return err
}

// FetchDashboardStats refetches the server-computed dashboard aggregates
func (c *Cache) FetchDashboardStats(ctx context.Context) error {
	_, _, err := load(c, &c.stats, CollectionStats, func() (*models.DashboardStats, error) {
		return c.api.DashboardStats(ctx)
	})
	return err
}

// FetchAll loads every collection relevant to the caller's role
func (c *Cache) FetchAll(ctx context.Context) error {
	fetches := []func(context.Context) error{
		c.FetchGPUs,
		c.FetchSessions,
		c.FetchWallet,
		c.FetchTransactions,
	}
	if c.store.Role() == models.RoleRenter {
		fetches = append(fetches, c.FetchMarketplace)
	}
	return c.parallel(ctx, fetches...)
}
