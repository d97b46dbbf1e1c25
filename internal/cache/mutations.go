package cache

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/labhya/labhya/internal/client"
	"github.com/labhya/labhya/internal/logging"
	"github.com/labhya/labhya/pkg/models"
)

// parallel runs independent refetches concurrently and returns the first error
func (c *Cache) parallel(ctx context.Context, fetches ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fetch := range fetches {
		g.Go(func() error {
			return fetch(gctx)
		})
	}
	return g.Wait()
}

// refetchAfter reloads the collections a mutation affected. The mutation has
// already succeeded, so a refetch failure is recorded on the entry and
// logged rather than returned.
func (c *Cache) refetchAfter(ctx context.Context, op string, fetches ...func(context.Context) error) {
	if err := c.parallel(ctx, fetches...); err != nil {
		logging.Warn(ctx, "refetch after mutation failed",
			slog.String("operation", op),
			slog.String("error", err.Error()))
	}
}

func (c *Cache) rentalRefetches() []func(context.Context) error {
	fetches := []func(context.Context) error{c.FetchGPUs, c.FetchSessions}
	if c.Marketplace().UpdatedAt.IsZero() {
		return fetches
	}
	return append(fetches, c.FetchMarketplace)
}

// Rent requests a rental of gpuID after checking locally that the wallet
// covers one hour of the GPU's price
func (c *Cache) Rent(ctx context.Context, gpuID string) (*models.Session, error) {
	gpu, err := c.lookupGPU(ctx, gpuID)
	if err != nil {
		return nil, err
	}

	wallet, err := c.currentWallet(ctx)
	if err != nil {
		return nil, err
	}

	session, err := c.controller.Create(ctx, *gpu, wallet.Balance)
	if err != nil {
		return nil, err
	}

	c.refetchAfter(ctx, "rent", c.rentalRefetches()...)
	return session, nil
}

// EndSession completes an ACTIVE session. Ending settles the cost, so the
// wallet and ledger are reloaded along with the rental collections.
func (c *Cache) EndSession(ctx context.Context, id string) (*models.Session, error) {
	s, err := c.lookupSession(ctx, id)
	if err != nil {
		return nil, err
	}

	ended, err := c.controller.End(ctx, s)
	if err != nil {
		return nil, err
	}

	c.refetchAfter(ctx, "end_session", append(c.rentalRefetches(), c.FetchWallet, c.FetchTransactions)...)
	return ended, nil
}

// CancelSession cancels a PENDING session
func (c *Cache) CancelSession(ctx context.Context, id string) (*models.Session, error) {
	s, err := c.lookupSession(ctx, id)
	if err != nil {
		return nil, err
	}

	cancelled, err := c.controller.Cancel(ctx, s)
	if err != nil {
		return nil, err
	}

	c.refetchAfter(ctx, "cancel_session", c.rentalRefetches()...)
	return cancelled, nil
}

// AddFunds deposits into the wallet
func (c *Cache) AddFunds(ctx context.Context, amount float64, description string) (*models.FundsResponse, error) {
	if amount <= 0 {
		return nil, &client.ValidationError{Field: "amount", Reason: "must be greater than 0"}
	}

	resp, err := c.api.AddFunds(ctx, amount, description)
	if err != nil {
		return nil, err
	}

	c.refetchAfter(ctx, "add_funds", c.FetchWallet, c.FetchTransactions)
	return resp, nil
}

// WithdrawFunds withdraws from the wallet. The amount may not exceed the
// cached balance.
func (c *Cache) WithdrawFunds(ctx context.Context, amount float64, description string) (*models.FundsResponse, error) {
	if amount <= 0 {
		return nil, &client.ValidationError{Field: "amount", Reason: "must be greater than 0"}
	}

	wallet, err := c.currentWallet(ctx)
	if err != nil {
		return nil, err
	}
	if models.Amount(amount) > wallet.Balance {
		return nil, &client.ValidationError{Field: "amount", Reason: "exceeds wallet balance"}
	}

	resp, err := c.api.WithdrawFunds(ctx, amount, description)
	if err != nil {
		return nil, err
	}

	c.refetchAfter(ctx, "withdraw_funds", c.FetchWallet, c.FetchTransactions)
	return resp, nil
}

// CreateGPU lists a new GPU and refetches the host's GPUs
func (c *Cache) CreateGPU(ctx context.Context, input models.GPUInput) (*models.GPU, error) {
	gpu, err := c.api.CreateGPU(ctx, input)
	if err != nil {
		return nil, err
	}
	c.refetchAfter(ctx, "create_gpu", c.FetchGPUs)
	return gpu, nil
}

// UpdateGPU replaces a GPU listing and refetches the host's GPUs
func (c *Cache) UpdateGPU(ctx context.Context, id string, input models.GPUInput) (*models.GPU, error) {
	gpu, err := c.api.UpdateGPU(ctx, id, input)
	if err != nil {
		return nil, err
	}
	c.refetchAfter(ctx, "update_gpu", c.FetchGPUs)
	return gpu, nil
}

// PatchGPU partially updates a GPU listing and refetches the host's GPUs
func (c *Cache) PatchGPU(ctx context.Context, id string, patch models.GPUPatch) (*models.GPU, error) {
	gpu, err := c.api.PatchGPU(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	c.refetchAfter(ctx, "patch_gpu", c.FetchGPUs)
	return gpu, nil
}

// DeleteGPU removes a GPU listing and refetches the host's GPUs
func (c *Cache) DeleteGPU(ctx context.Context, id string) error {
	if err := c.api.DeleteGPU(ctx, id); err != nil {
		return err
	}
	c.refetchAfter(ctx, "delete_gpu", c.FetchGPUs)
	return nil
}

// lookupGPU finds gpuID in the cached listings, fetching it if absent
func (c *Cache) lookupGPU(ctx context.Context, id string) (*models.GPU, error) {
	c.mu.RLock()
	for _, list := range [][]models.GPU{c.marketplace.data, c.gpus.data} {
		for i := range list {
			if list[i].ID == id {
				gpu := list[i]
				c.mu.RUnlock()
				return &gpu, nil
			}
		}
	}
	c.mu.RUnlock()

	return c.api.GetGPU(ctx, id)
}

// lookupSession finds id in the cached sessions, fetching it if absent
func (c *Cache) lookupSession(ctx context.Context, id string) (*models.Session, error) {
	c.mu.RLock()
	for i := range c.sessions.data {
		if c.sessions.data[i].ID == id {
			s := c.sessions.data[i]
			c.mu.RUnlock()
			return &s, nil
		}
	}
	c.mu.RUnlock()

	return c.api.GetSession(ctx, id)
}

// currentWallet returns the cached wallet, fetching it if not loaded yet
func (c *Cache) currentWallet(ctx context.Context) (*models.Wallet, error) {
	if w := c.Wallet().Data; w != nil {
		return w, nil
	}
	if err := c.FetchWallet(ctx); err != nil {
		return nil, err
	}
	if w := c.Wallet().Data; w != nil {
		return w, nil
	}
	return nil, &client.HTTPError{Status: 404, Message: "no wallet"}
}
