// Package cache is the in-memory mirror of remote entities. Every fetch
// replaces a collection wholesale and every mutation is followed by a
// refetch of the collections it can affect; nothing is patched locally.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/labhya/labhya/internal/auth"
	"github.com/labhya/labhya/internal/metrics"
	"github.com/labhya/labhya/internal/service/cost"
	"github.com/labhya/labhya/internal/service/lifecycle"
	"github.com/labhya/labhya/pkg/models"
)

// Collection names, used in logs and metrics
const (
	CollectionGPUs         = "gpus"
	CollectionMarketplace  = "marketplace"
	CollectionSessions     = "sessions"
	CollectionWallet       = "wallet"
	CollectionTransactions = "transactions"
	CollectionStats        = "dashboard_stats"
)

// API is the remote surface the cache reads and mutates through
type API interface {
	lifecycle.SessionAPI
	lifecycle.ConnectionAPI

	ListGPUs(ctx context.Context) ([]models.GPU, error)
	AvailableGPUs(ctx context.Context) ([]models.GPU, error)
	HostGPUs(ctx context.Context, hostID string) ([]models.GPU, error)
	GetGPU(ctx context.Context, id string) (*models.GPU, error)
	CreateGPU(ctx context.Context, input models.GPUInput) (*models.GPU, error)
	UpdateGPU(ctx context.Context, id string, input models.GPUInput) (*models.GPU, error)
	PatchGPU(ctx context.Context, id string, patch models.GPUPatch) (*models.GPU, error)
	DeleteGPU(ctx context.Context, id string) error

	ListSessions(ctx context.Context) ([]models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)

	GetWallet(ctx context.Context) (*models.Wallet, error)
	AddFunds(ctx context.Context, amount float64, description string) (*models.FundsResponse, error)
	WithdrawFunds(ctx context.Context, amount float64, description string) (*models.FundsResponse, error)
	ListTransactions(ctx context.Context) ([]models.Transaction, error)
	DashboardStats(ctx context.Context) (*models.DashboardStats, error)

	HostProfile(ctx context.Context) (*models.Profile, error)
}

// Entry is the state of one cached collection
type Entry[T any] struct {
	Data      T
	Loading   bool
	Err       error
	UpdatedAt time.Time
}

// entry tracks in-flight fetches so an older response never overwrites a
// newer one
type entry[T any] struct {
	data    T
	loading int
	err     error
	updated time.Time
	seq     uint64
	applied uint64
}

func (e *entry[T]) public() Entry[T] {
	return Entry[T]{Data: e.data, Loading: e.loading > 0, Err: e.err, UpdatedAt: e.updated}
}

// Cache mirrors the remote collections for the logged-in user
type Cache struct {
	api        API
	store      *auth.Store
	controller *lifecycle.Controller
	reconciler *lifecycle.Reconciler
	logger     *slog.Logger
	now        func() time.Time

	mu           sync.RWMutex
	epoch        uint64
	gpus         entry[[]models.GPU]
	marketplace  entry[[]models.GPU]
	sessions     entry[[]models.Session]
	wallet       entry[*models.Wallet]
	transactions entry[[]models.Transaction]
	stats        entry[*models.DashboardStats]

	obsMu     sync.Mutex
	observers []func(context.Context, []models.Session)

	unsubscribe func()
}

// Option configures the cache
type Option func(*Cache)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(c *Cache) {
		c.now = fn
	}
}

// New creates a cache that is cleared whenever store logs out
func New(api API, store *auth.Store, opts ...Option) *Cache {
	c := &Cache{
		api:    api,
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.controller = lifecycle.NewController(api, lifecycle.WithLogger(c.logger))
	c.reconciler = lifecycle.NewReconciler(api, c.logger)
	c.unsubscribe = store.OnLogout(c.Clear)

	return c
}

// Close detaches the cache from the credential store
func (c *Cache) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// OnSessions registers fn to receive every applied session snapshot
func (c *Cache) OnSessions(fn func(context.Context, []models.Session)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, fn)
}

// Clear drops every collection. Fetches in flight are discarded when they land.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.epoch++
	c.gpus = entry[[]models.GPU]{}
	c.marketplace = entry[[]models.GPU]{}
	c.sessions = entry[[]models.Session]{}
	c.wallet = entry[*models.Wallet]{}
	c.transactions = entry[[]models.Transaction]{}
	c.stats = entry[*models.DashboardStats]{}
	c.mu.Unlock()

	c.reconciler.Reset()
	c.logger.Debug("cache cleared")
}

// GPUs returns the caller's GPU collection
func (c *Cache) GPUs() Entry[[]models.GPU] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gpus.public()
}

// Marketplace returns the available GPU collection
func (c *Cache) Marketplace() Entry[[]models.GPU] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.marketplace.public()
}

// SessionsEntry returns the session collection with its load state
func (c *Cache) SessionsEntry() Entry[[]models.Session] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions.public()
}

// Sessions returns the cached sessions
func (c *Cache) Sessions() []models.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions.data
}

// Wallet returns the cached wallet
func (c *Cache) Wallet() Entry[*models.Wallet] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wallet.public()
}

// Transactions returns the cached ledger entries
func (c *Cache) Transactions() Entry[[]models.Transaction] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transactions.public()
}

// Stats returns the cached server dashboard aggregates
func (c *Cache) Stats() Entry[*models.DashboardStats] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats.public()
}

// Summary recomputes the local aggregates from the cached collections
func (c *Cache) Summary(p *cost.Projector) cost.Summary {
	c.mu.RLock()
	gpus := c.gpus.data
	sessions := c.sessions.data
	txs := c.transactions.data
	c.mu.RUnlock()

	return p.Summary(gpus, sessions, txs)
}

// load runs fetch and applies its result to e unless a newer fetch already
// landed or the cache was cleared meanwhile. It returns the previous data
// and whether the result was applied.
func load[T any](c *Cache, e *entry[T], name string, fetch func() (T, error)) (prev T, applied bool, err error) {
	c.mu.Lock()
	epoch := c.epoch
	e.seq++
	seq := e.seq
	e.loading++
	c.mu.Unlock()

	data, err := fetch()
	metrics.RecordCacheRefetch(name, err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch {
		// Cleared by a logout while in flight; the entry was reset
		return prev, false, err
	}
	e.loading--
	if seq <= e.applied {
		return prev, false, err
	}
	e.applied = seq

	if err != nil {
		e.err = err
		c.logger.Debug("refetch failed", slog.String("collection", name), slog.String("error", err.Error()))
		return prev, false, err
	}

	prev = e.data
	e.data = data
	e.err = nil
	e.updated = c.now()
	return prev, true, nil
}
