package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labhya/labhya/internal/auth"
	"github.com/labhya/labhya/internal/client"
	"github.com/labhya/labhya/internal/service/cost"
	"github.com/labhya/labhya/internal/service/lifecycle"
	"github.com/labhya/labhya/pkg/models"
)

// fakeAPI serves canned collections and counts calls
type fakeAPI struct {
	mu       sync.Mutex
	calls    map[string]int
	gpus     []models.GPU
	host     []models.GPU
	sessions []models.Session
	wallet   *models.Wallet
	txs      []models.Transaction
	profile  *models.Profile
	conn     *models.ConnectionInfo

	hostErr    error
	listErr    error
	sessionErr error
	createErr  error

	// listHook, if set, runs on the nth ListSessions call and replaces its result
	listHook func(n int) []models.Session
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		calls:   make(map[string]int),
		wallet:  &models.Wallet{ID: "w1", Balance: 100},
		profile: &models.Profile{ID: "h1", User: models.User{ID: "u1", Email: "host@example.com"}},
		conn:    &models.ConnectionInfo{SSHHost: "10.0.0.5", SSHPort: 22, SSHUsername: "renter"},
	}
}

func (f *fakeAPI) hit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) ListGPUs(context.Context) ([]models.GPU, error) {
	f.hit("list_gpus")
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.gpus, nil
}

func (f *fakeAPI) AvailableGPUs(context.Context) ([]models.GPU, error) {
	f.hit("available_gpus")
	var out []models.GPU
	for _, g := range f.gpus {
		if g.Available {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeAPI) HostGPUs(_ context.Context, hostID string) ([]models.GPU, error) {
	f.hit("host_gpus:" + hostID)
	if f.hostErr != nil {
		return nil, f.hostErr
	}
	return f.host, nil
}

func (f *fakeAPI) GetGPU(_ context.Context, id string) (*models.GPU, error) {
	f.hit("get_gpu")
	for _, g := range f.gpus {
		if g.ID == id {
			return &g, nil
		}
	}
	return nil, &client.HTTPError{Status: 404, Message: "Not found."}
}

func (f *fakeAPI) CreateGPU(_ context.Context, input models.GPUInput) (*models.GPU, error) {
	f.hit("create_gpu")
	return &models.GPU{ID: "g-new", Name: input.Name}, nil
}

func (f *fakeAPI) UpdateGPU(_ context.Context, id string, input models.GPUInput) (*models.GPU, error) {
	f.hit("update_gpu")
	return &models.GPU{ID: id, Name: input.Name}, nil
}

func (f *fakeAPI) PatchGPU(_ context.Context, id string, _ models.GPUPatch) (*models.GPU, error) {
	f.hit("patch_gpu")
	return &models.GPU{ID: id}, nil
}

func (f *fakeAPI) DeleteGPU(context.Context, string) error {
	f.hit("delete_gpu")
	return nil
}

func (f *fakeAPI) ListSessions(context.Context) ([]models.Session, error) {
	f.mu.Lock()
	f.calls["list_sessions"]++
	n := f.calls["list_sessions"]
	hook := f.listHook
	sessions := append([]models.Session(nil), f.sessions...)
	f.mu.Unlock()

	if hook != nil {
		return hook(n), nil
	}
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	return sessions, nil
}

func (f *fakeAPI) GetSession(_ context.Context, id string) (*models.Session, error) {
	f.hit("get_session")
	for _, s := range f.sessions {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, &client.HTTPError{Status: 404, Message: "Not found."}
}

func (f *fakeAPI) CreateSession(_ context.Context, gpuID string) (*models.Session, error) {
	f.hit("create_session")
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &models.Session{ID: "s-new", GPU: models.GPU{ID: gpuID}, Status: models.StatusPending}, nil
}

func (f *fakeAPI) MarkStarted(_ context.Context, id string, _ models.MarkStartedRequest) (*models.MarkStartedResponse, error) {
	f.hit("mark_started")
	return &models.MarkStartedResponse{SessionID: id}, nil
}

func (f *fakeAPI) EndSession(_ context.Context, id string) (*models.Session, error) {
	f.hit("end_session")
	return &models.Session{ID: id, Status: models.StatusCompleted}, nil
}

func (f *fakeAPI) CancelSession(_ context.Context, id string) (*models.Session, error) {
	f.hit("cancel_session")
	return &models.Session{ID: id, Status: models.StatusCancelled}, nil
}

func (f *fakeAPI) ConnectionInfo(context.Context, string) (*models.ConnectionInfo, error) {
	f.hit("connection_info")
	return f.conn, nil
}

func (f *fakeAPI) GetWallet(context.Context) (*models.Wallet, error) {
	f.hit("get_wallet")
	return f.wallet, nil
}

func (f *fakeAPI) AddFunds(_ context.Context, amount float64, _ string) (*models.FundsResponse, error) {
	f.hit("add_funds")
	return &models.FundsResponse{NewBalance: f.wallet.Balance + models.Amount(amount)}, nil
}

func (f *fakeAPI) WithdrawFunds(_ context.Context, amount float64, _ string) (*models.FundsResponse, error) {
	f.hit("withdraw_funds")
	return &models.FundsResponse{NewBalance: f.wallet.Balance - models.Amount(amount)}, nil
}

func (f *fakeAPI) ListTransactions(context.Context) ([]models.Transaction, error) {
	f.hit("list_transactions")
	return f.txs, nil
}

func (f *fakeAPI) DashboardStats(context.Context) (*models.DashboardStats, error) {
	f.hit("dashboard_stats")
	return &models.DashboardStats{TotalGPUs: len(f.gpus)}, nil
}

func (f *fakeAPI) HostProfile(context.Context) (*models.Profile, error) {
	f.hit("host_profile")
	return f.profile, nil
}

func newTestCache(t *testing.T, role models.Role) (*Cache, *fakeAPI, *auth.Store) {
	t.Helper()

	store := auth.NewStore()
	require.NoError(t, store.SetTokens(context.Background(), "access", "refresh", role))

	api := newFakeAPI()
	c := New(api, store)
	t.Cleanup(c.Close)
	return c, api, store
}

func TestFetchGPUs_RenterUsesListing(t *testing.T) {
	c, api, _ := newTestCache(t, models.RoleRenter)
	api.gpus = []models.GPU{{ID: "g1"}, {ID: "g2"}}

	require.NoError(t, c.FetchGPUs(context.Background()))

	entry := c.GPUs()
	assert.Len(t, entry.Data, 2)
	assert.False(t, entry.Loading)
	assert.NoError(t, entry.Err)
	assert.False(t, entry.UpdatedAt.IsZero())
	assert.Equal(t, 1, api.count("list_gpus"))
	assert.Equal(t, 0, api.count("host_profile"))
}

func TestFetchGPUs_HostResolvesProfileOnce(t *testing.T) {
	ctx := context.Background()
	c, api, store := newTestCache(t, models.RoleHost)
	api.host = []models.GPU{{ID: "mine"}}

	require.NoError(t, c.FetchGPUs(ctx))
	require.NoError(t, c.FetchGPUs(ctx))

	assert.Equal(t, []models.GPU{{ID: "mine"}}, c.GPUs().Data)
	assert.Equal(t, 1, api.count("host_profile"))
	assert.Equal(t, 2, api.count("host_gpus:h1"))
	assert.Equal(t, "h1", store.Identity().ProfileID)
}

func TestFetchGPUs_HostFallsBackToListing(t *testing.T) {
	c, api, _ := newTestCache(t, models.RoleHost)
	api.hostErr = &client.HTTPError{Status: 404, Message: "Not found."}
	api.gpus = []models.GPU{{ID: "filtered"}}

	require.NoError(t, c.FetchGPUs(context.Background()))

	assert.Equal(t, []models.GPU{{ID: "filtered"}}, c.GPUs().Data)
	assert.Equal(t, 1, api.count("list_gpus"))
}

func TestFetchGPUs_HostAuthFailureDoesNotFallBack(t *testing.T) {
	c, api, _ := newTestCache(t, models.RoleHost)
	api.hostErr = &client.AuthError{Cause: errors.New("rejected")}

	err := c.FetchGPUs(context.Background())
	require.Error(t, err)
	assert.True(t, client.IsAuthFailure(err))
	assert.Equal(t, 0, api.count("list_gpus"))
}

func TestFetch_ErrorKeepsPreviousData(t *testing.T) {
	ctx := context.Background()
	c, api, _ := newTestCache(t, models.RoleRenter)
	api.gpus = []models.GPU{{ID: "g1"}}
	require.NoError(t, c.FetchGPUs(ctx))

	api.listErr = &client.NetworkError{Op: "GET /gpus/", Err: errors.New("connection refused")}
	err := c.FetchGPUs(ctx)
	require.Error(t, err)

	entry := c.GPUs()
	assert.Equal(t, []models.GPU{{ID: "g1"}}, entry.Data)
	assert.True(t, client.IsNetworkError(entry.Err))
}

func TestFetchSessions_ReconcilesAndNotifies(t *testing.T) {
	ctx := context.Background()
	c, api, _ := newTestCache(t, models.RoleRenter)
	api.sessions = []models.Session{
		{ID: "s1", Status: models.StatusActive},
		{ID: "s2", Status: models.StatusPending},
	}

	var got []models.Session
	c.OnSessions(func(_ context.Context, sessions []models.Session) {
		got = sessions
	})

	require.NoError(t, c.FetchSessions(ctx))
	require.NoError(t, c.RefreshSessions(ctx))

	require.Len(t, got, 2)
	assert.Equal(t, "10.0.0.5", got[0].SSHHost)
	assert.Empty(t, got[1].SSHHost)
	assert.Equal(t, 1, api.count("connection_info"))
}

func TestFetchSessions_StaleResponseDiscarded(t *testing.T) {
	ctx := context.Background()
	c, api, _ := newTestCache(t, models.RoleRenter)

	gate := make(chan struct{})
	api.listHook = func(n int) []models.Session {
		if n == 1 {
			<-gate
			return []models.Session{{ID: "stale", Status: models.StatusPending}}
		}
		return []models.Session{{ID: "new", Status: models.StatusCompleted}}
	}

	slow := make(chan error, 1)
	go func() { slow <- c.FetchSessions(ctx) }()
	require.Eventually(t, func() bool { return api.count("list_sessions") == 1 }, time.Second, time.Millisecond)

	// The second fetch starts later but lands first
	require.NoError(t, c.FetchSessions(ctx))
	close(gate)
	require.NoError(t, <-slow)

	sessions := c.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "new", sessions[0].ID)
}

func TestClear_OnLogoutDropsEverything(t *testing.T) {
	ctx := context.Background()
	c, api, store := newTestCache(t, models.RoleRenter)
	api.gpus = []models.GPU{{ID: "g1"}}
	require.NoError(t, c.FetchAll(ctx))
	require.NotNil(t, c.Wallet().Data)

	require.NoError(t, store.Logout(ctx))

	assert.Empty(t, c.GPUs().Data)
	assert.Empty(t, c.Sessions())
	assert.Nil(t, c.Wallet().Data)
	assert.True(t, c.Wallet().UpdatedAt.IsZero())
}

func TestClear_DiscardsFetchInFlight(t *testing.T) {
	ctx := context.Background()
	c, api, store := newTestCache(t, models.RoleRenter)

	gate := make(chan struct{})
	api.listHook = func(int) []models.Session {
		<-gate
		return []models.Session{{ID: "s1", Status: models.StatusPending}}
	}

	done := make(chan error, 1)
	go func() { done <- c.FetchSessions(ctx) }()
	require.Eventually(t, func() bool { return api.count("list_sessions") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, store.Logout(ctx))
	close(gate)
	require.NoError(t, <-done)

	assert.Empty(t, c.Sessions())
	assert.False(t, c.SessionsEntry().Loading)
}

func TestRent_RefusedWhenBalanceTooLow(t *testing.T) {
	c, api, _ := newTestCache(t, models.RoleRenter)
	api.gpus = []models.GPU{{ID: "g1", PricePerHour: 150, Available: true}}

	_, err := c.Rent(context.Background(), "g1")
	require.Error(t, err)

	var insufficient *lifecycle.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, client.IsValidationError(err))
	assert.Equal(t, 0, api.count("create_session"))
	assert.Equal(t, 0, api.count("list_sessions"))
}

func TestRent_RefetchesAfterSuccess(t *testing.T) {
	ctx := context.Background()
	c, api, _ := newTestCache(t, models.RoleRenter)
	api.gpus = []models.GPU{{ID: "g1", PricePerHour: 100, Available: true}}
	require.NoError(t, c.FetchMarketplace(ctx))

	session, err := c.Rent(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, session.Status)

	assert.Equal(t, 1, api.count("create_session"))
	assert.Equal(t, 0, api.count("get_gpu"))
	assert.Equal(t, 1, api.count("list_gpus"))
	assert.Equal(t, 1, api.count("list_sessions"))
	assert.Equal(t, 2, api.count("available_gpus"))
}

func TestRent_PollerSeesLaterStart(t *testing.T) {
	c, api, store := newTestCache(t, models.RoleRenter)
	api.gpus = []models.GPU{{ID: "g1", PricePerHour: 50, Available: true}}
	api.sessions = []models.Session{{ID: "s-new", GPU: models.GPU{ID: "g1"}, Status: models.StatusPending}}

	poller := lifecycle.NewPoller(c,
		lifecycle.WithPollInterval(5*time.Millisecond),
		lifecycle.WithRevoker(store))
	c.OnSessions(poller.Sync)
	defer poller.Stop()

	_, err := c.Rent(context.Background(), "g1")
	require.NoError(t, err)
	require.True(t, poller.Running())

	// The host agent starts the session only after the rent call returned
	time.Sleep(20 * time.Millisecond)
	api.mu.Lock()
	api.sessions = []models.Session{{ID: "s-new", GPU: models.GPU{ID: "g1"}, Status: models.StatusActive, SSHHost: "10.0.0.5", SSHPort: 22}}
	api.mu.Unlock()

	require.Eventually(t, func() bool {
		sessions := c.Sessions()
		return len(sessions) == 1 && sessions[0].Status == models.StatusActive
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !poller.Running() }, time.Second, 5*time.Millisecond)
}

func TestRent_FailureDoesNotRefetch(t *testing.T) {
	c, api, _ := newTestCache(t, models.RoleRenter)
	api.gpus = []models.GPU{{ID: "g1", PricePerHour: 10}}
	api.createErr = &client.HTTPError{Status: 400, Message: "GPU is not available"}

	_, err := c.Rent(context.Background(), "g1")
	require.Error(t, err)
	assert.True(t, client.IsHTTPStatus(err, 400))
	assert.Equal(t, 1, api.count("get_gpu"))
	assert.Equal(t, 0, api.count("list_sessions"))
}

func TestEndAndCancel_CheckLocalStatus(t *testing.T) {
	ctx := context.Background()
	c, api, _ := newTestCache(t, models.RoleRenter)
	api.sessions = []models.Session{
		{ID: "active", Status: models.StatusActive},
		{ID: "pending", Status: models.StatusPending},
	}
	require.NoError(t, c.FetchSessions(ctx))

	_, err := c.CancelSession(ctx, "active")
	var invalid *lifecycle.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 0, api.count("cancel_session"))

	_, err = c.EndSession(ctx, "pending")
	require.ErrorAs(t, err, &invalid)

	ended, err := c.EndSession(ctx, "active")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, ended.Status)

	cancelled, err := c.CancelSession(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	assert.Equal(t, 3, api.count("list_sessions"))
	assert.Equal(t, 0, api.count("get_session"))
}

func TestWithdrawFunds_Validation(t *testing.T) {
	ctx := context.Background()
	c, api, _ := newTestCache(t, models.RoleHost)

	_, err := c.WithdrawFunds(ctx, 0, "")
	assert.True(t, client.IsValidationError(err))

	_, err = c.WithdrawFunds(ctx, 100.01, "")
	assert.True(t, client.IsValidationError(err))
	assert.Equal(t, 0, api.count("withdraw_funds"))

	resp, err := c.WithdrawFunds(ctx, 100, "payout")
	require.NoError(t, err)
	assert.Equal(t, models.Amount(0), resp.NewBalance)
	assert.Equal(t, 1, api.count("withdraw_funds"))
	assert.Equal(t, 1, api.count("list_transactions"))
}

func TestAddFunds_RefetchesWalletAndLedger(t *testing.T) {
	c, api, _ := newTestCache(t, models.RoleRenter)

	_, err := c.AddFunds(context.Background(), -5, "")
	assert.True(t, client.IsValidationError(err))

	_, err = c.AddFunds(context.Background(), 50, "top up")
	require.NoError(t, err)
	assert.Equal(t, 1, api.count("get_wallet"))
	assert.Equal(t, 1, api.count("list_transactions"))
	assert.NotNil(t, c.Wallet().Data)
}

func TestGPUMutations_RefetchGPUs(t *testing.T) {
	ctx := context.Background()
	c, api, _ := newTestCache(t, models.RoleHost)

	_, err := c.CreateGPU(ctx, models.GPUInput{Name: "A100"})
	require.NoError(t, err)
	_, err = c.UpdateGPU(ctx, "g1", models.GPUInput{Name: "A100"})
	require.NoError(t, err)
	_, err = c.PatchGPU(ctx, "g1", models.GPUPatch{})
	require.NoError(t, err)
	require.NoError(t, c.DeleteGPU(ctx, "g1"))

	assert.Equal(t, 4, api.count("host_gpus:h1"))
}

func TestSummary_UsesCachedCollections(t *testing.T) {
	ctx := context.Background()
	c, api, _ := newTestCache(t, models.RoleRenter)
	api.gpus = []models.GPU{{ID: "g1", Available: true}}
	api.sessions = []models.Session{{ID: "s1", Status: models.StatusPending}}
	require.NoError(t, c.FetchAll(ctx))

	sum := c.Summary(cost.NewProjector())
	assert.Equal(t, 1, sum.TotalGPUs)
	assert.Equal(t, 1, sum.PendingSessions)
}
