package mockbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labhya/labhya/internal/agent"
	"github.com/labhya/labhya/internal/agent/gpumon"
	"github.com/labhya/labhya/internal/auth"
	"github.com/labhya/labhya/internal/cache"
	"github.com/labhya/labhya/internal/client"
	"github.com/labhya/labhya/pkg/models"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	state := NewState()
	require.NoError(t, state.Seed())

	server := NewServer(state, WithConfig(cfg))
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return server, ts
}

func newClient(ts *httptest.Server) *client.Client {
	return client.New(auth.NewStore(), client.WithBaseURL(ts.URL+"/api"))
}

func login(t *testing.T, c *client.Client, email string) models.Role {
	t.Helper()
	role, err := c.Login(context.Background(), email, SeedPassword)
	require.NoError(t, err)
	return role
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t, DefaultConfig())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_UnauthenticatedRequest(t *testing.T) {
	_, ts := newTestServer(t, DefaultConfig())

	resp, err := http.Get(ts.URL + "/api/sessions/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogin_ProbesRoleWithoutHints(t *testing.T) {
	server, ts := newTestServer(t, DefaultConfig())
	c := newClient(ts)

	role := login(t, c, "renter@example.com")
	assert.Equal(t, models.RoleRenter, role)
	assert.Equal(t, 1, server.Calls(http.MethodGet, "/api/hosts/"), "host profile is probed first")
	assert.Equal(t, 1, server.Calls(http.MethodGet, "/api/renters/"))

	renter, _ := server.State().AccountByEmail("renter@example.com")
	assert.Equal(t, renter.ProfileID, c.Store().Identity().ProfileID)
	assert.True(t, c.Store().IsAuthenticated(), "a rejected probe never logs out")
}

func TestLogin_UsesRoleClaim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RoleClaim = true
	server, ts := newTestServer(t, cfg)
	c := newClient(ts)

	assert.Equal(t, models.RoleHost, login(t, c, "host@example.com"))
	assert.Equal(t, 1, server.Calls(http.MethodGet, "/api/hosts/"))
	assert.Equal(t, 0, server.Calls(http.MethodGet, "/api/renters/"))
}

func TestLogin_UsesLoginRole(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoginRole = true
	server, ts := newTestServer(t, cfg)
	c := newClient(ts)

	assert.Equal(t, models.RoleRenter, login(t, c, "renter@example.com"))
	assert.Equal(t, 0, server.Calls(http.MethodGet, "/api/hosts/"))
}

func TestLogin_WrongPassword(t *testing.T) {
	_, ts := newTestServer(t, DefaultConfig())
	c := newClient(ts)

	_, err := c.Login(context.Background(), "renter@example.com", "nope")
	require.Error(t, err)
	assert.True(t, client.IsHTTPStatus(err, http.StatusUnauthorized))
	assert.False(t, client.IsAuthFailure(err))
	assert.False(t, c.Store().IsAuthenticated())
}

func TestRegister_LogsIn(t *testing.T) {
	_, ts := newTestServer(t, DefaultConfig())
	c := newClient(ts)

	resp, err := c.Register(context.Background(), models.RoleHost, "New Host", "new@example.com", "secret1")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.HostID)
	assert.Equal(t, models.RoleHost, c.Store().Role())

	profile, err := c.HostProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, resp.HostID, profile.ID)
}

func TestExpiredToken_RefreshesOnce(t *testing.T) {
	server, ts := newTestServer(t, DefaultConfig())
	c := newClient(ts)
	login(t, c, "renter@example.com")
	oldAccess := c.Store().AccessToken()

	postJSON(t, ts, "/_test/expire_tokens", nil)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.ListSessions(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, server.Calls(http.MethodPost, "/api/auth/refresh/"))
	assert.NotEqual(t, oldAccess, c.Store().AccessToken())
	assert.True(t, c.Store().IsAuthenticated())
}

func TestRotatedRefreshToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RotateRefresh = true
	_, ts := newTestServer(t, cfg)
	c := newClient(ts)
	login(t, c, "renter@example.com")
	oldRefresh := c.Store().RefreshToken()

	postJSON(t, ts, "/_test/expire_tokens", nil)
	_, err := c.GetWallet(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, oldRefresh, c.Store().RefreshToken())

	resp := postJSON(t, ts, "/api/auth/refresh/", models.RefreshRequest{Refresh: oldRefresh})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "a rotated refresh token is revoked")
}

func TestRefreshFailure_ForcesLogout(t *testing.T) {
	server, ts := newTestServer(t, DefaultConfig())
	c := newClient(ts)
	login(t, c, "renter@example.com")

	postJSON(t, ts, "/_test/expire_tokens", nil)
	server.InjectFault(Fault{Method: http.MethodPost, Path: "/api/auth/refresh/", Status: http.StatusUnauthorized, Times: 1})

	_, err := c.ListSessions(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrAuthFailure)
	assert.False(t, c.Store().IsAuthenticated())
}

func TestRetryFailure_ForcesLogout(t *testing.T) {
	server, ts := newTestServer(t, DefaultConfig())
	c := newClient(ts)
	login(t, c, "renter@example.com")

	server.InjectFault(Fault{Method: http.MethodGet, Path: "/api/sessions/", Status: http.StatusUnauthorized, Times: 2})

	_, err := c.ListSessions(context.Background())
	require.Error(t, err)
	assert.True(t, client.IsAuthFailure(err))
	assert.Equal(t, 2, server.Calls(http.MethodGet, "/api/sessions/"), "exactly one retry")
	assert.Equal(t, 1, server.Calls(http.MethodPost, "/api/auth/refresh/"))
	assert.False(t, c.Store().IsAuthenticated())
}

func TestServerError_KeepsCredential(t *testing.T) {
	server, ts := newTestServer(t, DefaultConfig())
	c := newClient(ts)
	login(t, c, "renter@example.com")

	server.InjectFault(Fault{Path: "/api/gpus/available/", Status: http.StatusInternalServerError, Times: 1})

	_, err := c.AvailableGPUs(context.Background())
	require.Error(t, err)
	assert.True(t, client.IsHTTPStatus(err, http.StatusInternalServerError))
	assert.True(t, c.Store().IsAuthenticated())

	gpus, err := c.AvailableGPUs(context.Background())
	require.NoError(t, err)
	assert.Len(t, gpus, 2)
}

func TestPaginatedCollections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paginate = true
	_, ts := newTestServer(t, cfg)
	c := newClient(ts)
	login(t, c, "renter@example.com")

	gpus, err := c.AvailableGPUs(context.Background())
	require.NoError(t, err)
	require.Len(t, gpus, 2)
	prices := []models.Amount{gpus[0].PricePerHour, gpus[1].PricePerHour}
	assert.ElementsMatch(t, []models.Amount{40, 150}, prices)

	wallet, err := c.GetWallet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Amount(500), wallet.Balance)
}

// agentSampler reports a fixed utilization sample
type agentSampler struct{}

func (agentSampler) Sample(context.Context) (gpumon.Stats, error) {
	return gpumon.Stats{UtilizationPct: 50, MemoryUsedMB: 1000, MemoryTotalMB: 4000, TemperatureC: 60}, nil
}

func TestRentalFlow_EndToEnd(t *testing.T) {
	server, ts := newTestServer(t, DefaultConfig())
	ctx := context.Background()

	renterClient := newClient(ts)
	login(t, renterClient, "renter@example.com")
	renterCache := cache.New(renterClient, renterClient.Store())
	t.Cleanup(renterCache.Close)
	require.NoError(t, renterCache.FetchAll(ctx))

	market := renterCache.Marketplace().Data
	require.Len(t, market, 2)
	var gpu models.GPU
	for _, g := range market {
		if g.Name == "RTX 4090" {
			gpu = g
		}
	}
	require.NotEmpty(t, gpu.ID)

	sess, err := renterCache.Rent(ctx, gpu.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, sess.Status)
	assert.Len(t, renterCache.Marketplace().Data, 1, "the rented GPU leaves the marketplace")

	// The host agent picks the session up
	hostClient := newClient(ts)
	login(t, hostClient, "host@example.com")
	hostID := hostClient.Store().Identity().ProfileID
	a := agent.New(hostClient,
		agent.WithHostID(hostID),
		agent.WithSSHEndpoint(agent.SSHEndpoint{Host: "10.0.0.5", Port: 2222, Username: "labhya"}),
		agent.WithSampler(agentSampler{}),
		agent.WithPasswordFunc(func() string { return "generated" }))
	require.NoError(t, a.PickupPending(ctx))
	require.NoError(t, a.ReportMetrics(ctx))
	require.NoError(t, a.SendHeartbeat(ctx))
	_, ok := server.State().LastHeartbeat(hostID)
	assert.True(t, ok)

	require.NoError(t, renterCache.RefreshSessions(ctx))
	active := renterCache.Sessions()
	require.Len(t, active, 1)
	assert.Equal(t, models.StatusActive, active[0].Status)
	assert.Equal(t, "10.0.0.5", active[0].SSHHost)
	assert.Equal(t, "generated", active[0].SSHPassword)
	require.NotNil(t, active[0].GPUUtilization)
	assert.Equal(t, 50.0, *active[0].GPUUtilization)

	server.State().Advance(90 * time.Minute)

	ended, err := renterCache.EndSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, ended.Status)
	assert.Equal(t, models.Amount(60), ended.TotalCost)

	require.NotNil(t, renterCache.Wallet().Data)
	assert.Equal(t, models.Amount(440), renterCache.Wallet().Data.Balance)

	hostWallet, err := hostClient.GetWallet(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Amount(60), hostWallet.Balance)

	stats, err := renterClient.DashboardStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Amount(60), stats.TotalSpent)
}

func TestCancelPendingRental(t *testing.T) {
	_, ts := newTestServer(t, DefaultConfig())
	ctx := context.Background()

	c := newClient(ts)
	login(t, c, "renter@example.com")
	rc := cache.New(c, c.Store())
	t.Cleanup(rc.Close)
	require.NoError(t, rc.FetchAll(ctx))

	sess, err := rc.Rent(ctx, rc.Marketplace().Data[0].ID)
	require.NoError(t, err)

	cancelled, err := rc.CancelSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Len(t, rc.Marketplace().Data, 2)
	assert.Equal(t, models.Amount(500), rc.Wallet().Data.Balance)
}

func TestHostGPUManagement(t *testing.T) {
	_, ts := newTestServer(t, DefaultConfig())
	ctx := context.Background()

	c := newClient(ts)
	login(t, c, "host@example.com")
	hc := cache.New(c, c.Store())
	t.Cleanup(hc.Close)
	require.NoError(t, hc.FetchGPUs(ctx))
	require.Len(t, hc.GPUs().Data, 2)

	created, err := hc.CreateGPU(ctx, models.GPUInput{Name: "L4", Model: "NVIDIA L4", MemoryGB: 24, PricePerHour: 20, Location: "Chennai", Available: true})
	require.NoError(t, err)
	assert.Len(t, hc.GPUs().Data, 3)

	price := 25.0
	patched, err := hc.PatchGPU(ctx, created.ID, models.GPUPatch{PricePerHour: &price})
	require.NoError(t, err)
	assert.Equal(t, models.Amount(25), patched.PricePerHour)

	require.NoError(t, hc.DeleteGPU(ctx, created.ID))
	assert.Len(t, hc.GPUs().Data, 2)
}

func TestTestEndpoints(t *testing.T) {
	server, ts := newTestServer(t, DefaultConfig())

	resp := postJSON(t, ts, "/_test/clock", TestClockRequest{AdvanceSeconds: 3600})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts, "/_test/config", map[string]any{"paginate": true, "role_claim": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, server.Config().Paginate)
	assert.True(t, server.Config().RoleClaim)

	resp = postJSON(t, ts, "/_test/fault", Fault{Path: "/api/wallets/", Status: 503, Times: 1})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts, "/_test/reset", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, ok := server.State().AccountByEmail("renter@example.com")
	assert.False(t, ok)
}
