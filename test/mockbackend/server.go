// Package mockbackend is an in-memory stand-in for the Labhya marketplace
// backend. It issues real HS256 token pairs, enforces the session lifecycle
// and wallet rules, and exposes /_test control endpoints for fault
// injection, token expiry and clock control.
package mockbackend

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls how the backend behaves toward clients
type Config struct {
	JWTSecret  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// RotateRefresh issues a new refresh token on every refresh and revokes
	// the old one
	RotateRefresh bool
	// RoleClaim embeds the role in access tokens
	RoleClaim bool
	// LoginRole includes the role in the login response body
	LoginRole bool
	// Paginate wraps collections in a {"count", "results"} envelope
	Paginate bool
}

// DefaultConfig returns a configuration that omits every role hint, so that
// clients must probe profiles
func DefaultConfig() Config {
	return Config{
		JWTSecret:  "labhya-dev-secret",
		AccessTTL:  5 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	}
}

// Fault makes matching requests fail before they reach a handler
type Fault struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Status  int    `json:"status"`
	Body    string `json:"body"`
	Times   int    `json:"times"` // 0 = until cleared
	DelayMs int    `json:"delay_ms"`
}

func (f *Fault) matches(c *gin.Context) bool {
	if f.Method != "" && !strings.EqualFold(f.Method, c.Request.Method) {
		return false
	}
	return f.Path == "" || f.Path == c.FullPath() || f.Path == c.Request.URL.Path
}

// Server is the mock backend HTTP server
type Server struct {
	state  *State
	router *gin.Engine
	logger *slog.Logger
	tokens *issuer

	mu     sync.Mutex
	config Config
	faults []*Fault
	calls  map[string]int
}

// ServerOption configures the server
type ServerOption func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithConfig replaces the default behavior configuration
func WithConfig(cfg Config) ServerOption {
	return func(s *Server) {
		s.config = cfg
	}
}

// NewServer creates a mock backend over state
func NewServer(state *State, opts ...ServerOption) *Server {
	if state == nil {
		state = NewState()
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		state:  state,
		router: router,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})),
		config: DefaultConfig(),
		calls:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.JWTSecret == "" {
		s.config.JWTSecret = DefaultConfig().JWTSecret
	}
	s.tokens = newIssuer(state, s.config.JWTSecret)

	s.setupRoutes()
	return s
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// State returns the underlying state for test manipulation
func (s *Server) State() *State {
	return s.state
}

// Config returns the current behavior configuration
func (s *Server) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// SetConfig replaces the behavior configuration. The signing secret is
// fixed at construction.
func (s *Server) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.JWTSecret = s.config.JWTSecret
	s.config = cfg
}

// InjectFault adds a request fault
func (s *Server) InjectFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &f)
}

// ClearFaults removes every fault
func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// Calls returns how often a route was hit, keyed by "METHOD /route/pattern/"
func (s *Server) Calls(method, route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+route]
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api", s.countCalls, s.injectFaults)

	api.POST("/auth/login/", s.handleLogin)
	api.POST("/auth/refresh/", s.handleRefresh)
	api.POST("/auth/register/host/", s.handleRegister)
	api.POST("/auth/register/renter/", s.handleRegister)

	authed := api.Group("", s.authenticate)

	authed.GET("/hosts/", s.handleProfile)
	authed.GET("/renters/", s.handleProfile)
	authed.GET("/hosts/:id/gpus/", s.handleHostGPUs)
	authed.GET("/hosts/:id/sessions/", s.handleHostSessions)
	authed.POST("/hosts/:id/heartbeat/", s.handleHeartbeat)

	authed.GET("/gpus/", s.handleListGPUs)
	authed.POST("/gpus/", s.handleCreateGPU)
	authed.GET("/gpus/available/", s.handleAvailableGPUs)
	authed.GET("/gpus/:id/", s.handleGetGPU)
	authed.PUT("/gpus/:id/", s.handleUpdateGPU)
	authed.PATCH("/gpus/:id/", s.handlePatchGPU)
	authed.DELETE("/gpus/:id/", s.handleDeleteGPU)

	authed.GET("/sessions/", s.handleListSessions)
	authed.POST("/sessions/", s.handleCreateSession)
	authed.GET("/sessions/pending_for_host/", s.handlePendingForHost)
	authed.GET("/sessions/:id/", s.handleGetSession)
	authed.PATCH("/sessions/:id/", s.handlePatchSession)
	authed.DELETE("/sessions/:id/", s.handleDeleteSession)
	authed.POST("/sessions/:id/mark_started/", s.handleMarkStarted)
	authed.POST("/sessions/:id/end_session/", s.handleEndSession)
	authed.POST("/sessions/:id/cancel_session/", s.handleCancelSession)
	authed.GET("/sessions/:id/connection_info/", s.handleConnectionInfo)
	authed.POST("/sessions/:id/update_gpu_metrics/", s.handleUpdateMetrics)
	authed.POST("/sessions/:id/update_connection_status/", s.handleUpdateConnectionStatus)

	authed.GET("/wallets/", s.handleWallet)
	authed.POST("/wallets/add_funds/", s.handleAddFunds)
	authed.POST("/wallets/withdraw_funds/", s.handleWithdrawFunds)
	authed.GET("/transactions/", s.handleTransactions)
	authed.GET("/dashboard/stats/", s.handleDashboardStats)

	// Test control endpoints
	s.router.POST("/_test/reset", s.handleTestReset)
	s.router.POST("/_test/seed", s.handleTestSeed)
	s.router.POST("/_test/config", s.handleTestConfig)
	s.router.POST("/_test/fault", s.handleTestFault)
	s.router.DELETE("/_test/fault", s.handleTestClearFaults)
	s.router.GET("/_test/calls", s.handleTestCalls)
	s.router.POST("/_test/expire_tokens", s.handleTestExpireTokens)
	s.router.POST("/_test/clock", s.handleTestClock)
}

func (s *Server) countCalls(c *gin.Context) {
	s.mu.Lock()
	s.calls[c.Request.Method+" "+c.FullPath()]++
	s.mu.Unlock()
	c.Next()
}

func (s *Server) injectFaults(c *gin.Context) {
	fault := s.takeFault(c)
	if fault == nil {
		c.Next()
		return
	}

	if fault.DelayMs > 0 {
		select {
		case <-time.After(time.Duration(fault.DelayMs) * time.Millisecond):
		case <-c.Request.Context().Done():
			c.Abort()
			return
		}
	}
	if fault.Status == 0 {
		c.Next()
		return
	}

	s.logger.Debug("injecting fault",
		slog.String("path", c.FullPath()),
		slog.Int("status", fault.Status))
	body := fault.Body
	if body == "" {
		body = `{"error":"injected fault"}`
	}
	c.Data(fault.Status, "application/json", []byte(body))
	c.Abort()
}

// takeFault returns the first matching fault and consumes one use of it
func (s *Server) takeFault(c *gin.Context) *Fault {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, f := range s.faults {
		if !f.matches(c) {
			continue
		}
		hit := *f
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				s.faults = append(s.faults[:i], s.faults[i+1:]...)
			}
		}
		return &hit
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"type":   "mock-labhya-backend",
	})
}

// Test control handlers

func (s *Server) handleTestReset(c *gin.Context) {
	s.state.Reset()
	s.mu.Lock()
	s.faults = nil
	s.calls = make(map[string]int)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) handleTestSeed(c *gin.Context) {
	if err := s.state.Seed(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "seeded", "password": SeedPassword})
}

// TestConfig toggles behavior at runtime; nil fields are left unchanged
type TestConfig struct {
	RotateRefresh *bool `json:"rotate_refresh"`
	RoleClaim     *bool `json:"role_claim"`
	LoginRole     *bool `json:"login_role"`
	Paginate      *bool `json:"paginate"`
	AccessTTLSec  *int  `json:"access_ttl_seconds"`
}

func (s *Server) handleTestConfig(c *gin.Context) {
	var tc TestConfig
	if err := c.ShouldBindJSON(&tc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := s.Config()
	if tc.RotateRefresh != nil {
		cfg.RotateRefresh = *tc.RotateRefresh
	}
	if tc.RoleClaim != nil {
		cfg.RoleClaim = *tc.RoleClaim
	}
	if tc.LoginRole != nil {
		cfg.LoginRole = *tc.LoginRole
	}
	if tc.Paginate != nil {
		cfg.Paginate = *tc.Paginate
	}
	if tc.AccessTTLSec != nil && *tc.AccessTTLSec > 0 {
		cfg.AccessTTL = time.Duration(*tc.AccessTTLSec) * time.Second
	}
	s.SetConfig(cfg)

	c.JSON(http.StatusOK, gin.H{"status": "configured"})
}

func (s *Server) handleTestFault(c *gin.Context) {
	var f Fault
	if err := c.ShouldBindJSON(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.InjectFault(f)
	c.JSON(http.StatusOK, gin.H{"status": "injected"})
}

func (s *Server) handleTestClearFaults(c *gin.Context) {
	s.ClearFaults()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) handleTestCalls(c *gin.Context) {
	s.mu.Lock()
	out := make(map[string]int, len(s.calls))
	for k, v := range s.calls {
		out[k] = v
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleTestExpireTokens(c *gin.Context) {
	s.state.ExpireAccessTokens()
	c.JSON(http.StatusOK, gin.H{"status": "expired"})
}

// TestClockRequest advances the backend clock
type TestClockRequest struct {
	AdvanceSeconds int `json:"advance_seconds" binding:"gt=0"`
}

func (s *Server) handleTestClock(c *gin.Context) {
	var req TestClockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.state.Advance(time.Duration(req.AdvanceSeconds) * time.Second)
	c.JSON(http.StatusOK, gin.H{"now": formatTime(s.state.Now())})
}

// Run starts the server on the specified address
func (s *Server) Run(addr string) error {
	s.logger.Info("starting mock backend server", "addr", addr)
	return s.router.Run(addr)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
