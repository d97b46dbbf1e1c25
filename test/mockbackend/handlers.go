package mockbackend

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/labhya/labhya/pkg/models"
)

const accountKey = "account"

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": err.Error()})
}

func (s *Server) rejectToken(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"detail": tokenNotValidDetail,
		"code":   "token_not_valid",
	})
}

// collection writes a list, wrapped in a pagination envelope when configured
func (s *Server) collection(c *gin.Context, items []map[string]any) {
	if s.Config().Paginate {
		c.JSON(http.StatusOK, gin.H{
			"count":    len(items),
			"next":     nil,
			"previous": nil,
			"results":  items,
		})
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Authentication credentials were not provided."})
		return
	}

	claims, err := s.tokens.verify(raw, tokenTypeAccess)
	if err != nil {
		s.rejectToken(c)
		return
	}
	acct, found := s.state.Account(claims.UserID)
	if !found {
		s.rejectToken(c)
		return
	}
	c.Set(accountKey, acct)
	c.Next()
}

func account(c *gin.Context) *Account {
	return c.MustGet(accountKey).(*Account)
}

// Auth handlers

func (s *Server) issuePair(acct *Account) (string, string, error) {
	cfg := s.Config()
	access, _, err := s.tokens.sign(acct, tokenTypeAccess, cfg.AccessTTL, cfg.RoleClaim)
	if err != nil {
		return "", "", err
	}
	refresh, _, err := s.tokens.sign(acct, tokenTypeRefresh, cfg.RefreshTTL, false)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (s *Server) handleLogin(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	acct, err := s.state.Authenticate(req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": err.Error()})
		return
	}

	access, refresh, err := s.issuePair(acct)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := models.LoginResponse{Access: access, Refresh: refresh}
	if s.Config().LoginRole {
		resp.Role = acct.Role.String()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req models.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Refresh == "" {
		c.JSON(http.StatusBadRequest, gin.H{"refresh": []string{"This field is required."}})
		return
	}

	claims, err := s.tokens.verify(req.Refresh, tokenTypeRefresh)
	if err != nil {
		s.rejectToken(c)
		return
	}
	acct, found := s.state.Account(claims.UserID)
	if !found {
		s.rejectToken(c)
		return
	}

	cfg := s.Config()
	access, _, err := s.tokens.sign(acct, tokenTypeAccess, cfg.AccessTTL, cfg.RoleClaim)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := models.RefreshResponse{Access: access}
	if cfg.RotateRefresh {
		refresh, _, err := s.tokens.sign(acct, tokenTypeRefresh, cfg.RefreshTTL, false)
		if err != nil {
			s.fail(c, err)
			return
		}
		s.state.RevokeRefresh(claims.ID)
		resp.Refresh = refresh
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRegister(c *gin.Context) {
	role := models.RoleRenter
	if strings.HasSuffix(c.FullPath(), "/host/") {
		role = models.RoleHost
	}

	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	acct, err := s.state.Register(role, req.Name, req.Email, req.Password)
	if err != nil {
		s.fail(c, err)
		return
	}

	access, refresh, err := s.issuePair(acct)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := models.RegisterResponse{
		Message: strings.ToLower(role.String()) + " registered successfully",
		Access:  access,
		Refresh: refresh,
	}
	if role == models.RoleHost {
		resp.HostID = acct.ProfileID
	} else {
		resp.RenterID = acct.ProfileID
	}
	c.JSON(http.StatusCreated, resp)
}

// Profile handlers

func (s *Server) handleProfile(c *gin.Context) {
	role := models.RoleRenter
	if c.FullPath() == "/api/hosts/" {
		role = models.RoleHost
	}

	acct, wallet, err := s.state.Profile(account(c), role)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.collection(c, []map[string]any{renderProfile(acct, wallet)})
}

func (s *Server) handleHostGPUs(c *gin.Context) {
	gpus, err := s.state.HostGPUs(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.collection(c, s.renderGPUs(gpus))
}

func (s *Server) handleHostSessions(c *gin.Context) {
	sessions, err := s.state.HostSessions(account(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.collection(c, s.renderSessions(sessions))
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	seen, err := s.state.Heartbeat(account(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.HeartbeatResponse{Message: "heartbeat received", LastSeen: formatTime(seen)})
}

// GPU handlers

func (s *Server) handleListGPUs(c *gin.Context) {
	s.collection(c, s.renderGPUs(s.state.ListGPUs(account(c))))
}

func (s *Server) handleAvailableGPUs(c *gin.Context) {
	s.collection(c, s.renderGPUs(s.state.AvailableGPUs()))
}

func (s *Server) handleGetGPU(c *gin.Context) {
	g, ok := s.state.GPU(c.Param("id"))
	if !ok {
		s.fail(c, notFound())
		return
	}
	c.JSON(http.StatusOK, s.renderGPU(g))
}

func (s *Server) handleCreateGPU(c *gin.Context) {
	var in models.GPUInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g, err := s.state.CreateGPU(account(c), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.renderGPU(g))
}

func (s *Server) handleUpdateGPU(c *gin.Context) {
	var in models.GPUInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g, err := s.state.UpdateGPU(account(c), c.Param("id"), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.renderGPU(g))
}

func (s *Server) handlePatchGPU(c *gin.Context) {
	var p models.GPUPatch
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g, err := s.state.PatchGPU(account(c), c.Param("id"), p)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.renderGPU(g))
}

func (s *Server) handleDeleteGPU(c *gin.Context) {
	if err := s.state.DeleteGPU(account(c), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Session handlers

func (s *Server) handleListSessions(c *gin.Context) {
	s.collection(c, s.renderSessions(s.state.ListSessions(account(c))))
}

func (s *Server) handlePendingForHost(c *gin.Context) {
	sessions, err := s.state.PendingForHost(account(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.collection(c, s.renderSessions(sessions))
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.state.GetSession(account(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.renderSession(sess))
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.GPU == "" {
		c.JSON(http.StatusBadRequest, gin.H{"gpu": []string{"This field is required."}})
		return
	}
	sess, err := s.state.CreateSession(account(c), req.GPU)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.renderSession(sess))
}

func (s *Server) handlePatchSession(c *gin.Context) {
	var p models.SessionPatch
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := s.state.PatchSession(account(c), c.Param("id"), p)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.renderSession(sess))
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.state.DeleteSession(account(c), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMarkStarted(c *gin.Context) {
	var req models.MarkStartedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := s.state.MarkStarted(account(c), c.Param("id"), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MarkStartedResponse{Message: "Session started", SessionID: sess.ID})
}

func (s *Server) handleEndSession(c *gin.Context) {
	sess, err := s.state.EndSession(account(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.renderSession(sess))
}

func (s *Server) handleCancelSession(c *gin.Context) {
	sess, err := s.state.CancelSession(account(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.renderSession(sess))
}

func (s *Server) handleConnectionInfo(c *gin.Context) {
	sess, err := s.state.GetSession(account(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if sess.Status != models.StatusActive {
		s.fail(c, badRequest("Session is not active"))
		return
	}
	c.JSON(http.StatusOK, models.ConnectionInfo{
		SSHConnectionString: connectionString(sess),
		SSHHost:             sess.SSHHost,
		SSHPort:             sess.SSHPort,
		SSHUsername:         sess.SSHUsername,
		ConnectionStatus:    sess.ConnectionStatus,
		IsConnected:         sess.IsConnected,
	})
}

func (s *Server) handleUpdateMetrics(c *gin.Context) {
	var m models.GPUMetrics
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := s.state.UpdateMetrics(account(c), c.Param("id"), m)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.renderSession(sess))
}

func (s *Server) handleUpdateConnectionStatus(c *gin.Context) {
	var u models.ConnectionStatusUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.state.UpdateConnectionStatus(account(c), c.Param("id"), u); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Connection status updated"})
}

// Wallet handlers

func (s *Server) handleWallet(c *gin.Context) {
	acct := account(c)
	s.collection(c, []map[string]any{renderWallet(acct, s.state.WalletOf(acct))})
}

func (s *Server) handleAddFunds(c *gin.Context) {
	var req models.FundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, err := s.state.AddFunds(account(c), req.Amount, req.Description)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":      "Funds added successfully",
		"new_balance":  decimal(w.Balance),
		"amount_added": decimal(req.Amount),
	})
}

func (s *Server) handleWithdrawFunds(c *gin.Context) {
	var req models.FundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, err := s.state.WithdrawFunds(account(c), req.Amount, req.Description)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":          "Funds withdrawn successfully",
		"new_balance":      decimal(w.Balance),
		"amount_withdrawn": decimal(req.Amount),
	})
}

func (s *Server) handleTransactions(c *gin.Context) {
	acct := account(c)
	s.collection(c, renderTransactions(acct, s.state.Transactions(acct)))
}

func (s *Server) handleDashboardStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.DashboardStats(account(c)))
}
