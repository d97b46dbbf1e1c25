package mockbackend

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/labhya/labhya/pkg/models"
)

// GPU operations

// ListGPUs returns the host's own GPUs for a host and every GPU for a renter
func (s *State) ListGPUs(acct *Account) []GPU {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []GPU
	for _, g := range s.gpus {
		if acct.Role == models.RoleHost && g.HostID != acct.ProfileID {
			continue
		}
		out = append(out, *g)
	}
	sortGPUs(out)
	return out
}

// AvailableGPUs returns the rentable GPUs
func (s *State) AvailableGPUs() []GPU {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []GPU
	for _, g := range s.gpus {
		if g.Available {
			out = append(out, *g)
		}
	}
	sortGPUs(out)
	return out
}

// HostGPUs returns the GPUs listed by a host profile
func (s *State) HostGPUs(hostID string) ([]GPU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	host, ok := s.profiles[hostID]
	if !ok || host.Role != models.RoleHost {
		return nil, notFound()
	}

	var out []GPU
	for _, g := range s.gpus {
		if g.HostID == hostID {
			out = append(out, *g)
		}
	}
	sortGPUs(out)
	return out, nil
}

// CreateGPU lists a GPU for the calling host
func (s *State) CreateGPU(acct *Account, in models.GPUInput) (GPU, error) {
	if acct.Role != models.RoleHost {
		return GPU{}, forbidden()
	}
	if in.Name == "" || in.MemoryGB <= 0 || in.PricePerHour <= 0 {
		return GPU{}, badRequest("gpu_name, gpu_memory and gpu_price are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowLocked()
	g := &GPU{
		ID:        uuid.NewString(),
		HostID:    acct.ProfileID,
		CreatedAt: now,
	}
	applyGPUInput(g, in)
	g.UpdatedAt = now
	s.gpus[g.ID] = g
	return *g, nil
}

// UpdateGPU replaces a listing owned by the calling host
func (s *State) UpdateGPU(acct *Account, id string, in models.GPUInput) (GPU, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.ownedGPULocked(acct, id)
	if err != nil {
		return GPU{}, err
	}
	applyGPUInput(g, in)
	g.UpdatedAt = s.nowLocked()
	return *g, nil
}

// PatchGPU partially updates a listing owned by the calling host
func (s *State) PatchGPU(acct *Account, id string, p models.GPUPatch) (GPU, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.ownedGPULocked(acct, id)
	if err != nil {
		return GPU{}, err
	}
	if p.Name != nil {
		g.Name = *p.Name
	}
	if p.Model != nil {
		g.Model = *p.Model
	}
	if p.MemoryGB != nil {
		g.MemoryGB = *p.MemoryGB
	}
	if p.PricePerHour != nil {
		g.Price = *p.PricePerHour
	}
	if p.Location != nil {
		g.Location = *p.Location
	}
	if p.Available != nil {
		g.Available = *p.Available
	}
	g.UpdatedAt = s.nowLocked()
	return *g, nil
}

// DeleteGPU removes a listing that no open session references
func (s *State) DeleteGPU(acct *Account, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ownedGPULocked(acct, id); err != nil {
		return err
	}
	for _, sess := range s.sessions {
		if sess.GPUID == id && !sess.Status.IsTerminal() {
			return badRequest("GPU has an open session")
		}
	}
	delete(s.gpus, id)
	return nil
}

func (s *State) ownedGPULocked(acct *Account, id string) (*GPU, error) {
	g, ok := s.gpus[id]
	if !ok {
		return nil, notFound()
	}
	if acct.Role != models.RoleHost || g.HostID != acct.ProfileID {
		return nil, forbidden()
	}
	return g, nil
}

func applyGPUInput(g *GPU, in models.GPUInput) {
	g.Name = in.Name
	g.Model = in.Model
	g.MemoryGB = in.MemoryGB
	g.Price = in.PricePerHour
	g.Location = in.Location
	g.Available = in.Available
}

// Session operations

// ListSessions returns the sessions the caller takes part in, newest first
func (s *State) ListSessions(acct *Account) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionsLocked(func(sess *Session) bool { return s.participantLocked(acct, sess) })
}

// PendingForHost returns the PENDING sessions on the calling host's GPUs
func (s *State) PendingForHost(acct *Account) ([]Session, error) {
	if acct.Role != models.RoleHost {
		return nil, forbidden()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionsLocked(func(sess *Session) bool {
		return sess.HostID == acct.ProfileID && sess.Status == models.StatusPending
	}), nil
}

// HostSessions returns the sessions on one host profile's GPUs
func (s *State) HostSessions(acct *Account, hostID string) ([]Session, error) {
	if acct.Role != models.RoleHost || acct.ProfileID != hostID {
		return nil, forbidden()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionsLocked(func(sess *Session) bool { return sess.HostID == hostID }), nil
}

func (s *State) sessionsLocked(keep func(*Session) bool) []Session {
	var out []Session
	for _, sess := range s.sessions {
		if keep(sess) {
			out = append(out, *sess)
		}
	}
	sortSessions(out)
	return out
}

func (s *State) participantLocked(acct *Account, sess *Session) bool {
	if acct.Role == models.RoleHost {
		return sess.HostID == acct.ProfileID
	}
	return sess.RenterID == acct.ProfileID
}

// GetSession returns a session the caller takes part in
func (s *State) GetSession(acct *Account, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || !s.participantLocked(acct, sess) {
		return Session{}, notFound()
	}
	return *sess, nil
}

// CreateSession rents an available GPU. The renter must be able to afford at
// least one hour.
func (s *State) CreateSession(acct *Account, gpuID string) (Session, error) {
	if acct.Role != models.RoleRenter {
		return Session{}, forbidden()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gpus[gpuID]
	if !ok {
		return Session{}, badRequest("GPU %s does not exist", gpuID)
	}
	if !g.Available {
		return Session{}, badRequest("GPU is not available")
	}
	if w := s.wallets[acct.WalletID]; w.Balance < g.Price {
		return Session{}, badRequest("Insufficient balance")
	}

	now := s.nowLocked()
	sess := &Session{
		ID:        uuid.NewString(),
		GPUID:     g.ID,
		RenterID:  acct.ProfileID,
		HostID:    g.HostID,
		Status:    models.StatusPending,
		StartTime: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = sess
	g.Available = false
	g.UpdatedAt = now
	return *sess, nil
}

// MarkStarted activates a PENDING session on the calling host's GPU
func (s *State) MarkStarted(acct *Account, id string, req models.MarkStartedRequest) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.hostSessionLocked(acct, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Status != models.StatusPending {
		return Session{}, badRequest("Session is not pending")
	}

	now := s.nowLocked()
	sess.Status = models.StatusActive
	sess.StartTime = now
	sess.SSHHost = req.SSHHost
	sess.SSHPort = req.SSHPort
	sess.SSHUsername = req.SSHUsername
	sess.SSHPassword = req.SSHPassword
	sess.ConnectionStatus = "starting"
	sess.UpdatedAt = now
	return *sess, nil
}

// EndSession completes an ACTIVE session and settles its cost
func (s *State) EndSession(acct *Account, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || !s.participantLocked(acct, sess) {
		return Session{}, notFound()
	}
	if acct.Role != models.RoleRenter {
		return Session{}, forbidden()
	}
	if sess.Status != models.StatusActive {
		return Session{}, badRequest("Session is not active")
	}

	now := s.nowLocked()
	hours := now.Sub(sess.StartTime).Hours()
	sess.Status = models.StatusCompleted
	sess.EndTime = now
	sess.TotalCost = billedCost(s.gpus[sess.GPUID], hours)
	sess.IsConnected = false
	sess.ConnectionStatus = "disconnected"
	sess.UpdatedAt = now

	if renter, ok := s.profiles[sess.RenterID]; ok {
		s.postLocked(renter.WalletID, -sess.TotalCost, models.TransactionPayment, fmt.Sprintf("Payment for session %s", sess.ID))
	}
	if host, ok := s.profiles[sess.HostID]; ok {
		s.postLocked(host.WalletID, sess.TotalCost, models.TransactionPayment, fmt.Sprintf("Earnings from session %s", sess.ID))
	}
	s.releaseGPULocked(sess.GPUID)
	return *sess, nil
}

// billedCost rounds price times hours to whole currency units
func billedCost(g *GPU, hours float64) float64 {
	if g == nil || hours <= 0 {
		return 0
	}
	return math.Round(g.Price * hours)
}

// CancelSession cancels a PENDING session; nothing is billed
func (s *State) CancelSession(acct *Account, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || !s.participantLocked(acct, sess) {
		return Session{}, notFound()
	}
	if sess.Status != models.StatusPending {
		return Session{}, badRequest("Only pending sessions can be cancelled")
	}

	now := s.nowLocked()
	sess.Status = models.StatusCancelled
	sess.EndTime = now
	sess.UpdatedAt = now
	s.releaseGPULocked(sess.GPUID)
	return *sess, nil
}

// PatchSession updates the SSH endpoint of a session on the caller's GPU
func (s *State) PatchSession(acct *Account, id string, p models.SessionPatch) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.hostSessionLocked(acct, id)
	if err != nil {
		return Session{}, err
	}
	if p.SSHHost != nil {
		sess.SSHHost = *p.SSHHost
	}
	if p.SSHPort != nil {
		sess.SSHPort = *p.SSHPort
	}
	if p.SSHUsername != nil {
		sess.SSHUsername = *p.SSHUsername
	}
	sess.UpdatedAt = s.nowLocked()
	return *sess, nil
}

// DeleteSession removes a terminal session record
func (s *State) DeleteSession(acct *Account, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || !s.participantLocked(acct, sess) {
		return notFound()
	}
	if !sess.Status.IsTerminal() {
		return badRequest("Only finished sessions can be deleted")
	}
	delete(s.sessions, id)
	return nil
}

// UpdateMetrics records an agent utilization sample on an ACTIVE session
func (s *State) UpdateMetrics(acct *Account, id string, m models.GPUMetrics) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.hostSessionLocked(acct, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Status != models.StatusActive {
		return Session{}, badRequest("Session is not active")
	}
	sess.Metrics = &m
	sess.UpdatedAt = s.nowLocked()
	return *sess, nil
}

// UpdateConnectionStatus records the agent's view of the renter connection
func (s *State) UpdateConnectionStatus(acct *Account, id string, u models.ConnectionStatusUpdate) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.hostSessionLocked(acct, id)
	if err != nil {
		return Session{}, err
	}
	sess.ConnectionStatus = u.ConnectionStatus
	sess.IsConnected = u.IsConnected
	sess.UpdatedAt = s.nowLocked()
	return *sess, nil
}

func (s *State) hostSessionLocked(acct *Account, id string) (*Session, error) {
	sess, ok := s.sessions[id]
	if !ok || !s.participantLocked(acct, sess) {
		return nil, notFound()
	}
	if acct.Role != models.RoleHost {
		return nil, forbidden()
	}
	return sess, nil
}

func (s *State) releaseGPULocked(gpuID string) {
	if g, ok := s.gpus[gpuID]; ok {
		g.Available = true
		g.UpdatedAt = s.nowLocked()
	}
}

// Wallet operations

// AddFunds deposits into the caller's wallet
func (s *State) AddFunds(acct *Account, amount float64, description string) (Wallet, error) {
	if amount <= 0 {
		return Wallet{}, badRequest("Amount must be positive")
	}
	if description == "" {
		description = "Funds added"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.postLocked(acct.WalletID, amount, models.TransactionDeposit, description)
	return *s.wallets[acct.WalletID], nil
}

// WithdrawFunds withdraws from the caller's wallet
func (s *State) WithdrawFunds(acct *Account, amount float64, description string) (Wallet, error) {
	if amount <= 0 {
		return Wallet{}, badRequest("Amount must be positive")
	}
	if description == "" {
		description = "Funds withdrawn"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wallets[acct.WalletID].Balance < amount {
		return Wallet{}, badRequest("Insufficient balance")
	}
	s.postLocked(acct.WalletID, -amount, models.TransactionWithdrawal, description)
	return *s.wallets[acct.WalletID], nil
}

// postLocked appends a completed ledger entry and applies it to the balance
func (s *State) postLocked(walletID string, amount float64, kind models.TransactionType, description string) {
	w, ok := s.wallets[walletID]
	if !ok {
		return
	}
	now := s.nowLocked()
	w.Balance += amount
	w.UpdatedAt = now
	s.transactions = append(s.transactions, &Transaction{
		ID:          uuid.NewString(),
		WalletID:    walletID,
		Amount:      amount,
		Type:        kind,
		Status:      models.TransactionCompleted,
		Description: description,
		CreatedAt:   now,
	})
}

// Transactions returns the caller's ledger, newest first
func (s *State) Transactions(acct *Account) []Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if tx := s.transactions[i]; tx.WalletID == acct.WalletID {
			out = append(out, *tx)
		}
	}
	return out
}

// DashboardStats computes the caller's dashboard aggregates
func (s *State) DashboardStats(acct *Account) models.DashboardStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats models.DashboardStats
	today := s.nowLocked().Truncate(24 * time.Hour)

	if acct.Role == models.RoleHost {
		for _, g := range s.gpus {
			if g.HostID == acct.ProfileID {
				stats.TotalGPUs++
			}
		}
	} else {
		for _, g := range s.gpus {
			if g.Available {
				stats.TotalGPUs++
			}
		}
	}

	for _, sess := range s.sessions {
		if !s.participantLocked(acct, sess) {
			continue
		}
		stats.TotalSessions++
		if sess.Status == models.StatusActive {
			stats.ActiveSessions++
		}
		if acct.Role == models.RoleHost && sess.Status == models.StatusCompleted && !sess.EndTime.Before(today) {
			stats.TodaysEarnings += models.Amount(sess.TotalCost)
		}
	}

	if acct.Role == models.RoleRenter {
		for _, tx := range s.transactions {
			if tx.WalletID == acct.WalletID && tx.Type == models.TransactionPayment && tx.Status == models.TransactionCompleted {
				stats.TotalSpent += models.Amount(math.Abs(tx.Amount))
			}
		}
	}
	return stats
}

// Heartbeat records that a host agent is alive
func (s *State) Heartbeat(acct *Account, hostID string) (time.Time, error) {
	if acct.Role != models.RoleHost || acct.ProfileID != hostID {
		return time.Time{}, forbidden()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowLocked()
	s.heartbeats[hostID] = now
	return now, nil
}
