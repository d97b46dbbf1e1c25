package mockbackend

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/labhya/labhya/pkg/models"
)

// Account is a registered user with exactly one role profile
type Account struct {
	ID           string
	Email        string
	Name         string
	Role         models.Role
	ProfileID    string
	WalletID     string
	passwordHash []byte
}

// GPU is a listed GPU
type GPU struct {
	ID        string
	HostID    string
	Name      string
	Model     string
	MemoryGB  int
	Price     float64
	Location  string
	Available bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session is a rental of one GPU by one renter
type Session struct {
	ID               string
	GPUID            string
	RenterID         string
	HostID           string
	Status           models.SessionStatus
	StartTime        time.Time
	EndTime          time.Time
	TotalCost        float64
	SSHHost          string
	SSHPort          int
	SSHUsername      string
	SSHPassword      string
	ConnectionStatus string
	IsConnected      bool
	Metrics          *models.GPUMetrics
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Wallet holds a profile's balance
type Wallet struct {
	ID        string
	OwnerID   string
	OwnerType models.Role
	Balance   float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is one ledger entry of a wallet
type Transaction struct {
	ID          string
	WalletID    string
	Amount      float64
	Type        models.TransactionType
	Status      models.TransactionStatus
	Description string
	CreatedAt   time.Time
}

// apiError is a business rule failure with its HTTP status
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return e.Message
}

func badRequest(format string, args ...any) error {
	return &apiError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func notFound() error {
	return &apiError{Status: http.StatusNotFound, Message: "Not found."}
}

func forbidden() error {
	return &apiError{Status: http.StatusForbidden, Message: "You do not have permission to perform this action."}
}

// statusOf maps an error from State to an HTTP status
func statusOf(err error) int {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return http.StatusInternalServerError
}

// State is the in-memory remote authority
type State struct {
	mu           sync.RWMutex
	accounts     map[string]*Account // by id
	byEmail      map[string]*Account
	profiles     map[string]*Account // by profile id
	gpus         map[string]*GPU
	sessions     map[string]*Session
	wallets      map[string]*Wallet
	transactions []*Transaction
	heartbeats   map[string]time.Time

	// Token generation; bumping it invalidates every issued access token
	tokenGen       int
	revokedRefresh map[string]bool

	clockOffset time.Duration
	now         func() time.Time
}

// Option configures the state
type Option func(*State)

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(s *State) {
		s.now = fn
	}
}

// NewState creates an empty authority
func NewState(opts ...Option) *State {
	s := &State{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.resetLocked()
	return s
}

func (s *State) resetLocked() {
	s.accounts = make(map[string]*Account)
	s.byEmail = make(map[string]*Account)
	s.profiles = make(map[string]*Account)
	s.gpus = make(map[string]*GPU)
	s.sessions = make(map[string]*Session)
	s.wallets = make(map[string]*Wallet)
	s.transactions = nil
	s.heartbeats = make(map[string]time.Time)
	s.revokedRefresh = make(map[string]bool)
	s.clockOffset = 0
}

// Reset drops every record
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Now returns the authority's clock, including any Advance offset
func (s *State) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowLocked()
}

func (s *State) nowLocked() time.Time {
	return s.now().Add(s.clockOffset).UTC()
}

// Advance moves the authority's clock forward
func (s *State) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clockOffset += d
}

// Seed accounts share this password
const SeedPassword = "password123"

// Seed creates a host with two GPUs and a funded renter
func (s *State) Seed() error {
	host, err := s.Register(models.RoleHost, "Demo Host", "host@example.com", SeedPassword)
	if err != nil {
		return err
	}
	renter, err := s.Register(models.RoleRenter, "Demo Renter", "renter@example.com", SeedPassword)
	if err != nil {
		return err
	}

	for _, in := range []models.GPUInput{
		{Name: "RTX 4090", Model: "NVIDIA GeForce RTX 4090", MemoryGB: 24, PricePerHour: 40, Location: "Bengaluru", Available: true},
		{Name: "A100", Model: "NVIDIA A100 SXM4", MemoryGB: 80, PricePerHour: 150, Location: "Mumbai", Available: true},
	} {
		if _, err := s.CreateGPU(host, in); err != nil {
			return err
		}
	}

	_, err = s.AddFunds(renter, 500, "Welcome credit")
	return err
}

// Register creates an account with a profile and an empty wallet
func (s *State) Register(role models.Role, name, email, password string) (*Account, error) {
	if !role.Valid() {
		return nil, badRequest("invalid role")
	}
	if email == "" || password == "" {
		return nil, badRequest("email and password are required")
	}
	if len(password) < 6 {
		return nil, badRequest("password must be at least 6 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[email]; exists {
		return nil, badRequest("user with this email already exists")
	}

	now := s.nowLocked()
	acct := &Account{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		Role:         role,
		ProfileID:    uuid.NewString(),
		WalletID:     uuid.NewString(),
		passwordHash: hash,
	}
	s.accounts[acct.ID] = acct
	s.byEmail[email] = acct
	s.profiles[acct.ProfileID] = acct
	s.wallets[acct.WalletID] = &Wallet{
		ID:        acct.WalletID,
		OwnerID:   acct.ProfileID,
		OwnerType: role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return acct, nil
}

// Authenticate checks an email and password
func (s *State) Authenticate(email, password string) (*Account, error) {
	s.mu.RLock()
	acct, ok := s.byEmail[email]
	s.mu.RUnlock()

	if !ok || bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(password)) != nil {
		return nil, &apiError{Status: http.StatusUnauthorized, Message: "No active account found with the given credentials"}
	}
	return acct, nil
}

// Account returns the account with id
func (s *State) Account(id string) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	return acct, ok
}

// AccountByEmail returns the account registered with email
func (s *State) AccountByEmail(email string) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.byEmail[email]
	return acct, ok
}

// ExpireAccessTokens invalidates every access token issued so far
func (s *State) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenGen++
}

// TokenGeneration returns the generation access tokens must carry
func (s *State) TokenGeneration() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokenGen
}

// RevokeRefresh blacklists a refresh token id
func (s *State) RevokeRefresh(jti string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedRefresh[jti] = true
}

// RefreshRevoked reports whether a refresh token id was blacklisted
func (s *State) RefreshRevoked(jti string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revokedRefresh[jti]
}

// Profile returns the caller's profile for role; asking for the other role
// is forbidden
func (s *State) Profile(acct *Account, role models.Role) (*Account, *Wallet, error) {
	if acct.Role != role {
		return nil, nil, forbidden()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return acct, s.wallets[acct.WalletID], nil
}

// GPU returns a snapshot of one GPU
func (s *State) GPU(id string) (GPU, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gpus[id]
	if !ok {
		return GPU{}, false
	}
	return *g, true
}

// Session returns a snapshot of one session
func (s *State) Session(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// WalletOf returns the account's wallet
func (s *State) WalletOf(acct *Account) Wallet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.wallets[acct.WalletID]
}

// LastHeartbeat returns when the host profile last reported in
func (s *State) LastHeartbeat(hostID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.heartbeats[hostID]
	return t, ok
}

func sortGPUs(gpus []GPU) {
	sort.Slice(gpus, func(i, j int) bool {
		if !gpus[i].CreatedAt.Equal(gpus[j].CreatedAt) {
			return gpus[i].CreatedAt.Before(gpus[j].CreatedAt)
		}
		return gpus[i].ID < gpus[j].ID
	})
}

func sortSessions(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}
