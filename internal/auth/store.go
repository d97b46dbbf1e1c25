// Package auth owns the process-wide credential: the access/refresh token pair,
// the resolved role and the derived authentication flag.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/labhya/labhya/internal/logging"
	"github.com/labhya/labhya/internal/storage"
	"github.com/labhya/labhya/pkg/models"
)

// ErrNotAuthenticated is returned when an operation requires a logged-in credential
var ErrNotAuthenticated = errors.New("not authenticated")

// Credential is a point-in-time copy of the credential state.
// IsAuthenticated true implies AccessToken is non-empty.
type Credential struct {
	AccessToken     string
	RefreshToken    string
	Role            models.Role
	IsAuthenticated bool
}

// Identity describes the logged-in user as far as the client knows it
type Identity struct {
	UserID    string
	Email     string
	ProfileID string
}

// Persister stores the credential across process restarts
type Persister interface {
	Load(ctx context.Context) (*storage.CredentialRecord, error)
	Save(ctx context.Context, rec *storage.CredentialRecord) error
	Clear(ctx context.Context) error
}

// Store is the single mutable credential container shared by the request
// pipeline, the lifecycle controller and the cache. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	cred     Credential
	identity Identity
	revoked  chan struct{}

	persister Persister
	logger    *slog.Logger

	subMu     sync.Mutex
	nextSub   int
	listeners map[int]func()
}

// Option configures the store
type Option func(*Store)

// WithPersister enables persistence of the credential
func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates an empty, logged-out store
func NewStore(opts ...Option) *Store {
	s := &Store{
		revoked:   make(chan struct{}),
		logger:    slog.Default(),
		listeners: make(map[int]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads a previously persisted credential. A missing record leaves
// the store logged out and is not an error.
func (s *Store) Restore(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	rec, err := s.persister.Load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to restore credentials: %w", err)
	}

	role, _ := models.ParseRole(rec.Role)

	s.mu.Lock()
	s.cred = Credential{
		AccessToken:     rec.AccessToken,
		RefreshToken:    rec.RefreshToken,
		Role:            role,
		IsAuthenticated: rec.AccessToken != "",
	}
	s.identity = Identity{UserID: rec.UserID, Email: rec.Email, ProfileID: rec.ProfileID}
	s.mu.Unlock()

	s.logger.Debug("credentials restored", slog.String("role", role.String()))
	return nil
}

// Snapshot returns a copy of the current credential
func (s *Store) Snapshot() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

// AccessToken returns the current access token, empty when logged out
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.AccessToken
}

// RefreshToken returns the current refresh token
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.RefreshToken
}

// Role returns the resolved role, empty if unknown
func (s *Store) Role() models.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.Role
}

// IsAuthenticated reports whether a credential is held
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.IsAuthenticated
}

// Identity returns what is known about the logged-in user
func (s *Store) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Revoked returns a channel closed at the next logout. Callers that started
// work under the current credential select on it to stop.
func (s *Store) Revoked() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revoked
}

// SetTokens installs a fresh credential after login or registration
func (s *Store) SetTokens(ctx context.Context, access, refresh string, role models.Role) error {
	if access == "" {
		return fmt.Errorf("access token is required")
	}

	s.mu.Lock()
	s.cred = Credential{
		AccessToken:     access,
		RefreshToken:    refresh,
		Role:            role,
		IsAuthenticated: true,
	}
	s.identity = Identity{}
	s.mu.Unlock()

	logging.Audit(ctx, "login", slog.String("role", role.String()))
	return s.persist(ctx)
}

// SetRole records the role once it has been resolved
func (s *Store) SetRole(ctx context.Context, role models.Role) error {
	s.mu.Lock()
	if !s.cred.IsAuthenticated {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	s.cred.Role = role
	s.mu.Unlock()
	return s.persist(ctx)
}

// SetIdentity records the user and profile ids resolved from the backend
func (s *Store) SetIdentity(ctx context.Context, id Identity) error {
	s.mu.Lock()
	if !s.cred.IsAuthenticated {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	s.identity = id
	s.mu.Unlock()
	return s.persist(ctx)
}

// UpdateAccess replaces the access token after a refresh. The refresh token
// only changes when the backend rotated it. A logout that raced the refresh
// wins: the new token is discarded and ErrNotAuthenticated returned.
func (s *Store) UpdateAccess(ctx context.Context, access, rotatedRefresh string) error {
	if access == "" {
		return fmt.Errorf("access token is required")
	}

	s.mu.Lock()
	if !s.cred.IsAuthenticated {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	s.cred.AccessToken = access
	if rotatedRefresh != "" {
		s.cred.RefreshToken = rotatedRefresh
	}
	s.mu.Unlock()

	logging.Audit(ctx, "token_refreshed", slog.Bool("rotated", rotatedRefresh != ""))
	return s.persist(ctx)
}

// Logout clears the credential everywhere and notifies subscribers
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	wasAuthenticated := s.cred.IsAuthenticated
	s.cred = Credential{}
	s.identity = Identity{}
	close(s.revoked)
	s.revoked = make(chan struct{})
	s.mu.Unlock()

	var err error
	if s.persister != nil {
		if cerr := s.persister.Clear(ctx); cerr != nil {
			err = fmt.Errorf("failed to clear persisted credentials: %w", cerr)
		}
	}

	if wasAuthenticated {
		logging.Audit(ctx, "logout")
	}

	s.subMu.Lock()
	listeners := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.subMu.Unlock()

	for _, fn := range listeners {
		fn()
	}

	return err
}

// OnLogout registers fn to run after every logout. The returned function
// removes the registration.
func (s *Store) OnLogout(fn func()) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) persist(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	s.mu.RLock()
	cred := s.cred
	id := s.identity
	s.mu.RUnlock()

	if !cred.IsAuthenticated {
		return nil
	}

	err := s.persister.Save(ctx, &storage.CredentialRecord{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Role:         cred.Role.String(),
		UserID:       id.UserID,
		Email:        id.Email,
		ProfileID:    id.ProfileID,
	})
	if err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}
	return nil
}
