package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CredentialRecord is the persisted form of the process-wide credential
type CredentialRecord struct {
	AccessToken  string
	RefreshToken string
	Role         string
	UserID       string
	Email        string
	ProfileID    string
	UpdatedAt    time.Time
}

// CredentialStore persists the credential across restarts
type CredentialStore struct {
	db *DB
}

// NewCredentialStore creates a new credential store
func NewCredentialStore(db *DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// Load returns the persisted credential, or ErrNotFound when logged out
func (s *CredentialStore) Load(ctx context.Context) (*CredentialRecord, error) {
	query := `
		SELECT access_token, refresh_token, role, user_id, email, profile_id, updated_at
		FROM credentials
		WHERE id = 1
	`

	rec := &CredentialRecord{}
	err := s.db.QueryRowContext(ctx, query).Scan(
		&rec.AccessToken, &rec.RefreshToken, &rec.Role,
		&rec.UserID, &rec.Email, &rec.ProfileID, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	return rec, nil
}

// Save replaces the persisted credential
func (s *CredentialStore) Save(ctx context.Context, rec *CredentialRecord) error {
	if rec.AccessToken == "" {
		return fmt.Errorf("refusing to persist credential without access token")
	}

	query := `
		INSERT INTO credentials (id, access_token, refresh_token, role, user_id, email, profile_id, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			role = excluded.role,
			user_id = excluded.user_id,
			email = excluded.email,
			profile_id = excluded.profile_id,
			updated_at = excluded.updated_at
	`

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.AccessToken, rec.RefreshToken, rec.Role,
		rec.UserID, rec.Email, rec.ProfileID, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	return nil
}

// Clear removes the persisted credential
func (s *CredentialStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}
