package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labhya/labhya/internal/auth"
	"github.com/labhya/labhya/internal/logging"
	"github.com/labhya/labhya/pkg/models"
)

// Login exchanges email and password for a token pair, installs it in the
// store and resolves the user's role
func (c *Client) Login(ctx context.Context, email, password string) (models.Role, error) {
	req := models.LoginRequest{Email: strings.TrimSpace(email), Password: password}
	if err := c.Validate(req); err != nil {
		return "", err
	}

	var resp models.LoginResponse
	if err := c.Execute(ctx, http.MethodPost, "/auth/login/", req, &resp, NoRefresh()); err != nil {
		logging.Audit(ctx, "login_failed", slog.String("error", err.Error()))
		return "", err
	}
	if resp.Access == "" {
		return "", fmt.Errorf("login response did not include an access token")
	}

	if err := c.store.SetTokens(ctx, resp.Access, resp.Refresh, ""); err != nil {
		return "", err
	}

	role, _, err := auth.ResolveRole(ctx, c.store, c, resp.Role)
	if err != nil {
		// The tokens are valid; the user stays logged in without a role
		logging.Warn(ctx, "could not determine user role after login", slog.String("error", err.Error()))
		return "", nil
	}

	return role, nil
}

// Register creates a host or renter account and logs it in. The role is
// authoritative: it is the registration endpoint that was called.
func (c *Client) Register(ctx context.Context, role models.Role, name, email, password string) (*models.RegisterResponse, error) {
	if !role.Valid() {
		return nil, &ValidationError{Field: "role", Reason: "must be HOST or RENTER"}
	}

	req := models.RegisterRequest{
		Name:     strings.TrimSpace(name),
		Email:    strings.TrimSpace(email),
		Password: password,
	}
	if err := c.Validate(req); err != nil {
		return nil, err
	}

	var resp models.RegisterResponse
	endpoint := fmt.Sprintf("/auth/register/%s/", role.RegisterPath())
	if err := c.Execute(ctx, http.MethodPost, endpoint, req, &resp, NoRefresh()); err != nil {
		return nil, err
	}
	if resp.Access == "" {
		return nil, fmt.Errorf("registration response did not include an access token")
	}

	if err := c.store.SetTokens(ctx, resp.Access, resp.Refresh, role); err != nil {
		return nil, err
	}

	profileID := resp.RenterID
	if role == models.RoleHost {
		profileID = resp.HostID
	}
	if err := c.store.SetIdentity(ctx, auth.Identity{Email: req.Email, ProfileID: profileID}); err != nil {
		return nil, err
	}

	logging.Audit(ctx, "register", slog.String("role", role.String()))
	return &resp, nil
}

// Logout clears the credential in memory and on disk
func (c *Client) Logout(ctx context.Context) error {
	return c.store.Logout(ctx)
}

// FetchProfile loads the caller's host or renter profile. A rejection is
// returned as an HTTPError and never forces a logout.
func (c *Client) FetchProfile(ctx context.Context, role models.Role) (*models.Profile, error) {
	path := role.ProfilePath()
	if path == "" {
		return nil, &ValidationError{Field: "role", Reason: "must be HOST or RENTER"}
	}

	var out one[models.Profile]
	if err := c.Execute(ctx, http.MethodGet, path, nil, &out, NoRefresh()); err != nil {
		return nil, err
	}
	if !out.found {
		return nil, &HTTPError{Status: http.StatusNotFound, Message: "no " + strings.ToLower(role.String()) + " profile"}
	}
	return &out.value, nil
}

// HostProfile returns the current user's host profile
func (c *Client) HostProfile(ctx context.Context) (*models.Profile, error) {
	var out one[models.Profile]
	if err := c.Execute(ctx, http.MethodGet, "/hosts/", nil, &out); err != nil {
		return nil, err
	}
	if !out.found {
		return nil, &HTTPError{Status: http.StatusNotFound, Message: "no host profile"}
	}
	return &out.value, nil
}

// RenterProfile returns the current user's renter profile
func (c *Client) RenterProfile(ctx context.Context) (*models.Profile, error) {
	var out one[models.Profile]
	if err := c.Execute(ctx, http.MethodGet, "/renters/", nil, &out); err != nil {
		return nil, err
	}
	if !out.found {
		return nil, &HTTPError{Status: http.StatusNotFound, Message: "no renter profile"}
	}
	return &out.value, nil
}
