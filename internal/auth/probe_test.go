package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labhya/labhya/pkg/models"
)

type fakeFetcher struct {
	profiles map[models.Role]*models.Profile
	calls    []models.Role
}

func (f *fakeFetcher) FetchProfile(_ context.Context, role models.Role) (*models.Profile, error) {
	f.calls = append(f.calls, role)
	if p, ok := f.profiles[role]; ok {
		return p, nil
	}
	return nil, errors.New("forbidden")
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestResolveRole_ProbesHostThenRenter(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.SetTokens(ctx, "opaque-token", "r1", ""))

	renter := &models.Profile{ID: "r-1", User: models.User{ID: "u-9", Email: "r@example.com"}}
	f := &fakeFetcher{profiles: map[models.Role]*models.Profile{models.RoleRenter: renter}}

	role, profile, err := ResolveRole(ctx, s, f, "")
	require.NoError(t, err)
	assert.Equal(t, models.RoleRenter, role)
	assert.Equal(t, renter, profile)
	assert.Equal(t, []models.Role{models.RoleHost, models.RoleRenter}, f.calls)

	assert.Equal(t, models.RoleRenter, s.Role())
	assert.Equal(t, "r-1", s.Identity().ProfileID)
}

func TestResolveRole_PrefersHint(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.SetTokens(ctx, "opaque-token", "r1", ""))

	f := &fakeFetcher{profiles: map[models.Role]*models.Profile{
		models.RoleHost:   {ID: "h-1"},
		models.RoleRenter: {ID: "r-1"},
	}}

	role, _, err := ResolveRole(ctx, s, f, "renter")
	require.NoError(t, err)
	assert.Equal(t, models.RoleRenter, role)
	assert.Equal(t, []models.Role{models.RoleRenter}, f.calls)
}

func TestResolveRole_UsesTokenClaim(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	token := signedToken(t, jwt.MapClaims{"role": "HOST", "exp": time.Now().Add(time.Hour).Unix()})
	require.NoError(t, s.SetTokens(ctx, token, "r1", ""))

	f := &fakeFetcher{profiles: map[models.Role]*models.Profile{models.RoleHost: {ID: "h-1"}}}

	role, _, err := ResolveRole(ctx, s, f, "")
	require.NoError(t, err)
	assert.Equal(t, models.RoleHost, role)
	assert.Equal(t, []models.Role{models.RoleHost}, f.calls)
}

func TestResolveRole_Unresolved(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.SetTokens(ctx, "opaque-token", "r1", ""))

	_, _, err := ResolveRole(ctx, s, &fakeFetcher{}, "")
	assert.ErrorIs(t, err, ErrRoleUnresolved)
	assert.Empty(t, s.Role())
	// Failing to resolve a role does not log the user out
	assert.True(t, s.IsAuthenticated())
}

func TestParseClaims(t *testing.T) {
	exp := time.Now().Add(5 * time.Minute).Truncate(time.Second)
	token := signedToken(t, jwt.MapClaims{
		"sub":  "42",
		"role": "RENTER",
		"exp":  exp.Unix(),
	})

	claims, ok := ParseClaims(token)
	require.True(t, ok)
	assert.Equal(t, "42", claims.UserID)
	assert.Equal(t, models.RoleRenter, claims.Role)
	assert.True(t, exp.Equal(claims.ExpiresAt))

	left, ok := ExpiresIn(token, exp.Add(-time.Minute))
	require.True(t, ok)
	assert.Equal(t, time.Minute, left)
}

func TestParseClaims_NumericUserID(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"user_id": 17})

	claims, ok := ParseClaims(token)
	require.True(t, ok)
	assert.Equal(t, "17", claims.UserID)
}

func TestParseClaims_NotJWT(t *testing.T) {
	_, ok := ParseClaims("not-a-jwt")
	assert.False(t, ok)

	_, ok = ExpiresIn("not-a-jwt", time.Now())
	assert.False(t, ok)
}
