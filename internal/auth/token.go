package auth

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/labhya/labhya/pkg/models"
)

// The client never holds the signing key, so claims are read without
// verification and are only used for display and role hints.
var unverifiedParser = jwt.NewParser()

// TokenClaims holds the claims the client cares about
type TokenClaims struct {
	UserID    string
	Role      models.Role
	ExpiresAt time.Time
}

// ParseClaims decodes the claims of a JWT access token. ok is false when the
// token is not a JWT.
func ParseClaims(token string) (TokenClaims, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := unverifiedParser.ParseUnverified(token, claims); err != nil {
		return TokenClaims{}, false
	}

	var tc TokenClaims
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tc.ExpiresAt = exp.Time
	}
	if sub, err := claims.GetSubject(); err == nil {
		tc.UserID = sub
	}
	if uid, ok := claims["user_id"]; ok && tc.UserID == "" {
		switch v := uid.(type) {
		case string:
			tc.UserID = v
		case float64:
			tc.UserID = formatID(v)
		}
	}
	if raw, ok := claims["role"].(string); ok {
		if role, err := models.ParseRole(raw); err == nil {
			tc.Role = role
		}
	}

	return tc, true
}

// ExpiresIn reports how long the access token remains valid at now.
// ok is false when the token carries no expiry.
func ExpiresIn(token string, now time.Time) (time.Duration, bool) {
	tc, ok := ParseClaims(token)
	if !ok || tc.ExpiresAt.IsZero() {
		return 0, false
	}
	return tc.ExpiresAt.Sub(now), true
}

func formatID(v float64) string {
	return strconv.FormatInt(int64(v), 10)
}
