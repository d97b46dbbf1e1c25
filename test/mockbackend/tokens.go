package mockbackend

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// tokenNotValidDetail is the backend's rejection message for any bad token
const tokenNotValidDetail = "Given token not valid for any token type"

var errTokenInvalid = errors.New("token not valid")

// tokenClaims are the claims of both token kinds
type tokenClaims struct {
	UserID     string `json:"user_id"`
	TokenType  string `json:"token_type"`
	Role       string `json:"role,omitempty"`
	Generation int    `json:"gen"`
	jwt.RegisteredClaims
}

// issuer signs and verifies HS256 token pairs against the state's clock
type issuer struct {
	state  *State
	secret []byte
	parser *jwt.Parser
}

func newIssuer(state *State, secret string) *issuer {
	return &issuer{
		state:  state,
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(state.Now),
			jwt.WithExpirationRequired(),
		),
	}
}

func (i *issuer) sign(acct *Account, kind string, ttl time.Duration, withRole bool) (string, string, error) {
	now := i.state.Now()
	claims := tokenClaims{
		UserID:     acct.ID,
		TokenType:  kind,
		Generation: i.state.TokenGeneration(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acct.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if withRole {
		claims.Role = acct.Role.String()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign %s token: %w", kind, err)
	}
	return signed, claims.ID, nil
}

// verify parses a token of the given kind. Access tokens from an earlier
// generation and revoked refresh tokens are rejected.
func (i *issuer) verify(raw, kind string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	_, err := i.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		return nil, errTokenInvalid
	}
	if claims.TokenType != kind {
		return nil, errTokenInvalid
	}
	if kind == tokenTypeAccess && claims.Generation != i.state.TokenGeneration() {
		return nil, errTokenInvalid
	}
	if kind == tokenTypeRefresh && i.state.RefreshRevoked(claims.ID) {
		return nil, errTokenInvalid
	}
	return claims, nil
}
