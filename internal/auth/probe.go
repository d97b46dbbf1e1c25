package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/labhya/labhya/internal/logging"
	"github.com/labhya/labhya/pkg/models"
)

// ErrRoleUnresolved is returned when neither profile lookup succeeds
var ErrRoleUnresolved = errors.New("could not determine user role")

// ProfileFetcher loads the caller's profile for a role. Implementations must
// not treat a rejection as a reason to log out: a renter asking for the host
// profile is expected to be refused.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, role models.Role) (*models.Profile, error)
}

// ResolveRole determines the role of a freshly logged-in user and records it,
// with the matching profile identity, in the store.
//
// An authoritative hint (the login response role field, then the access token
// role claim) is used when present. Otherwise the host profile is tried, then
// the renter profile. The probe path is audited as "role_probed" so that its
// use stays visible.
func ResolveRole(ctx context.Context, store *Store, fetcher ProfileFetcher, hint string) (models.Role, *models.Profile, error) {
	role, err := models.ParseRole(hint)
	if err != nil {
		if claims, ok := ParseClaims(store.AccessToken()); ok && claims.Role.Valid() {
			role = claims.Role
		}
	}

	if role.Valid() {
		profile, perr := fetcher.FetchProfile(ctx, role)
		if perr != nil {
			logging.Warn(ctx, "profile fetch failed for claimed role",
				slog.String("role", role.String()),
				slog.String("error", perr.Error()))
			profile = nil
		}
		if err := record(ctx, store, role, profile); err != nil {
			return "", nil, err
		}
		return role, profile, nil
	}

	var errs []error
	for _, candidate := range []models.Role{models.RoleHost, models.RoleRenter} {
		profile, perr := fetcher.FetchProfile(ctx, candidate)
		if perr != nil {
			errs = append(errs, fmt.Errorf("%s profile: %w", candidate, perr))
			continue
		}

		logging.Audit(ctx, "role_probed",
			slog.String("role", candidate.String()),
			slog.Int("attempts", len(errs)+1))

		if err := record(ctx, store, candidate, profile); err != nil {
			return "", nil, err
		}
		return candidate, profile, nil
	}

	logging.Audit(ctx, "role_probed", slog.String("role", ""), slog.Int("attempts", len(errs)))
	return "", nil, fmt.Errorf("%w: %w", ErrRoleUnresolved, errors.Join(errs...))
}

func record(ctx context.Context, store *Store, role models.Role, profile *models.Profile) error {
	if err := store.SetRole(ctx, role); err != nil {
		return err
	}
	if profile == nil {
		return nil
	}
	return store.SetIdentity(ctx, Identity{
		UserID:    profile.User.ID,
		Email:     profile.User.Email,
		ProfileID: profile.ID,
	})
}
