package license

import (
	"context"
	"time"

	apperrors "licgate/internal/errors"
	"licgate/internal/store"
)

// RevocationRegistry checks activation keys against the issued-key registry.
//
// The registry is advisory for keys it has never seen: a signature-valid key
// missing from the registry passes when AllowUnregisteredKeys is set. This
// keeps keys issued before the registry existed working. Deployments that
// backfill the registry can disable the policy and reject unknown keys
// outright.
type RevocationRegistry struct {
	allowUnregistered bool
}

// NewRevocationRegistry creates a registry checker with the configured
// unknown-key policy.
func NewRevocationRegistry(allowUnregistered bool) *RevocationRegistry {
	return &RevocationRegistry{allowUnregistered: allowUnregistered}
}

// Check returns ErrKeyRevoked for revoked keys and, under the strict policy,
// ErrInvalidSignature for keys absent from the registry.
func (r *RevocationRegistry) Check(ctx context.Context, s *store.Store, rawKey string) error {
	issued, err := s.GetIssuedKeyByHash(ctx, HashKey(rawKey))
	if err != nil {
		return err
	}

	if issued == nil {
		if r.allowUnregistered {
			return nil
		}
		return apperrors.ErrInvalidSignature
	}

	if issued.Revoked() {
		return apperrors.ErrKeyRevoked
	}
	return nil
}

// Register records a freshly issued key in the registry.
func (r *RevocationRegistry) Register(ctx context.Context, s *store.Store, key FullKey, installID *string, email string, now time.Time) error {
	return s.CreateIssuedKey(ctx, &store.IssuedKey{
		KeyHash:       HashKey(key.Raw()),
		KeyPrefix:     KeyPrefix(key.Formatted()),
		InstallID:     installID,
		CustomerEmail: email,
		IssuedAt:      now,
		IsActive:      true,
	})
}

// Revoke deactivates a key. Returns false when the key is unknown or already
// revoked.
func (r *RevocationRegistry) Revoke(ctx context.Context, s *store.Store, rawKey string, now time.Time) (bool, error) {
	return s.RevokeIssuedKey(ctx, HashKey(rawKey), now)
}
