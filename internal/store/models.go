package store

import (
	"time"

	"gorm.io/datatypes"
)

// Installation status values
const (
	StatusTrial    = "trial"
	StatusLicensed = "licensed"
	StatusExpired  = "expired"
)

// Audit actions recorded by the license state machine and the key registry
const (
	ActionTrialStarted     = "trial_started"
	ActionTrialExpired     = "trial_expired"
	ActionLicenseActivated = "license_activated"
	ActionKeyIssued        = "key_issued"
	ActionKeyRevoked       = "key_revoked"
)

// KeyPrefixLen is the number of leading key characters stored in clear for
// uniqueness lookups. The rest of the key is only ever persisted as a
// salted hash.
const KeyPrefixLen = 10

// Installation is the single row describing one deployed instance.
//
// Invariant: LicenseKeyHash is set iff Status == licensed. TrialExpiresAt is
// fixed at creation and never mutated afterwards.
type Installation struct {
	ID               uint   `gorm:"primarykey"`
	InstallID        string `gorm:"uniqueIndex;size:64;not null"`
	InstalledAt      time.Time
	TrialExpiresAt   time.Time
	Status           string `gorm:"size:16;not null;default:trial;index"`
	LicenseKeyHash   *string
	LicenseKeyPrefix *string `gorm:"size:10;index"`
	ActivatedAt      *time.Time
	CustomerEmail    *string `gorm:"size:255"`
	LastValidatedAt  *time.Time
}

// IssuedKey is the registry of keys the issuing authority has handed out.
// InstallID is nil for universal keys.
type IssuedKey struct {
	ID            uint    `gorm:"primarykey"`
	KeyHash       string  `gorm:"uniqueIndex;size:64;not null"`
	KeyPrefix     string  `gorm:"size:10;index"`
	InstallID     *string `gorm:"size:64;index"`
	CustomerEmail string  `gorm:"size:255"`
	IssuedAt      time.Time
	IsActive      bool `gorm:"not null;default:true"`
	RevokedAt     *time.Time
}

// Revoked reports whether the key may no longer be used.
func (k *IssuedKey) Revoked() bool {
	return !k.IsActive || k.RevokedAt != nil
}

// ValidationAttempt is an append-only record of one activation attempt.
// Only the truncated key prefix is stored, never the full key.
type ValidationAttempt struct {
	ID                 uint   `gorm:"primarykey"`
	InstallID          string `gorm:"size:64;index:idx_attempt_window,priority:1"`
	AttemptedKeyPrefix string `gorm:"size:10"`
	IPAddress          string `gorm:"size:64"`
	UserAgent          string `gorm:"size:255"`
	Success            bool
	ErrorReason        string    `gorm:"size:64"`
	AttemptedAt        time.Time `gorm:"index:idx_attempt_window,priority:2"`
}

// AuditEntry is an append-only record of a state transition.
type AuditEntry struct {
	ID          uint   `gorm:"primarykey"`
	InstallID   string `gorm:"size:64;index"`
	Action      string `gorm:"size:32;not null"`
	OldStatus   string `gorm:"size:16"`
	NewStatus   string `gorm:"size:16"`
	ActorUserID *string `gorm:"size:64"`
	Details     datatypes.JSON
	Timestamp   time.Time `gorm:"index"`
}
