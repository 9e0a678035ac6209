package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"licgate/internal/config"
	apperrors "licgate/internal/errors"
	"licgate/internal/infrastructure"
	"licgate/internal/store"
)

// Transient statuses reported by status checks but never persisted.
const (
	// StatusError is the degraded status reported when the store cannot
	// be read.
	StatusError = "error"
	// StatusNotInitialized is reported before an installation record
	// exists. It counts as valid access while setup is still running.
	StatusNotInitialized = "not_initialized"
)

// Attempt rejection reasons recorded in the attempt log.
const (
	reasonInvalidFormat    = "invalid_format"
	reasonInvalidSignature = "invalid_signature"
	reasonKeyRevoked       = "key_revoked"
	reasonKeyConflict      = "key_conflict"
	reasonAlreadyLicensed  = "already_licensed"
	reasonRateLimited      = "rate_limited"
)

// Essential features stay reachable regardless of license state so a user
// can always see their status and activate.
var essentialFeatures = map[string]bool{
	"login":              true,
	"logout":             true,
	"license_status":     true,
	"license_activation": true,
	"profile_view":       true,
}

// Snapshot is the license state of an installation at a point in time.
type Snapshot struct {
	InstallID        string
	Status           string
	IsValid          bool
	AlreadyExists    bool
	TrialExpiresAt   time.Time
	DaysRemaining    int
	ShowWarning      bool
	LicenseKeyPrefix string
	ActivatedAt      *time.Time
	CustomerEmail    string
	ExpiredAt        *time.Time
	DaysExpired      int
	CheckedAt        time.Time
	// Degraded marks a snapshot produced while the store was unreachable.
	Degraded bool
}

// ActivationContext carries request metadata recorded with each attempt.
type ActivationContext struct {
	IPAddress string
	UserAgent string
}

// ActivationResult is returned after a successful activation.
type ActivationResult struct {
	Snapshot Snapshot
	Binding  Binding
}

// Manager drives the license state machine: trial, licensed, expired.
// All writes that must be atomic run inside a single store transaction.
type Manager struct {
	store      *store.Store
	signer     *KeySigner
	validator  *KeyValidator
	limiter    *AttemptLimiter
	revocation *RevocationRegistry
	audit      *AuditTrail

	trialDays   int
	warningDays int

	logger  *slog.Logger
	metrics *LicenseMetrics
	tracer  trace.Tracer
}

// NewManager creates a license manager. The meter is optional; pass nil to
// run without metrics.
func NewManager(s *store.Store, cfg config.LicenseConfig, logger *slog.Logger, meter metric.Meter) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("license secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	signer := NewKeySigner(cfg.Secret)

	m := &Manager{
		store:       s,
		signer:      signer,
		validator:   NewKeyValidator(signer),
		limiter:     NewAttemptLimiter(cfg.AttemptWindow, cfg.MaxFailedAttempts),
		revocation:  NewRevocationRegistry(cfg.AllowUnregisteredKeys),
		audit:       NewAuditTrail(logger),
		trialDays:   cfg.TrialDays,
		warningDays: cfg.WarningDays,
		logger:      logger,
		tracer:      otel.Tracer(TracerName),
	}

	if meter != nil {
		metrics, err := InitializeLicenseMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize license metrics: %w", err)
		}
		m.metrics = metrics
	}

	return m, nil
}

// Signer exposes the key signer for issuance tooling.
func (m *Manager) Signer() *KeySigner {
	return m.signer
}

// Initialize creates the trial record for an installation. It is idempotent:
// a repeat call returns the existing state without resetting the trial clock.
func (m *Manager) Initialize(ctx context.Context, installID string) (Snapshot, error) {
	ctx, span := m.tracer.Start(ctx, "license.initialize",
		trace.WithAttributes(
			attribute.String("license.operation", "initialize"),
			attribute.String("component", "license_manager"),
		),
	)
	defer span.End()

	if installID == "" {
		installID = uuid.NewString()
	}

	existing, err := m.store.GetInstallation(ctx, installID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Snapshot{}, fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}
	if existing != nil {
		span.SetAttributes(attribute.Bool("license.existing", true))
		snap := m.snapshotOf(ctx, existing, time.Now().UTC())
		snap.AlreadyExists = true
		return snap, nil
	}

	now := time.Now().UTC()
	inst := &store.Installation{
		InstallID:      installID,
		InstalledAt:    now,
		TrialExpiresAt: now.AddDate(0, 0, m.trialDays),
		Status:         store.StatusTrial,
	}

	err = m.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.CreateInstallation(ctx, inst); err != nil {
			return err
		}
		return m.audit.MustRecord(ctx, tx, installID, store.ActionTrialStarted, "", store.StatusTrial, nil, map[string]interface{}{
			"trial_days":       m.trialDays,
			"trial_expires_at": inst.TrialExpiresAt,
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Snapshot{}, fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}

	m.logger.InfoContext(ctx, "trial started",
		slog.String("action", "initialize"),
		slog.String("install_id", installID),
		slog.Time("trial_expires_at", inst.TrialExpiresAt))

	span.SetStatus(codes.Ok, "Trial started")
	return m.snapshotOf(ctx, inst, now), nil
}

// GetStatus returns the current license state. Store failures degrade to an
// error-status snapshot instead of failing so a flaky disk never blocks the
// application from serving.
func (m *Manager) GetStatus(ctx context.Context, installID string) (Snapshot, error) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "license.status",
		trace.WithAttributes(
			attribute.String("license.operation", "status"),
			attribute.String("component", "license_manager"),
		),
	)
	defer span.End()

	now := time.Now().UTC()

	inst, err := m.store.GetInstallation(ctx, installID)
	if err != nil {
		m.logger.ErrorContext(ctx, "status check degraded, store unreachable",
			slog.String("action", "get_status"),
			slog.String("install_id", installID),
			slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.recordStatusMetrics(ctx, time.Since(start), true)
		// Fail open: a storage incident must not lock out a paying user.
		return Snapshot{
			InstallID: installID,
			Status:    StatusError,
			IsValid:   true,
			CheckedAt: now,
			Degraded:  true,
		}, nil
	}
	if inst == nil {
		span.SetAttributes(attribute.String("license.status", StatusNotInitialized))
		span.SetStatus(codes.Ok, "Not initialized")
		m.recordStatusMetrics(ctx, time.Since(start), false)
		return Snapshot{
			InstallID: installID,
			Status:    StatusNotInitialized,
			IsValid:   true,
			CheckedAt: now,
		}, nil
	}

	if inst.Status == store.StatusTrial && now.After(inst.TrialExpiresAt) {
		if err := m.expireTrial(ctx, inst); err != nil {
			// State is still readable, so report expired without the
			// persisted transition.
			m.logger.ErrorContext(ctx, "failed to persist trial expiry",
				slog.String("install_id", installID),
				slog.String("error", err.Error()))
		}
		inst.Status = store.StatusExpired
	}

	if err := m.store.TouchLastValidated(ctx, installID, now); err != nil {
		m.logger.WarnContext(ctx, "failed to update last_validated_at",
			slog.String("install_id", installID),
			slog.String("error", err.Error()))
	}

	snap := m.snapshotOf(ctx, inst, now)
	span.SetAttributes(
		attribute.String("license.status", snap.Status),
		attribute.Bool("license.valid", snap.IsValid),
	)
	span.SetStatus(codes.Ok, "Status check completed")
	m.recordStatusMetrics(ctx, time.Since(start), false)
	return snap, nil
}

func (m *Manager) expireTrial(ctx context.Context, inst *store.Installation) error {
	return m.store.Transaction(ctx, func(tx *store.Store) error {
		expired, err := tx.ExpireTrial(ctx, inst.InstallID)
		if err != nil {
			return err
		}
		if !expired {
			// Another request already recorded the transition.
			return nil
		}
		if m.metrics != nil {
			m.metrics.TrialExpirations.Add(ctx, 1)
		}
		m.logger.InfoContext(ctx, "trial expired",
			slog.String("action", "expire_trial"),
			slog.String("install_id", inst.InstallID),
			slog.Time("trial_expires_at", inst.TrialExpiresAt))
		return m.audit.MustRecord(ctx, tx, inst.InstallID, store.ActionTrialExpired, store.StatusTrial, store.StatusExpired, nil, map[string]interface{}{
			"trial_expires_at": inst.TrialExpiresAt,
		})
	})
}

// ActivateLicense validates a key and transitions the installation to
// licensed. The whole flow, rate limit window included, runs inside one
// transaction so concurrent activations serialize on the installation row.
// A rejected key still commits: the failed-attempt row must survive so the
// rate limit window sees it. Only store failures roll the transaction back.
// Unlike status checks this is fail-closed: any store error rejects the
// activation.
func (m *Manager) ActivateLicense(ctx context.Context, installID, key, email string, reqCtx ActivationContext) (ActivationResult, error) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "license.activation",
		trace.WithAttributes(
			attribute.String("license.operation", "activation"),
			attribute.String("license.key_prefix", maskLicenseKey(key)),
			attribute.String("component", "license_manager"),
		),
	)
	defer span.End()

	var result ActivationResult
	var rejection error
	err := m.store.Transaction(ctx, func(tx *store.Store) error {
		r, err := m.activateInTx(ctx, tx, installID, key, email, reqCtx)
		if err != nil {
			if isRejection(err) {
				rejection = err
				return nil
			}
			return err
		}
		result = r
		return nil
	})
	if err == nil {
		err = rejection
	}

	duration := time.Since(start)
	m.recordActivationMetrics(ctx, duration, err == nil)

	if err != nil {
		m.recordRejectionMetrics(ctx, rejectionReason(err))
		m.logger.WarnContext(ctx, "license activation rejected",
			slog.String("action", "activate_license"),
			slog.String("install_id", installID),
			slog.String("key_prefix", maskLicenseKey(key)),
			slog.String("reason", rejectionReason(err)),
			slog.Duration("duration", duration))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ActivationResult{}, err
	}

	m.logger.InfoContext(ctx, "license activated",
		slog.String("action", "activate_license"),
		slog.String("install_id", installID),
		slog.String("key_prefix", maskLicenseKey(key)),
		slog.String("binding", string(result.Binding)),
		slog.Duration("duration", duration))
	span.SetAttributes(attribute.String("license.binding", string(result.Binding)))
	span.SetStatus(codes.Ok, "License activated")
	infrastructure.AddSpanEvent(ctx, "license.activation.success", map[string]interface{}{
		"key_prefix":     maskLicenseKey(key),
		"binding":        string(result.Binding),
		"audit_category": "license_security",
	})
	return result, nil
}

func (m *Manager) activateInTx(ctx context.Context, tx *store.Store, installID, key, email string, reqCtx ActivationContext) (ActivationResult, error) {
	now := time.Now().UTC()

	inst, err := tx.LockInstallation(ctx, installID)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}
	if inst == nil {
		return ActivationResult{}, apperrors.ErrNotInitialized
	}

	// The rate limit gate runs before any key processing and logs nothing:
	// a rejected request must not extend its own lockout.
	if err := m.limiter.Allow(ctx, tx, installID, now); err != nil {
		return ActivationResult{}, err
	}

	recordFailure := func(reason string) {
		attempt := &store.ValidationAttempt{
			InstallID:          installID,
			AttemptedKeyPrefix: KeyPrefix(FormatKey(NormalizeKey(key))),
			IPAddress:          reqCtx.IPAddress,
			UserAgent:          reqCtx.UserAgent,
			Success:            false,
			ErrorReason:        reason,
			AttemptedAt:        now,
		}
		if err := tx.RecordAttempt(ctx, attempt); err != nil {
			m.logger.ErrorContext(ctx, "failed to record validation attempt",
				slog.String("install_id", installID),
				slog.String("error", err.Error()))
		}
	}

	raw := NormalizeKey(key)
	if !ValidKeyFormat(raw) {
		recordFailure(reasonInvalidFormat)
		return ActivationResult{}, apperrors.ErrInvalidFormat
	}

	// Conflict is checked before the signature so a key already bound to a
	// different installation reports as a conflict, not as invalid.
	prefix := KeyPrefix(FormatKey(raw))
	bound, err := tx.PrefixBoundElsewhere(ctx, prefix, installID)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}
	if bound {
		recordFailure(reasonKeyConflict)
		return ActivationResult{}, apperrors.ErrKeyConflict
	}

	binding, err := m.validator.Validate(key, installID)
	if err != nil {
		recordFailure(rejectionReason(err))
		return ActivationResult{}, err
	}

	if err := m.revocation.Check(ctx, tx, raw); err != nil {
		recordFailure(rejectionReason(err))
		return ActivationResult{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("failed to hash license key: %w", err)
	}

	activated, err := tx.ActivateInstallation(ctx, installID, string(hash), prefix, email, now)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}
	if !activated {
		recordFailure(reasonAlreadyLicensed)
		return ActivationResult{}, apperrors.ErrAlreadyLicensed
	}

	if err := tx.RecordAttempt(ctx, &store.ValidationAttempt{
		InstallID:          installID,
		AttemptedKeyPrefix: prefix,
		IPAddress:          reqCtx.IPAddress,
		UserAgent:          reqCtx.UserAgent,
		Success:            true,
		AttemptedAt:        now,
	}); err != nil {
		return ActivationResult{}, fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}

	if err := m.audit.MustRecord(ctx, tx, installID, store.ActionLicenseActivated, inst.Status, store.StatusLicensed, nil, map[string]interface{}{
		"key_prefix":     prefix,
		"binding":        string(binding),
		"customer_email": email,
	}); err != nil {
		return ActivationResult{}, fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}

	inst.Status = store.StatusLicensed
	inst.LicenseKeyPrefix = &prefix
	inst.ActivatedAt = &now
	if email != "" {
		inst.CustomerEmail = &email
	}

	return ActivationResult{
		Snapshot: m.snapshotOf(ctx, inst, now),
		Binding:  binding,
	}, nil
}

// HasFeatureAccess reports whether the installation may use a gated feature.
// Essential features are always allowed. Trial and licensed installations
// have full access; expired ones do not. A degraded status check allows
// access, matching the fail-open status path.
func (m *Manager) HasFeatureAccess(ctx context.Context, installID, feature string) (bool, error) {
	if essentialFeatures[feature] {
		return true, nil
	}

	snap, err := m.GetStatus(ctx, installID)
	if err != nil {
		return false, err
	}

	switch snap.Status {
	case store.StatusLicensed, store.StatusTrial, StatusNotInitialized:
		return true, nil
	case StatusError:
		m.logger.WarnContext(ctx, "feature access granted on degraded status",
			slog.String("install_id", installID),
			slog.String("feature", feature))
		return true, nil
	default:
		return false, nil
	}
}

// IssueKey generates, signs and registers a new key. A nil installID issues
// a universal key.
func (m *Manager) IssueKey(ctx context.Context, installID *string, email string, actor *string) (FullKey, error) {
	binding := UniversalInstallID
	if installID != nil {
		binding = *installID
	}

	key, err := m.signer.GenerateKey(binding)
	if err != nil {
		return FullKey{}, err
	}

	now := time.Now().UTC()
	err = m.store.Transaction(ctx, func(tx *store.Store) error {
		if err := m.revocation.Register(ctx, tx, key, installID, email, now); err != nil {
			return err
		}
		return m.audit.MustRecord(ctx, tx, binding, store.ActionKeyIssued, "", "", actor, map[string]interface{}{
			"key_prefix":     KeyPrefix(key.Formatted()),
			"customer_email": email,
		})
	})
	if err != nil {
		return FullKey{}, fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}

	m.logger.InfoContext(ctx, "license key issued",
		slog.String("action", "issue_key"),
		slog.String("binding", binding),
		slog.String("key_prefix", KeyPrefix(key.Formatted())))
	return key, nil
}

// RevokeKey deactivates an issued key. Returns false when the key is unknown
// or already revoked.
func (m *Manager) RevokeKey(ctx context.Context, key string, actor *string) (bool, error) {
	now := time.Now().UTC()
	raw := NormalizeKey(key)

	var revoked bool
	err := m.store.Transaction(ctx, func(tx *store.Store) error {
		ok, err := m.revocation.Revoke(ctx, tx, raw, now)
		if err != nil {
			return err
		}
		revoked = ok
		if !ok {
			return nil
		}
		return m.audit.MustRecord(ctx, tx, "", store.ActionKeyRevoked, "", "", actor, map[string]interface{}{
			"key_prefix": KeyPrefix(FormatKey(raw)),
		})
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
	}

	if revoked {
		m.logger.InfoContext(ctx, "license key revoked",
			slog.String("action", "revoke_key"),
			slog.String("key_prefix", KeyPrefix(FormatKey(raw))))
	}
	return revoked, nil
}

// ListIssuedKeys returns the issued-key registry, newest first.
func (m *Manager) ListIssuedKeys(ctx context.Context) ([]store.IssuedKey, error) {
	return m.store.ListIssuedKeys(ctx)
}

// AuditLog returns recent audit entries for an installation.
func (m *Manager) AuditLog(ctx context.Context, installID string, limit int) ([]store.AuditEntry, error) {
	return m.audit.List(ctx, m.store, installID, limit)
}

func (m *Manager) snapshotOf(ctx context.Context, inst *store.Installation, now time.Time) Snapshot {
	snap := Snapshot{
		InstallID:      inst.InstallID,
		Status:         inst.Status,
		TrialExpiresAt: inst.TrialExpiresAt,
		CheckedAt:      now,
	}
	if inst.LicenseKeyPrefix != nil {
		snap.LicenseKeyPrefix = *inst.LicenseKeyPrefix
	}
	if inst.CustomerEmail != nil {
		snap.CustomerEmail = *inst.CustomerEmail
	}
	snap.ActivatedAt = inst.ActivatedAt

	switch inst.Status {
	case store.StatusLicensed:
		snap.IsValid = true
	case store.StatusTrial:
		snap.IsValid = true
		remaining := inst.TrialExpiresAt.Sub(now)
		snap.DaysRemaining = int((remaining + 24*time.Hour - time.Nanosecond) / (24 * time.Hour))
		if snap.DaysRemaining < 0 {
			snap.DaysRemaining = 0
		}
		snap.ShowWarning = snap.DaysRemaining <= m.warningDays
	case store.StatusExpired:
		snap.IsValid = false
		exp := inst.TrialExpiresAt
		snap.ExpiredAt = &exp
		snap.DaysExpired = int(now.Sub(exp) / (24 * time.Hour))
		if snap.DaysExpired < 0 {
			snap.DaysExpired = 0
		}
	}
	return snap
}

// isRejection reports whether an activation error is a verdict on the key
// rather than a store failure. Rejections commit the transaction so their
// attempt rows persist; everything else rolls back.
func isRejection(err error) bool {
	switch {
	case errors.Is(err, apperrors.ErrInvalidFormat),
		errors.Is(err, apperrors.ErrInvalidSignature),
		errors.Is(err, apperrors.ErrRateLimited),
		errors.Is(err, apperrors.ErrKeyRevoked),
		errors.Is(err, apperrors.ErrKeyConflict),
		errors.Is(err, apperrors.ErrAlreadyLicensed),
		errors.Is(err, apperrors.ErrNotInitialized):
		return true
	}
	return false
}

func rejectionReason(err error) string {
	switch apperrors.CodeFor(err) {
	case apperrors.CodeInvalidFormat:
		return reasonInvalidFormat
	case apperrors.CodeInvalidSignature:
		return reasonInvalidSignature
	case apperrors.CodeRateLimited:
		return reasonRateLimited
	case apperrors.CodeKeyRevoked:
		return reasonKeyRevoked
	case apperrors.CodeKeyConflict:
		return reasonKeyConflict
	case apperrors.CodeAlreadyLicensed:
		return reasonAlreadyLicensed
	default:
		return "internal"
	}
}
