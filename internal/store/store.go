package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"licgate/internal/config"
)

// Store wraps the relational database holding installations, issued keys,
// validation attempts and the audit trail.
type Store struct {
	db *gorm.DB
	// SQLite has no SELECT ... FOR UPDATE; its single-writer transactions
	// serialize activation anyway, so the locking clause is only applied
	// on drivers that support it.
	supportsRowLock bool
}

// Open connects to the configured database, applies pool settings and runs
// migrations.
func Open(cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	rowLock := false

	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
		rowLock = true
	default:
		if dir := filepath.Dir(cfg.DSN); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &Store{db: db, supportsRowLock: rowLock}
	if err := s.AutoMigrate(); err != nil {
		return nil, err
	}

	logger.Info("license store opened",
		slog.String("driver", cfg.Driver),
		slog.String("dsn", cfg.DSN))

	return s, nil
}

// New wraps an existing gorm handle. Used by tests.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the schema for all license tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(
		&Installation{},
		&IssuedKey{},
		&ValidationAttempt{},
		&AuditEntry{},
	); err != nil {
		return fmt.Errorf("failed to migrate license schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Transaction runs fn inside a database transaction. The Store passed to fn
// shares the transaction handle; all its operations commit or roll back
// together.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, supportsRowLock: s.supportsRowLock})
	})
}

// ---- Installation ----

// GetInstallation loads an installation by install id.
// Returns (nil, nil) when no row exists.
func (s *Store) GetInstallation(ctx context.Context, installID string) (*Installation, error) {
	var inst Installation
	err := s.db.WithContext(ctx).Where("install_id = ?", installID).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load installation: %w", err)
	}
	return &inst, nil
}

// CurrentInstallation returns the installation row for this deployment,
// which is the oldest (and normally only) row. Returns (nil, nil) when the
// deployment has not been initialized.
func (s *Store) CurrentInstallation(ctx context.Context) (*Installation, error) {
	var inst Installation
	err := s.db.WithContext(ctx).Order("id ASC").First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load installation: %w", err)
	}
	return &inst, nil
}

// LockInstallation loads an installation with a row lock when the driver
// supports one. Must be called inside a Transaction.
func (s *Store) LockInstallation(ctx context.Context, installID string) (*Installation, error) {
	q := s.db.WithContext(ctx)
	if s.supportsRowLock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var inst Installation
	err := q.Where("install_id = ?", installID).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock installation: %w", err)
	}
	return &inst, nil
}

// CreateInstallation inserts a new installation row.
func (s *Store) CreateInstallation(ctx context.Context, inst *Installation) error {
	if err := s.db.WithContext(ctx).Create(inst).Error; err != nil {
		return fmt.Errorf("failed to create installation: %w", err)
	}
	return nil
}

// TouchLastValidated updates last_validated_at for the installation.
func (s *Store) TouchLastValidated(ctx context.Context, installID string, t time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&Installation{}).
		Where("install_id = ?", installID).
		Update("last_validated_at", t).Error
	if err != nil {
		return fmt.Errorf("failed to touch last_validated_at: %w", err)
	}
	return nil
}

// ExpireTrial transitions the installation from trial to expired.
// The status guard makes the transition race-safe: only one caller observes
// a true return for a given installation.
func (s *Store) ExpireTrial(ctx context.Context, installID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&Installation{}).
		Where("install_id = ? AND status = ?", installID, StatusTrial).
		Update("status", StatusExpired)
	if res.Error != nil {
		return false, fmt.Errorf("failed to expire trial: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ActivateInstallation performs the conditional licensed transition. The
// status guard ensures at most one concurrent activation wins; the loser
// gets a false return and must report the already-licensed state.
func (s *Store) ActivateInstallation(ctx context.Context, installID, keyHash, keyPrefix, email string, now time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":             StatusLicensed,
		"license_key_hash":   keyHash,
		"license_key_prefix": keyPrefix,
		"activated_at":       now,
		"customer_email":     email,
	}

	res := s.db.WithContext(ctx).
		Model(&Installation{}).
		Where("install_id = ? AND status <> ?", installID, StatusLicensed).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to activate installation: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// PrefixBoundElsewhere reports whether the key prefix is already bound to a
// different installation.
func (s *Store) PrefixBoundElsewhere(ctx context.Context, keyPrefix, installID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Installation{}).
		Where("license_key_prefix = ? AND install_id <> ?", keyPrefix, installID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check key prefix uniqueness: %w", err)
	}
	return count > 0, nil
}

// ---- ValidationAttempt ----

// CountRecentFailures counts failed attempts for the installation since the
// given cutoff.
func (s *Store) CountRecentFailures(ctx context.Context, installID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ValidationAttempt{}).
		Where("install_id = ? AND success = ? AND attempted_at >= ?", installID, false, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count validation failures: %w", err)
	}
	return count, nil
}

// RecordAttempt appends a validation attempt row.
func (s *Store) RecordAttempt(ctx context.Context, attempt *ValidationAttempt) error {
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now().UTC()
	}
	if len(attempt.AttemptedKeyPrefix) > KeyPrefixLen {
		attempt.AttemptedKeyPrefix = attempt.AttemptedKeyPrefix[:KeyPrefixLen]
	}
	if err := s.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("failed to record validation attempt: %w", err)
	}
	return nil
}

// ---- IssuedKey ----

// CreateIssuedKey inserts a registry row for a freshly issued key.
func (s *Store) CreateIssuedKey(ctx context.Context, key *IssuedKey) error {
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("failed to create issued key: %w", err)
	}
	return nil
}

// GetIssuedKeyByHash looks up an issued key by its hash.
// Returns (nil, nil) when the key is not in the registry.
func (s *Store) GetIssuedKeyByHash(ctx context.Context, keyHash string) (*IssuedKey, error) {
	var key IssuedKey
	err := s.db.WithContext(ctx).Where("key_hash = ?", keyHash).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load issued key: %w", err)
	}
	return &key, nil
}

// RevokeIssuedKey marks an issued key inactive. Returns false when no active
// key with the hash exists.
func (s *Store) RevokeIssuedKey(ctx context.Context, keyHash string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&IssuedKey{}).
		Where("key_hash = ? AND is_active = ?", keyHash, true).
		Updates(map[string]interface{}{"is_active": false, "revoked_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("failed to revoke issued key: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListIssuedKeys returns all registry rows, newest first.
func (s *Store) ListIssuedKeys(ctx context.Context) ([]IssuedKey, error) {
	var keys []IssuedKey
	err := s.db.WithContext(ctx).Order("issued_at DESC").Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list issued keys: %w", err)
	}
	return keys, nil
}

// ---- AuditEntry ----

// AppendAudit appends an audit trail entry. Details accepts any
// JSON-marshalable payload.
func (s *Store) AppendAudit(ctx context.Context, installID, action, oldStatus, newStatus string, actor *string, details interface{}) error {
	entry := AuditEntry{
		InstallID:   installID,
		Action:      action,
		OldStatus:   oldStatus,
		NewStatus:   newStatus,
		ActorUserID: actor,
		Timestamp:   time.Now().UTC(),
	}

	if details != nil {
		payload, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		entry.Details = payload
	}

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries for an installation.
func (s *Store) ListAudit(ctx context.Context, installID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []AuditEntry
	err := s.db.WithContext(ctx).
		Where("install_id = ?", installID).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}
