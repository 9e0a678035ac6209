package license

import (
	"context"
	"log/slog"

	"licgate/internal/store"
)

// AuditTrail records license lifecycle events in the append-only audit log.
// Recording failures outside a transaction are logged and swallowed so an
// audit write never breaks the operation it describes; writes that belong to
// an activation run inside its transaction and fail with it.
type AuditTrail struct {
	logger *slog.Logger
}

// NewAuditTrail creates an audit recorder.
func NewAuditTrail(logger *slog.Logger) *AuditTrail {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditTrail{logger: logger}
}

// MustRecord appends an audit entry and propagates the error. Used inside
// transactions where the audit row must commit with the state change.
func (a *AuditTrail) MustRecord(ctx context.Context, s *store.Store, installID, action, oldStatus, newStatus string, actor *string, details interface{}) error {
	err := s.AppendAudit(ctx, installID, action, oldStatus, newStatus, actor, details)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to append audit entry",
			slog.String("action", action),
			slog.String("install_id", installID),
			slog.String("error", err.Error()))
	}
	return err
}

// List returns the most recent entries for an installation.
func (a *AuditTrail) List(ctx context.Context, s *store.Store, installID string, limit int) ([]store.AuditEntry, error) {
	return s.ListAudit(ctx, installID, limit)
}
