package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"licgate/internal/infrastructure"
	"licgate/internal/license"
	"licgate/internal/store"
)

// LicenseService provides business logic for license operations.
type LicenseService interface {
	Initialize(ctx context.Context, installID string) (*LicenseStatusResponse, error)
	GetStatus(ctx context.Context, installID string) (*LicenseStatusResponse, error)
	Activate(ctx context.Context, req ActivateRequest) (*ActivationResponse, error)
	FeatureAccess(ctx context.Context, installID, feature string) (bool, error)
	AuditLog(ctx context.Context, installID string, limit int) (*AuditLogResponse, error)
}

// ActivateRequest carries an activation submission.
type ActivateRequest struct {
	InstallID     string `json:"install_id" validate:"required,min=1,max=64"`
	LicenseKey    string `json:"license_key" validate:"required,min=32,max=64"`
	CustomerEmail string `json:"customer_email" validate:"omitempty,email"`

	// Request metadata, filled by the handler.
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

// LicenseStatusResponse is the standardized license status payload.
type LicenseStatusResponse struct {
	InstallID        string     `json:"install_id"`
	Status           string     `json:"status"` // trial|licensed|expired|error
	IsValid          bool       `json:"is_valid"`
	AlreadyExists    bool       `json:"already_exists,omitempty"`
	Message          string     `json:"message"`
	DaysRemaining    *int       `json:"days_remaining,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	ShowWarning      bool       `json:"show_warning,omitempty"`
	LicenseKeyPrefix string     `json:"license_key_prefix,omitempty"`
	ActivatedAt      *time.Time `json:"activated_at,omitempty"`
	CustomerEmail    string     `json:"customer_email,omitempty"`
	ExpiredAt        *time.Time `json:"expired_at,omitempty"`
	DaysExpired      *int       `json:"days_expired,omitempty"`
	TraceID          string     `json:"trace_id,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
}

// ActivationResponse is returned after a successful activation. Failed
// activations render as problem details instead.
type ActivationResponse struct {
	LicenseStatusResponse
	Success bool   `json:"success"`
	Binding string `json:"binding"` // installation|universal
}

// AuditLogResponse wraps the audit trail for an installation.
type AuditLogResponse struct {
	InstallID string            `json:"install_id"`
	Entries   []AuditLogEntry   `json:"entries"`
	TraceID   string            `json:"trace_id,omitempty"`
}

// AuditLogEntry is a single audit record.
type AuditLogEntry struct {
	Action    string    `json:"action"`
	OldStatus string    `json:"old_status,omitempty"`
	NewStatus string    `json:"new_status,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type licenseService struct {
	manager *license.Manager
	logger  *slog.Logger
}

// NewLicenseService creates the license service.
func NewLicenseService(manager *license.Manager, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		manager: manager,
		logger:  logger.With(slog.String("service", "license")),
	}
}

func traceIDFrom(ctx context.Context) string {
	if id := middleware.GetReqID(ctx); id != "" {
		return id
	}
	return infrastructure.TraceIDFromContext(ctx)
}

// Initialize starts the trial for an installation, or returns the existing
// state when already initialized.
func (s *licenseService) Initialize(ctx context.Context, installID string) (*LicenseStatusResponse, error) {
	traceID := traceIDFrom(ctx)

	s.logger.InfoContext(ctx, "installation initialize requested",
		slog.String("trace_id", traceID),
		slog.String("operation", "initialize"),
		slog.String("install_id", installID))

	snap, err := s.manager.Initialize(ctx, installID)
	if err != nil {
		return nil, err
	}
	return s.statusResponse(snap, traceID), nil
}

// GetStatus returns the current license state for an installation.
func (s *licenseService) GetStatus(ctx context.Context, installID string) (*LicenseStatusResponse, error) {
	traceID := traceIDFrom(ctx)

	snap, err := s.manager.GetStatus(ctx, installID)
	if err != nil {
		return nil, err
	}
	return s.statusResponse(snap, traceID), nil
}

// Activate validates a key and transitions the installation to licensed.
func (s *licenseService) Activate(ctx context.Context, req ActivateRequest) (*ActivationResponse, error) {
	traceID := traceIDFrom(ctx)

	s.logger.InfoContext(ctx, "license activation requested",
		slog.String("trace_id", traceID),
		slog.String("operation", "activate"),
		slog.String("install_id", req.InstallID))

	result, err := s.manager.ActivateLicense(ctx, req.InstallID, req.LicenseKey, req.CustomerEmail, license.ActivationContext{
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	return &ActivationResponse{
		LicenseStatusResponse: *s.statusResponse(result.Snapshot, traceID),
		Success:               true,
		Binding:               string(result.Binding),
	}, nil
}

// FeatureAccess reports whether the installation may use a gated feature.
func (s *licenseService) FeatureAccess(ctx context.Context, installID, feature string) (bool, error) {
	return s.manager.HasFeatureAccess(ctx, installID, feature)
}

// AuditLog returns recent audit entries for an installation.
func (s *licenseService) AuditLog(ctx context.Context, installID string, limit int) (*AuditLogResponse, error) {
	traceID := traceIDFrom(ctx)

	entries, err := s.manager.AuditLog(ctx, installID, limit)
	if err != nil {
		return nil, err
	}

	resp := &AuditLogResponse{
		InstallID: installID,
		Entries:   make([]AuditLogEntry, 0, len(entries)),
		TraceID:   traceID,
	}
	for _, e := range entries {
		entry := AuditLogEntry{
			Action:    e.Action,
			OldStatus: e.OldStatus,
			NewStatus: e.NewStatus,
			Details:   string(e.Details),
			Timestamp: e.Timestamp,
		}
		if e.ActorUserID != nil {
			entry.Actor = *e.ActorUserID
		}
		resp.Entries = append(resp.Entries, entry)
	}
	return resp, nil
}

func (s *licenseService) statusResponse(snap license.Snapshot, traceID string) *LicenseStatusResponse {
	resp := &LicenseStatusResponse{
		InstallID:        snap.InstallID,
		Status:           snap.Status,
		IsValid:          snap.IsValid,
		AlreadyExists:    snap.AlreadyExists,
		ShowWarning:      snap.ShowWarning,
		LicenseKeyPrefix: snap.LicenseKeyPrefix,
		ActivatedAt:      snap.ActivatedAt,
		CustomerEmail:    snap.CustomerEmail,
		TraceID:          traceID,
		Timestamp:        snap.CheckedAt,
	}

	switch snap.Status {
	case store.StatusTrial:
		days := snap.DaysRemaining
		expires := snap.TrialExpiresAt
		resp.DaysRemaining = &days
		resp.ExpiresAt = &expires
		if snap.ShowWarning {
			resp.Message = fmt.Sprintf("Trial expires in %d days. Activate a license to keep full access.", days)
		} else {
			resp.Message = fmt.Sprintf("Trial active, %d days remaining.", days)
		}
	case store.StatusLicensed:
		resp.Message = "License active."
	case store.StatusExpired:
		days := snap.DaysExpired
		resp.DaysExpired = &days
		resp.ExpiredAt = snap.ExpiredAt
		resp.Message = "Trial expired. Activate a license to restore access."
	case license.StatusNotInitialized:
		resp.Message = "Installation is not initialized. Start the trial to begin."
	case license.StatusError:
		resp.Message = "License state is temporarily unavailable."
	}
	return resp
}
