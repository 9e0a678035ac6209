package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"licgate/internal/license"
	"licgate/internal/services"
)

type statusContextKey struct{}

// WithLicenseStatus stores a license status snapshot in the request context.
func WithLicenseStatus(ctx context.Context, status *services.LicenseStatusResponse) context.Context {
	return context.WithValue(ctx, statusContextKey{}, status)
}

// LicenseStatusFromContext returns the status snapshot resolved by the
// feature gate for this request, or nil when the route was not gated.
func LicenseStatusFromContext(ctx context.Context) *services.LicenseStatusResponse {
	status, _ := ctx.Value(statusContextKey{}).(*services.LicenseStatusResponse)
	return status
}

// gateResponse is the payment-required body returned for blocked requests.
type gateResponse struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	LicenseStatus  string `json:"license_status"`
	ActionRequired string `json:"action_required"`
}

// FeatureGate blocks gated routes for installations without a valid trial or
// license. The status is resolved once per request and memoized in the
// request context; nothing is cached across requests, so an activation takes
// effect on the very next call.
type FeatureGate struct {
	service          services.LicenseService
	logger           *slog.Logger
	defaultInstallID string
	exemptPrefixes   []string
}

// NewFeatureGate creates a feature gate. Exempt prefixes always pass:
// license management itself, health and metrics stay reachable so an expired
// installation can still activate.
func NewFeatureGate(service services.LicenseService, defaultInstallID string, logger *slog.Logger) *FeatureGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeatureGate{
		service:          service,
		logger:           logger.With(slog.String("component", "feature_gate")),
		defaultInstallID: defaultInstallID,
		exemptPrefixes: []string{
			"/api/license",
			"/api/health",
			"/metrics",
		},
	}
}

// Handler enforces the gate.
func (g *FeatureGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		installID := r.Header.Get("X-Install-ID")
		if installID == "" {
			installID = g.defaultInstallID
		}

		status, err := g.service.GetStatus(ctx, installID)
		if err != nil {
			g.logger.WarnContext(ctx, "feature gate blocked request",
				slog.String("path", r.URL.Path),
				slog.String("install_id", installID),
				slog.String("error", err.Error()))
			g.deny(w, license.StatusError, "License state could not be determined.", "retry")
			return
		}

		if !status.IsValid && status.Status != license.StatusError {
			g.logger.InfoContext(ctx, "feature gate blocked request",
				slog.String("path", r.URL.Path),
				slog.String("install_id", installID),
				slog.String("license_status", status.Status))
			g.deny(w, status.Status, "Your trial has expired. Activate a license to restore access.", "activate")
			return
		}

		// Degraded status checks pass, matching the fail-open status path.
		next.ServeHTTP(w, r.WithContext(WithLicenseStatus(ctx, status)))
	})
}

func (g *FeatureGate) isExempt(path string) bool {
	for _, prefix := range g.exemptPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *FeatureGate) deny(w http.ResponseWriter, status, message, action string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(gateResponse{
		Error:          "license_required",
		Message:        message,
		LicenseStatus:  status,
		ActionRequired: action,
	})
}
