package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	TracerName = "license-manager"
	MeterName  = "license-manager"
)

// LicenseMetrics holds all license-specific OpenTelemetry metrics
type LicenseMetrics struct {
	// Activation metrics
	ActivationAttempts metric.Int64Counter
	ActivationSuccess  metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	// Status check metrics
	StatusChecks     metric.Int64Counter
	StatusFailOpens  metric.Int64Counter
	StatusDuration   metric.Float64Histogram
	TrialExpirations metric.Int64Counter

	// Security metrics
	RateLimitHits      metric.Int64Counter
	InvalidKeyAttempts metric.Int64Counter
	RevokedKeyAttempts metric.Int64Counter
	KeyConflicts       metric.Int64Counter
}

// InitializeLicenseMetrics creates all license-specific metrics
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	metrics := &LicenseMetrics{}

	var err error

	// Activation metrics
	metrics.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	metrics.ActivationSuccess, err = meter.Int64Counter(
		"license_activation_success_total",
		metric.WithDescription("Total number of successful license activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation success counter: %w", err)
	}

	metrics.ActivationFailures, err = meter.Int64Counter(
		"license_activation_failures_total",
		metric.WithDescription("Total number of failed license activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation failures counter: %w", err)
	}

	metrics.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("License activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	// Status check metrics
	metrics.StatusChecks, err = meter.Int64Counter(
		"license_status_checks_total",
		metric.WithDescription("Total number of license status checks"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create status checks counter: %w", err)
	}

	metrics.StatusFailOpens, err = meter.Int64Counter(
		"license_status_fail_opens_total",
		metric.WithDescription("Total number of status checks degraded by store failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create status fail opens counter: %w", err)
	}

	metrics.StatusDuration, err = meter.Float64Histogram(
		"license_status_duration_seconds",
		metric.WithDescription("License status check duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create status duration histogram: %w", err)
	}

	metrics.TrialExpirations, err = meter.Int64Counter(
		"license_trial_expirations_total",
		metric.WithDescription("Total number of trial to expired transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trial expirations counter: %w", err)
	}

	// Security metrics
	metrics.RateLimitHits, err = meter.Int64Counter(
		"license_rate_limit_hits_total",
		metric.WithDescription("Total number of rate limit hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit hits counter: %w", err)
	}

	metrics.InvalidKeyAttempts, err = meter.Int64Counter(
		"license_invalid_key_attempts_total",
		metric.WithDescription("Total number of invalid license key attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create invalid key attempts counter: %w", err)
	}

	metrics.RevokedKeyAttempts, err = meter.Int64Counter(
		"license_revoked_key_attempts_total",
		metric.WithDescription("Total number of revoked license key attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create revoked key attempts counter: %w", err)
	}

	metrics.KeyConflicts, err = meter.Int64Counter(
		"license_key_conflicts_total",
		metric.WithDescription("Total number of activations rejected for cross-installation key reuse"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create key conflicts counter: %w", err)
	}

	return metrics, nil
}

// recordActivationMetrics records activation-specific metrics
func (m *Manager) recordActivationMetrics(ctx context.Context, duration time.Duration, success bool) {
	if m.metrics == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("operation", "activation"),
		attribute.String("component", "license_manager"),
	)

	m.metrics.ActivationAttempts.Add(ctx, 1, labels)
	m.metrics.ActivationDuration.Record(ctx, duration.Seconds(), labels)

	if success {
		m.metrics.ActivationSuccess.Add(ctx, 1, labels)
	} else {
		m.metrics.ActivationFailures.Add(ctx, 1, labels)
	}
}

// recordStatusMetrics records status-check metrics
func (m *Manager) recordStatusMetrics(ctx context.Context, duration time.Duration, failOpen bool) {
	if m.metrics == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("operation", "status"),
		attribute.String("component", "license_manager"),
	)

	m.metrics.StatusChecks.Add(ctx, 1, labels)
	m.metrics.StatusDuration.Record(ctx, duration.Seconds(), labels)

	if failOpen {
		m.metrics.StatusFailOpens.Add(ctx, 1, labels)
	}
}

// recordRejectionMetrics classifies an activation rejection for observability
func (m *Manager) recordRejectionMetrics(ctx context.Context, reason string) {
	if m.metrics == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("component", "license_manager"),
	)

	switch reason {
	case reasonRateLimited:
		m.metrics.RateLimitHits.Add(ctx, 1, labels)
	case reasonInvalidFormat, reasonInvalidSignature:
		m.metrics.InvalidKeyAttempts.Add(ctx, 1, labels)
	case reasonKeyRevoked:
		m.metrics.RevokedKeyAttempts.Add(ctx, 1, labels)
	case reasonKeyConflict:
		m.metrics.KeyConflicts.Add(ctx, 1, labels)
	}
}
