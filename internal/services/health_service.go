package services

import (
	"context"
	"log/slog"
	"time"

	"licgate/internal/store"
)

// HealthService reports process and dependency health.
type HealthService interface {
	Liveness(ctx context.Context) *HealthResponse
	Readiness(ctx context.Context) (*HealthResponse, bool)
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status    string            `json:"status"` // healthy|degraded
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type healthService struct {
	store   *store.Store
	logger  *slog.Logger
	version string
	started time.Time
}

// NewHealthService creates the health service.
func NewHealthService(s *store.Store, version string, logger *slog.Logger) HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &healthService{
		store:   s,
		logger:  logger.With(slog.String("service", "health")),
		version: version,
		started: time.Now(),
	}
}

// Liveness reports that the process is up. It never checks dependencies.
func (s *healthService) Liveness(ctx context.Context) *HealthResponse {
	return &HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}
}

// Readiness checks the store and reports degraded when it is unreachable.
func (s *healthService) Readiness(ctx context.Context) (*HealthResponse, bool) {
	resp := s.Liveness(ctx)
	resp.Checks = map[string]string{"store": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.store.Ping(checkCtx); err != nil {
		s.logger.WarnContext(ctx, "readiness check failed",
			slog.String("check", "store"),
			slog.String("error", err.Error()))
		resp.Status = "degraded"
		resp.Checks["store"] = err.Error()
		return resp, false
	}
	return resp, true
}
