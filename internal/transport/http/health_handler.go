package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"licgate/internal/services"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	service services.HealthService
	logger  *slog.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(service services.HealthService, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// Routes returns the health router.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.HandleLiveness)
	r.Get("/ready", h.HandleReadiness)
	return r
}

// HandleLiveness reports that the process is running.
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, h.service.Liveness(r.Context()))
}

// HandleReadiness reports dependency health. Returns 503 when the store is
// unreachable so load balancers stop routing traffic here.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	resp, ready := h.service.Readiness(r.Context())
	if !ready {
		render.Status(r, http.StatusServiceUnavailable)
	} else {
		render.Status(r, http.StatusOK)
	}
	render.JSON(w, r, resp)
}
