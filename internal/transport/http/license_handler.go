package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "licgate/internal/errors"
	"licgate/internal/infrastructure"
	"licgate/internal/middleware"
	"licgate/internal/services"
)

// LicenseHandler serves the license management API.
type LicenseHandler struct {
	service  services.LicenseService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewLicenseHandler creates a license API handler.
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LicenseHandler{
		service:  service,
		logger:   logger.With(slog.String("handler", "license")),
		validate: validator.New(),
		tracer:   otel.Tracer("license-handler"),
	}
}

// Routes returns the license API router.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/initialize", h.HandleInitialize)
	r.Get("/status", h.HandleStatus)
	r.Post("/activate", h.HandleActivate)
	r.Get("/audit", h.HandleAudit)
	return r
}

type initializeRequest struct {
	InstallID string `json:"install_id" validate:"omitempty,max=64"`
}

// HandleInitialize starts the trial for an installation. Idempotent. When no
// install_id is supplied the server generates one and returns it.
func (h *LicenseHandler) HandleInitialize(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license.handler.initialize",
		trace.WithAttributes(attribute.String("http.route", "/api/license/initialize")))
	defer span.End()

	var req initializeRequest
	if r.ContentLength > 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			h.renderProblem(w, r, apperrors.NewProblemDetails(
				http.StatusBadRequest, "/errors/invalid-request", "Invalid Request",
				"Request body is not valid JSON", r.URL.Path,
			).WithExtension("trace_id", infrastructure.GetTraceID(ctx)))
			return
		}
	}
	if err := h.validate.Struct(req); err != nil {
		h.renderProblem(w, r, apperrors.NewProblemDetails(
			http.StatusBadRequest, "/errors/invalid-request", "Invalid Request",
			"install_id must be at most 64 characters", r.URL.Path,
		).WithExtension("trace_id", infrastructure.GetTraceID(ctx)))
		return
	}
	if req.InstallID == "" {
		req.InstallID = r.Header.Get("X-Install-ID")
	}

	resp, err := h.service.Initialize(ctx, req.InstallID)
	if err != nil {
		h.handleError(ctx, w, r, span, err)
		return
	}

	span.SetStatus(codes.Ok, "initialized")
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// HandleStatus returns the license state for an installation.
func (h *LicenseHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license.handler.status",
		trace.WithAttributes(attribute.String("http.route", "/api/license/status")))
	defer span.End()

	installID := r.URL.Query().Get("install_id")
	if installID == "" {
		installID = r.Header.Get("X-Install-ID")
	}
	if installID == "" {
		h.renderProblem(w, r, apperrors.NewProblemDetails(
			http.StatusBadRequest, "/errors/invalid-request", "Invalid Request",
			"install_id query parameter is required", r.URL.Path,
		).WithExtension("trace_id", infrastructure.GetTraceID(ctx)))
		return
	}

	resp, err := h.service.GetStatus(ctx, installID)
	if err != nil {
		h.handleError(ctx, w, r, span, err)
		return
	}

	span.SetAttributes(attribute.String("license.status", resp.Status))
	span.SetStatus(codes.Ok, "status returned")
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// HandleActivate validates a key and activates the installation.
func (h *LicenseHandler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license.handler.activate",
		trace.WithAttributes(attribute.String("http.route", "/api/license/activate")))
	defer span.End()

	var req services.ActivateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.renderProblem(w, r, apperrors.NewProblemDetails(
			http.StatusBadRequest, "/errors/invalid-request", "Invalid Request",
			"Request body is not valid JSON", r.URL.Path,
		).WithExtension("trace_id", infrastructure.GetTraceID(ctx)))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.renderProblem(w, r, apperrors.NewProblemDetails(
			http.StatusBadRequest, "/errors/invalid-request", "Invalid Request",
			"install_id and a well-formed license_key are required", r.URL.Path,
		).WithExtension("trace_id", infrastructure.GetTraceID(ctx)))
		return
	}

	req.IPAddress = r.RemoteAddr
	req.UserAgent = r.UserAgent()

	resp, err := h.service.Activate(ctx, req)
	if err != nil {
		h.handleError(ctx, w, r, span, err)
		return
	}

	span.SetAttributes(attribute.String("license.binding", resp.Binding))
	span.SetStatus(codes.Ok, "activated")
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// HandleAudit returns the audit trail for an installation.
func (h *LicenseHandler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license.handler.audit",
		trace.WithAttributes(attribute.String("http.route", "/api/license/audit")))
	defer span.End()

	installID := r.URL.Query().Get("install_id")
	if installID == "" {
		h.renderProblem(w, r, apperrors.NewProblemDetails(
			http.StatusBadRequest, "/errors/invalid-request", "Invalid Request",
			"install_id query parameter is required", r.URL.Path,
		).WithExtension("trace_id", infrastructure.GetTraceID(ctx)))
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	resp, err := h.service.AuditLog(ctx, installID, limit)
	if err != nil {
		h.handleError(ctx, w, r, span, err)
		return
	}

	span.SetStatus(codes.Ok, "audit returned")
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

func (h *LicenseHandler) handleError(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	traceID := middleware.GetRequestID(ctx)
	if traceID == "" {
		traceID = infrastructure.GetTraceID(ctx)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.code", apperrors.CodeFor(err)))

	h.logger.WarnContext(ctx, "license request failed",
		slog.String("trace_id", traceID),
		slog.String("path", r.URL.Path),
		slog.String("code", apperrors.CodeFor(err)),
		slog.String("error", err.Error()))

	apperrors.MapLicenseError(err, traceID, r.URL.Path).WriteProblem(w)
}

func (h *LicenseHandler) renderProblem(w http.ResponseWriter, r *http.Request, pd *apperrors.ProblemDetails) {
	pd.WriteProblem(w)
}
