package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"licgate/internal/config"
	"licgate/internal/infrastructure"
	"licgate/internal/license"
	"licgate/internal/middleware"
	"licgate/internal/services"
	"licgate/internal/store"
	httptransport "licgate/internal/transport/http"
)

// Version is set at build time.
var Version = "dev"

// Application wires configuration, infrastructure, the license domain and
// the HTTP transport together.
type Application struct {
	config *config.Config
	logger *slog.Logger
	otel   *infrastructure.OTelProviders

	store   *store.Store
	manager *license.Manager

	licenseService services.LicenseService
	healthService  services.HealthService

	router chi.Router
	server *http.Server
}

// New builds the application from the given config file path. An empty path
// loads configuration from the environment only.
func New(configPath string) (*Application, error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	otelCfg := infrastructure.DefaultOTelConfig()
	otelCfg.ServiceVersion = Version
	providers, err := infrastructure.InitializeOTel(otelCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	app := &Application{
		config: cfg,
		logger: logger,
		otel:   providers,
	}

	if err := app.initializeServices(); err != nil {
		return nil, err
	}
	app.setupRouter()
	app.setupServer()

	return app, nil
}

func (app *Application) initializeServices() error {
	s, err := store.Open(app.config.Database, app.logger)
	if err != nil {
		return fmt.Errorf("failed to open license store: %w", err)
	}
	app.store = s

	manager, err := license.NewManager(s, app.config.License, app.logger, app.otel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create license manager: %w", err)
	}
	app.manager = manager

	app.licenseService = services.NewLicenseService(manager, app.logger)
	app.healthService = services.NewHealthService(s, Version, app.logger)
	return nil
}

// InstallID returns the identity of this deployment, used when requests do
// not carry one. Falls back to the hostname.
func (app *Application) InstallID() string {
	if app.config.License.InstallID != "" {
		return app.config.License.InstallID
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return hostname
}

func (app *Application) setupRouter() {
	r := chi.NewRouter()

	// Order matters: request identity first, then logging, then recovery.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StructuredLogger(app.logger))
	r.Use(middleware.Recoverer(app.logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Compress(5))

	if app.config.Security.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(
			app.config.Security.RateLimit.RPS,
			app.config.Security.RateLimit.Burst,
			app.logger,
		)
		r.Use(limiter.Handler)
	}

	gate := middleware.NewFeatureGate(app.licenseService, app.InstallID(), app.logger)
	r.Use(gate.Handler)

	licenseHandler := httptransport.NewLicenseHandler(app.licenseService, app.logger)
	healthHandler := httptransport.NewHealthHandler(app.healthService, app.logger)

	r.Route("/api", func(api chi.Router) {
		api.Mount("/license", licenseHandler.Routes())
		api.Mount("/health", healthHandler.Routes())
	})
	r.Handle("/metrics", promhttp.Handler())

	app.router = r
}

func (app *Application) setupServer() {
	app.server = &http.Server{
		Addr:           fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:        app.router,
		ReadTimeout:    app.config.Server.ReadTimeout,
		WriteTimeout:   app.config.Server.WriteTimeout,
		IdleTimeout:    app.config.Server.IdleTimeout,
		MaxHeaderBytes: app.config.Server.MaxHeaderBytes,
	}
}

// Router exposes the HTTP router, mainly for tests.
func (app *Application) Router() http.Handler {
	return app.router
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (app *Application) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		app.logger.Info("server starting",
			slog.String("addr", app.server.Addr),
			slog.String("version", Version),
			slog.String("install_id", app.InstallID()))
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	app.logger.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer cancel()

	if err := app.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	if err := app.otel.Shutdown(shutdownCtx); err != nil {
		app.logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
	}
	if err := app.store.Close(); err != nil {
		app.logger.Warn("store close failed", slog.String("error", err.Error()))
	}
	infrastructure.CloseLogFile()

	app.logger.Info("server stopped")
	return nil
}
