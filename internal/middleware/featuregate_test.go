package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licgate/internal/config"
	"licgate/internal/license"
	"licgate/internal/services"
	"licgate/internal/shared/testutil"
	"licgate/internal/store"
)

func newGateFixture(t *testing.T) (*FeatureGate, services.LicenseService, *store.Store) {
	t.Helper()
	s := testutil.NewTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := license.NewManager(s, config.LicenseConfig{
		Secret:                "test-secret-key-for-signing",
		TrialDays:             30,
		WarningDays:           7,
		AttemptWindow:         time.Hour,
		MaxFailedAttempts:     5,
		AllowUnregisteredKeys: true,
	}, logger, nil)
	require.NoError(t, err)

	svc := services.NewLicenseService(manager, logger)
	return NewFeatureGate(svc, "machine-1", logger), svc, s
}

func gateProbe(gate *FeatureGate) (http.Handler, *bool) {
	reached := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	})
	return gate.Handler(next), &reached
}

func TestFeatureGateAllowsTrial(t *testing.T) {
	gate, svc, _ := newGateFixture(t)
	_, err := svc.Initialize(context.Background(), "machine-1")
	require.NoError(t, err)

	handler, reached := gateProbe(gate)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *reached)
}

func TestFeatureGateBlocksExpired(t *testing.T) {
	gate, _, s := newGateFixture(t)

	now := time.Now().UTC()
	require.NoError(t, s.CreateInstallation(context.Background(), &store.Installation{
		InstallID:      "machine-1",
		InstalledAt:    now.AddDate(0, 0, -40),
		TrialExpiresAt: now.AddDate(0, 0, -10),
		Status:         store.StatusExpired,
	}))

	handler, reached := gateProbe(gate)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.False(t, *reached)

	var body gateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "license_required", body.Error)
	assert.Equal(t, store.StatusExpired, body.LicenseStatus)
	assert.Equal(t, "activate", body.ActionRequired)
}

func TestFeatureGateAllowsUninitialized(t *testing.T) {
	gate, _, _ := newGateFixture(t)

	// Setup is presumably still running, so access stays open until the
	// trial record exists.
	handler, reached := gateProbe(gate)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *reached)
}

func TestFeatureGateExemptsLicenseRoutes(t *testing.T) {
	gate, _, _ := newGateFixture(t)
	handler, reached := gateProbe(gate)

	for _, path := range []string{"/api/license/status", "/api/license/activate", "/api/health", "/metrics"} {
		*reached = false
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, "path %s must stay reachable", path)
		assert.True(t, *reached, "path %s must stay reachable", path)
	}
}

func TestFeatureGateTakesEffectImmediatelyAfterActivation(t *testing.T) {
	gate, svc, s := newGateFixture(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.CreateInstallation(ctx, &store.Installation{
		InstallID:      "machine-1",
		InstalledAt:    now.AddDate(0, 0, -40),
		TrialExpiresAt: now.AddDate(0, 0, -10),
		Status:         store.StatusExpired,
	}))

	handler, _ := gateProbe(gate)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	signer := license.NewKeySigner("test-secret-key-for-signing")
	key, err := signer.GenerateKey("machine-1")
	require.NoError(t, err)
	_, err = svc.Activate(ctx, services.ActivateRequest{InstallID: "machine-1", LicenseKey: key.Formatted()})
	require.NoError(t, err)

	// No cross-request cache: the next request sees the new state.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFeatureGateMemoizesStatusInContext(t *testing.T) {
	gate, svc, _ := newGateFixture(t)
	_, err := svc.Initialize(context.Background(), "machine-1")
	require.NoError(t, err)

	var seen *services.LicenseStatusResponse
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = LicenseStatusFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	gate.Handler(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))

	require.NotNil(t, seen, "gated handlers read the status from the request context")
	assert.Equal(t, store.StatusTrial, seen.Status)
}

func TestFeatureGateHonorsInstallIDHeader(t *testing.T) {
	gate, svc, _ := newGateFixture(t)
	_, err := svc.Initialize(context.Background(), "machine-2")
	require.NoError(t, err)

	handler, reached := gateProbe(gate)
	req := httptest.NewRequest(http.MethodGet, "/api/reports", nil)
	req.Header.Set("X-Install-ID", "machine-2")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *reached)
}
