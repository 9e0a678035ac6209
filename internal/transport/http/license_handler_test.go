package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
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

func newHandlerFixture(t *testing.T) (*LicenseHandler, *license.Manager, *store.Store) {
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
	return NewLicenseHandler(svc, logger), manager, s
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleInitialize(t *testing.T) {
	h, _, _ := newHandlerFixture(t)
	router := h.Routes()

	rec := postJSON(t, router, "/initialize", map[string]string{"install_id": "machine-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp services.LicenseStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, store.StatusTrial, resp.Status)
	assert.True(t, resp.IsValid)
	require.NotNil(t, resp.DaysRemaining)
	assert.Equal(t, 30, *resp.DaysRemaining)
}

func TestHandleInitializeGeneratesInstallID(t *testing.T) {
	h, _, _ := newHandlerFixture(t)
	router := h.Routes()

	rec := postJSON(t, router, "/initialize", map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp services.LicenseStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.InstallID)
	assert.Equal(t, store.StatusTrial, resp.Status)
	assert.False(t, resp.AlreadyExists)
}

func TestHandleInitializeValidation(t *testing.T) {
	h, _, _ := newHandlerFixture(t)
	router := h.Routes()

	rec := postJSON(t, router, "/initialize", map[string]string{
		"install_id": strings.Repeat("x", 65),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
}

func TestHandleStatus(t *testing.T) {
	h, _, _ := newHandlerFixture(t)
	router := h.Routes()

	rec := postJSON(t, router, "/initialize", map[string]string{"install_id": "machine-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/status?install_id=machine-1", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)

	var resp services.LicenseStatusResponse
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&resp))
	assert.Equal(t, store.StatusTrial, resp.Status)
}

func TestHandleStatusNotInitialized(t *testing.T) {
	h, _, _ := newHandlerFixture(t)
	router := h.Routes()

	req := httptest.NewRequest(http.MethodGet, "/status?install_id=machine-9", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp services.LicenseStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, license.StatusNotInitialized, resp.Status)
	assert.True(t, resp.IsValid)
}

func TestHandleActivateNotInitialized(t *testing.T) {
	h, manager, _ := newHandlerFixture(t)
	router := h.Routes()

	key, err := manager.Signer().GenerateKey("machine-9")
	require.NoError(t, err)

	rec := postJSON(t, router, "/activate", map[string]string{
		"install_id":  "machine-9",
		"license_key": key.Formatted(),
	})
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
}

func TestHandleStatusRequiresInstallID(t *testing.T) {
	h, _, _ := newHandlerFixture(t)
	router := h.Routes()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleActivate(t *testing.T) {
	h, manager, _ := newHandlerFixture(t)
	router := h.Routes()

	rec := postJSON(t, router, "/initialize", map[string]string{"install_id": "machine-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	key, err := manager.Signer().GenerateKey("machine-1")
	require.NoError(t, err)

	rec = postJSON(t, router, "/activate", map[string]string{
		"install_id":     "machine-1",
		"license_key":    key.Formatted(),
		"customer_email": "user@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp services.ActivationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, store.StatusLicensed, resp.Status)
	assert.True(t, resp.Success)
	assert.Equal(t, "installation", resp.Binding)
}

func TestHandleActivateErrorMapping(t *testing.T) {
	h, manager, _ := newHandlerFixture(t)
	router := h.Routes()

	rec := postJSON(t, router, "/initialize", map[string]string{"install_id": "machine-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	wrongKey, err := manager.Signer().GenerateKey("machine-other")
	require.NoError(t, err)

	tests := []struct {
		name       string
		key        string
		wantStatus int
	}{
		{name: "malformed key", key: "AAAA-BBBB-CCCC-DDDD-EEEE-FFFF-0000", wantStatus: http.StatusBadRequest},
		{name: "wrong installation", key: wrongKey.Formatted(), wantStatus: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, router, "/activate", map[string]string{
				"install_id":  "machine-1",
				"license_key": tt.key,
			})
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
		})
	}
}

func TestHandleActivateRateLimited(t *testing.T) {
	h, manager, _ := newHandlerFixture(t)
	router := h.Routes()

	rec := postJSON(t, router, "/initialize", map[string]string{"install_id": "machine-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	wrongKey, err := manager.Signer().GenerateKey("machine-other")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		rec := postJSON(t, router, "/activate", map[string]string{
			"install_id":  "machine-1",
			"license_key": wrongKey.Formatted(),
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	}

	rec = postJSON(t, router, "/activate", map[string]string{
		"install_id":  "machine-1",
		"license_key": wrongKey.Formatted(),
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandleAudit(t *testing.T) {
	h, manager, _ := newHandlerFixture(t)
	router := h.Routes()

	rec := postJSON(t, router, "/initialize", map[string]string{"install_id": "machine-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	key, err := manager.Signer().GenerateKey("machine-1")
	require.NoError(t, err)
	rec = postJSON(t, router, "/activate", map[string]string{
		"install_id":  "machine-1",
		"license_key": key.Formatted(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/audit?install_id=machine-1", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)

	var resp services.AuditLogResponse
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&resp))
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, store.ActionLicenseActivated, resp.Entries[0].Action)
}

func TestHandleInitializeIsIdempotentOverHTTP(t *testing.T) {
	h, _, _ := newHandlerFixture(t)
	router := h.Routes()

	var first, second services.LicenseStatusResponse

	rec := postJSON(t, router, "/initialize", map[string]string{"install_id": "machine-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&first))

	rec = postJSON(t, router, "/initialize", map[string]string{"install_id": "machine-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&second))

	require.NotNil(t, first.ExpiresAt)
	require.NotNil(t, second.ExpiresAt)
	assert.Equal(t, first.ExpiresAt.Unix(), second.ExpiresAt.Unix())
	assert.False(t, first.AlreadyExists)
	assert.True(t, second.AlreadyExists)
}
