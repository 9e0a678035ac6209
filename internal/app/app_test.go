package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licgate/internal/infrastructure"
)

func newTestApp(t *testing.T) *Application {
	t.Helper()
	infrastructure.ResetLoggerForTesting()

	t.Setenv("LICGATE_LICENSE_SECRET", "app-test-secret-0123456789")
	t.Setenv("LICGATE_LICENSE_INSTALL_ID", "app-test-host")
	t.Setenv("LICGATE_DATABASE_DSN", filepath.Join(t.TempDir(), "licgate.db"))
	t.Setenv("LICGATE_LOGGING_OUTPUT", "stdout")

	app, err := New("")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = app.store.Close()
	})
	return app
}

func TestApplicationEndToEnd(t *testing.T) {
	app := newTestApp(t)
	router := app.Router()

	// Before the trial starts the gate treats the installation as still
	// setting up, so the unknown route 404s rather than 402ing.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// License management stays reachable.
	body, _ := json.Marshal(map[string]string{"install_id": "app-test-host"})
	req := httptest.NewRequest(http.MethodPost, "/api/license/initialize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// With an active trial the gate still passes.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/license/status?install_id=app-test-host", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
