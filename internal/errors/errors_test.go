package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapLicenseError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid format", ErrInvalidFormat, http.StatusBadRequest, CodeInvalidFormat},
		{"invalid signature", ErrInvalidSignature, http.StatusUnprocessableEntity, CodeInvalidSignature},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests, CodeRateLimited},
		{"key conflict", ErrKeyConflict, http.StatusConflict, CodeKeyConflict},
		{"key revoked", ErrKeyRevoked, http.StatusForbidden, CodeKeyRevoked},
		{"already licensed", ErrAlreadyLicensed, http.StatusConflict, CodeAlreadyLicensed},
		{"not initialized", ErrNotInitialized, http.StatusPreconditionRequired, CodeNotInitialized},
		{"persistence", ErrPersistence, http.StatusServiceUnavailable, CodePersistence},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pd := MapLicenseError(tt.err, "trace-1", "/api/license/activate#trace-1")
			require.NotNil(t, pd)
			assert.Equal(t, tt.wantStatus, pd.Status)
			assert.Equal(t, tt.wantCode, pd.Extensions["error_code"])
			assert.Equal(t, "trace-1", pd.Extensions["trace_id"])
		})
	}
}

func TestMapLicenseErrorWrapped(t *testing.T) {
	wrapped := fmt.Errorf("activation failed: %w", ErrRateLimited)

	pd := MapLicenseError(wrapped, "t", "/i")
	require.NotNil(t, pd)
	assert.Equal(t, http.StatusTooManyRequests, pd.Status)
}

func TestProblemDetailsMarshalIncludesExtensions(t *testing.T) {
	pd := NewProblemDetails(400, "/errors/x", "X", "detail", "/instance").
		WithExtension("error_code", "X_CODE").
		WithExtension("retry_after", 60)

	data, err := json.Marshal(pd)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, "/errors/x", out["type"])
	assert.Equal(t, "X_CODE", out["error_code"])
	assert.Equal(t, float64(60), out["retry_after"])
	assert.Equal(t, float64(400), out["status"])
}

func TestWriteProblem(t *testing.T) {
	pd := MapLicenseError(ErrKeyRevoked, "trace-9", "/api/license/activate")

	rec := httptest.NewRecorder()
	pd.WriteProblem(rec)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, CodeKeyRevoked, out["error_code"])
	assert.Equal(t, "trace-9", out["trace_id"])
}

func TestCodeFor(t *testing.T) {
	assert.Equal(t, CodeInvalidFormat, CodeFor(ErrInvalidFormat))
	assert.Equal(t, CodeRateLimited, CodeFor(fmt.Errorf("wrap: %w", ErrRateLimited)))
	assert.Equal(t, CodeInternal, CodeFor(errors.New("other")))
}
