package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"
)

// License subsystem sentinel errors. These form the error taxonomy every
// caller branches on; wrap them with fmt.Errorf("%w") to add context.
var (
	ErrInvalidFormat    = errors.New("invalid license key format")
	ErrInvalidSignature = errors.New("invalid license key signature")
	ErrRateLimited      = errors.New("too many failed validation attempts")
	ErrKeyConflict      = errors.New("license key already bound to another installation")
	ErrKeyRevoked       = errors.New("license key has been revoked")
	ErrAlreadyLicensed  = errors.New("installation is already licensed")
	ErrNotInitialized   = errors.New("installation not initialized")
	ErrPersistence      = errors.New("license store unavailable")
)

// Error codes exposed to API consumers
const (
	CodeInvalidFormat    = "INVALID_FORMAT"
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeKeyConflict      = "KEY_CONFLICT"
	CodeKeyRevoked       = "KEY_REVOKED"
	CodeAlreadyLicensed  = "ALREADY_LICENSED"
	CodeNotInitialized   = "NOT_INITIALIZED"
	CodePersistence      = "STORE_UNAVAILABLE"
	CodeLicenseRequired  = "LICENSE_REQUIRED"
	CodeInternal         = "INTERNAL_ERROR"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// WriteProblem writes the problem details with the RFC 7807 media type.
func (pd *ProblemDetails) WriteProblem(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(pd.Status)

	data, err := json.Marshal(pd)
	if err != nil {
		return
	}
	w.Write(data)
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapLicenseError maps domain errors to HTTP problem details
func MapLicenseError(err error, traceID, instance string) *ProblemDetails {
	switch {
	case errors.Is(err, ErrInvalidFormat):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-license-format",
			"Invalid License Key Format",
			"License key must be 8 dash-separated groups of 4 characters, e.g. XXXX-XXXX-XXXX-XXXX-XXXX-XXXX-XXXX-XXXX.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeInvalidFormat).
			WithExtension("expected_format", "XXXX-XXXX-XXXX-XXXX-XXXX-XXXX-XXXX-XXXX")

	case errors.Is(err, ErrInvalidSignature):
		return NewProblemDetails(
			http.StatusUnprocessableEntity,
			"/errors/invalid-license-signature",
			"Invalid License Key",
			"The provided license key could not be verified for this installation.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeInvalidSignature)

	case errors.Is(err, ErrRateLimited):
		return NewProblemDetails(
			http.StatusTooManyRequests,
			"/errors/rate-limited",
			"Too Many Requests",
			"Too many failed activation attempts for this installation. Please try again later.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeRateLimited).
			WithExtension("retry_after", 3600)

	case errors.Is(err, ErrKeyConflict):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/key-conflict",
			"License Key In Use",
			"This license key is already bound to a different installation.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeKeyConflict)

	case errors.Is(err, ErrKeyRevoked):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/key-revoked",
			"License Key Revoked",
			"This license key has been revoked and can no longer be used.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeKeyRevoked)

	case errors.Is(err, ErrAlreadyLicensed):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/already-licensed",
			"Installation Already Licensed",
			"A license is already active for this installation.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeAlreadyLicensed)

	case errors.Is(err, ErrNotInitialized):
		return NewProblemDetails(
			http.StatusPreconditionRequired,
			"/errors/not-initialized",
			"Installation Not Initialized",
			"This installation has not been initialized yet.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeNotInitialized)

	case errors.Is(err, ErrPersistence):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			"/errors/store-unavailable",
			"License Store Unavailable",
			"The license store is temporarily unreachable. Please try again later.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodePersistence)

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", CodeInternal)
	}
}

// CodeFor returns the API error code for a domain error. Used wherever a
// flat {success, error} payload is preferred over problem details.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidFormat):
		return CodeInvalidFormat
	case errors.Is(err, ErrInvalidSignature):
		return CodeInvalidSignature
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrKeyConflict):
		return CodeKeyConflict
	case errors.Is(err, ErrKeyRevoked):
		return CodeKeyRevoked
	case errors.Is(err, ErrAlreadyLicensed):
		return CodeAlreadyLicensed
	case errors.Is(err, ErrNotInitialized):
		return CodeNotInitialized
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	default:
		return CodeInternal
	}
}
