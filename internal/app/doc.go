// Package app assembles the server: configuration, logging, telemetry, the
// license store and manager, services, middleware and routes. cmd/server is
// a thin shell around Application.
package app
