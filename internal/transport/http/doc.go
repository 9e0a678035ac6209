// Package http contains the HTTP transport layer: chi routers and handlers
// for the license API, health probes and metrics. Handlers translate domain
// errors into RFC 7807 problem responses and attach OpenTelemetry spans.
package http
