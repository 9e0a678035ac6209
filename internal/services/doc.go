// Package services contains the business logic layer between HTTP handlers
// and the license manager. Services shape domain results into response
// payloads and attach trace ids for observability.
package services
