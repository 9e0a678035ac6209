// Package license implements the licensing subsystem: key generation and
// signing, activation, the trial state machine, failed-attempt rate
// limiting, the issued-key registry and the audit trail.
//
// Keys are 32 characters, distributed as 8 dash-separated groups of 4: a
// 16-character random body followed by a 16-character HMAC-SHA256 signature
// binding the body to an install id or to the universal binding. Validation
// is fully offline; no license server is contacted.
//
// State lives in the relational store. Status checks fail open so a store
// outage degrades reporting instead of blocking the application; activations
// fail closed and run inside a single transaction.
package license
