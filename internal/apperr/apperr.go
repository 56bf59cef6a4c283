// Package apperr defines the failure taxonomy shared by the reconciliation
// engine, its stores, and its transports.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound marks a missing valuation, session, line item, run, or snapshot.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a state conflict: session already applied, valuation
	// replaced since the session opened, or a second active session.
	ErrConflict = errors.New("conflict")
	// ErrExpired marks a session whose TTL has elapsed.
	ErrExpired = errors.New("session expired")
	// ErrProviderFailure marks an unreachable or malformed valuation provider.
	// The revaluation orchestrator recovers it locally; it is never returned
	// from Apply.
	ErrProviderFailure = errors.New("provider failure")
	// ErrInvalidInput marks malformed override or verdict payloads.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvariantViolation marks broken engine invariants such as override
	// coverage mismatches.
	ErrInvariantViolation = errors.New("invariant violation")
)

// Kind names used in API responses.
const (
	KindNotFound           = "not_found"
	KindConflict           = "conflict"
	KindExpired            = "expired"
	KindProviderFailure    = "provider_failure"
	KindInvalidInput       = "invalid_input"
	KindInvariantViolation = "invariant_violation"
	KindInternal           = "internal"
)

var kinds = []struct {
	err    error
	name   string
	status int
}{
	{ErrNotFound, KindNotFound, http.StatusNotFound},
	{ErrConflict, KindConflict, http.StatusConflict},
	{ErrExpired, KindExpired, http.StatusGone},
	{ErrProviderFailure, KindProviderFailure, http.StatusBadGateway},
	{ErrInvalidInput, KindInvalidInput, http.StatusBadRequest},
	{ErrInvariantViolation, KindInvariantViolation, http.StatusInternalServerError},
}

// KindOf returns the taxonomy name for err, or KindInternal when err carries
// none of the sentinels.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return KindInternal
}

// HTTPStatus maps err to the status code the API responds with.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}
