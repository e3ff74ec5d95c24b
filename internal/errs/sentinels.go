// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across api/session/market layers.
var (
	// ErrAuthExpired indicates the backend rejected the access token (HTTP 401).
	// The executor recovers from it with a refresh; callers only see it when
	// the retried call is rejected again.
	ErrAuthExpired = errors.New("access token rejected")

	// ErrAuthTerminated indicates the refresh itself failed and the session was ended.
	ErrAuthTerminated = errors.New("session ended, please log in again")

	// ErrValidation indicates a client-side schema check failed before any network call.
	ErrValidation = errors.New("validation failed")

	// ErrRequestRejected indicates the backend answered a well-formed call with a non-success status.
	ErrRequestRejected = errors.New("request rejected")

	// ErrNetworkUnavailable indicates the call could not complete.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrNotFound indicates the requested entity does not exist locally.
	ErrNotFound = errors.New("not found")

	// ErrBusy indicates a mutation on the same entity is already in flight.
	ErrBusy = errors.New("operation already in progress")

	// ErrCancelled indicates the user declined a confirmation.
	ErrCancelled = errors.New("cancelled")

	// ErrStale indicates a result arrived after its owner was closed or the session changed.
	ErrStale = errors.New("stale result discarded")
)
