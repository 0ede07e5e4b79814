package proxy

import "errors"

// Sentinel errors for the proxy domain.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrModelNotAllowed = errors.New("model not allowed")
	ErrNoUpstream      = errors.New("no healthy upstream keys available")
	ErrUserInactive    = errors.New("user inactive")
	ErrBadRequest      = errors.New("bad request")
)
