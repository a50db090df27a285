package domain

import "errors"

// Error categories shared by every layer. Typed errors elsewhere unwrap to
// one of these so callers can branch with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidState        = errors.New("invalid state")
	ErrValidation          = errors.New("validation error")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)
