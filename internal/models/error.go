package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("resource already exists")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")

	// Ledger errors
	ErrStoreUnavailable  = errors.New("attempt store unavailable")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidType       = errors.New("invalid identifier type")
)
