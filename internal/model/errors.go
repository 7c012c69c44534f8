package model

import "errors"

// Error kinds shared by stores, services and handlers. Callers classify with errors.Is.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrNotFound         = errors.New("not found")

	// ErrConflict reports a uniqueness violation in the store.
	ErrConflict = errors.New("conflict")
)
