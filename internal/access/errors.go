package access

import "errors"

var (
	ErrInvalidInput = errors.New("access: invalid input")
	ErrNotFound     = errors.New("access: not found")
	ErrConflict     = errors.New("access: resource conflict")
	// ErrSystemRole is returned when a caller attempts to delete or
	// deactivate a role flagged as system.
	ErrSystemRole = errors.New("access: system role is immutable")
)
