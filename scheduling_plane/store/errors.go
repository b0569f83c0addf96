package store

import (
	"errors"
	"fmt"
)

// Error taxonomy for the scheduling core. Callers branch with errors.Is.
var (
	// ErrValidation marks malformed input, rejected before any state change.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown group/slot/rule/order id. No state change.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict marks an entity not in the lifecycle state the
	// operation requires (expired, already confirmed, selected by another
	// actor, version moved). No state change; caller should re-query.
	ErrStateConflict = errors.New("state conflict")

	// ErrCapacityInfeasible marks a request no window can satisfy even on
	// the forced path. Terminal for that request.
	ErrCapacityInfeasible = errors.New("capacity infeasible")
)

// Validationf wraps ErrValidation with detail.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// Conflictf wraps ErrStateConflict with detail.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrStateConflict}, args...)...)
}
