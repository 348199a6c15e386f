// Package errors defines the error kinds surfaced by the assurance core.
//
// Command and query operations return these errors to callers. Ingest paths
// (trap/syslog/flow processing, probe execution inside the scheduler) never
// do; failures there are recorded on the produced record instead.
package errors

import (
	"errors"
	"fmt"
)

// Base error types
var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrInvalidState = errors.New("invalid state")
	ErrConflict     = errors.New("conflict")
	ErrTimeout      = errors.New("timeout")
	ErrInternal     = errors.New("internal error")
)

// Kind categorizes a core error.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation"
	KindInvalidState Kind = "invalid_state"
	KindConflict     Kind = "conflict"
	KindTimeout      Kind = "timeout"
	KindInternal     Kind = "internal"
)

// CoreError is a structured error for engine operations.
type CoreError struct {
	Kind   Kind
	Op     string // operation that failed (e.g. "acknowledge_alarm")
	Entity string // entity type (e.g. "probe", "alarm")
	ID     string // entity identifier if applicable
	Field  string // offending field for validation errors
	Err    error  // underlying error
}

func (e *CoreError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s: field %q: %v", e.Op, e.Field, e.Err)
	case e.ID != "":
		return fmt.Sprintf("%s: %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
	case e.Entity != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Entity, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is so callers can match on the base error types.
func (e *CoreError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrInvalidState:
		return e.Kind == KindInvalidState
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrInternal:
		return e.Kind == KindInternal
	}
	return errors.Is(e.Err, target)
}

// NotFound reports a missing entity within the tenant.
func NotFound(op, entity, id string) error {
	return &CoreError{Kind: KindNotFound, Op: op, Entity: entity, ID: id, Err: ErrNotFound}
}

// Invalid reports a parameter out of range or mis-typed. The constraint text
// is preserved so callers can surface the offending field.
func Invalid(op, field, constraint string) error {
	return &CoreError{Kind: KindValidation, Op: op, Field: field, Err: fmt.Errorf("%s: %w", constraint, ErrValidation)}
}

// InvalidState reports an operation disallowed in the entity's current
// lifecycle state.
func InvalidState(op, entity, id, state string) error {
	return &CoreError{Kind: KindInvalidState, Op: op, Entity: entity, ID: id, Err: fmt.Errorf("state %s: %w", state, ErrInvalidState)}
}

// Conflict reports a duplicate identifier or uniqueness violation.
func Conflict(op, entity, id string) error {
	return &CoreError{Kind: KindConflict, Op: op, Entity: entity, ID: id, Err: ErrConflict}
}

// Internal wraps an unexpected engine failure.
func Internal(op string, err error) error {
	return &CoreError{Kind: KindInternal, Op: op, Err: err}
}

// IsNotFound checks whether err represents a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks whether err represents a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
