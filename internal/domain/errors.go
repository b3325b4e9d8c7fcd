package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when an optimistic update lost a race.
var ErrVersionConflict = errors.New("version conflict")

// ErrStale is returned when a suite run or suite run item changed after it was
// read: the suite run is already terminal, or the item left the status the
// writer expected.
var ErrStale = errors.New("stale suite run state")

// ValidationError reports malformed input rejected before any state change.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports an operation on a terminal or wrong-phase entity.
type InvalidStateError struct {
	Entity    EntityType
	ID        string
	Status    string
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Operation, e.Entity, e.ID, e.Status)
}

// ConditionEvaluationError reports a malformed or unknown trigger condition.
type ConditionEvaluationError struct {
	Type   ConditionType
	Reason string
}

func (e *ConditionEvaluationError) Error() string {
	return fmt.Sprintf("condition %q: %s", e.Type, e.Reason)
}

// DependencyCycleError is raised when a suite item dependency would break the
// strictly increasing order that keeps the graph acyclic.
type DependencyCycleError struct {
	ItemID    string
	DependsOn string
	Reason    string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("item %s cannot depend on %s: %s", e.ItemID, e.DependsOn, e.Reason)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ErrBusy is returned when another operation holds the entity's lease.
var ErrBusy = errors.New("operation already in progress")
