package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDefinition is returned synchronously when a workflow or task
	// definition fails validation. It never produces instance state.
	ErrInvalidDefinition = errors.New("invalid definition")

	// ErrTransactionAlreadyExists is returned when starting a transaction
	// whose transactionId is already in use.
	ErrTransactionAlreadyExists = errors.New("transaction already exists")

	// ErrTransactionNotFound is returned when a transaction lookup misses.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrTaskNotFound is returned when a task update references an unknown
	// taskId, or one belonging to a different transaction.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when a status write would violate
	// the allowed-transition table.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownReference is returned in strict mode when a ${...}
	// reference expression cannot be resolved.
	ErrUnknownReference = errors.New("unknown reference")

	// ErrStoreUnavailable wraps store backend failures; the pipeline blocks
	// offset commit and retries on it.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrBusUnavailable wraps message bus failures; the pipeline blocks
	// offset commit and retries on it.
	ErrBusUnavailable = errors.New("bus unavailable")

	// ErrSerialization wraps encode/decode failures on stored entities and
	// bus records.
	ErrSerialization = errors.New("serialization error")
)

// ValidationError is the result of validating a definition: one message per
// violation, each qualified with the JSON-ish path of the offending field,
// e.g. `workflowDefinition.tasks[3].decisions["foo"].tasks[1].name`.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidDefinition, strings.Join(e.Problems, "; "))
}

// Unwrap makes errors.Is(err, ErrInvalidDefinition) hold.
func (e *ValidationError) Unwrap() error { return ErrInvalidDefinition }
