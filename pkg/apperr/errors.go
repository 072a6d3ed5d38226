// Package apperr holds the error taxonomy shared by every engine component.
//
// Infrastructure faults (provider and store failures, timeouts) feed the Health
// Monitor. Caller mistakes (unknown ids, illegal transitions, invalid payloads)
// and malformed model output are returned to the caller without touching
// component health.
package apperr

import (
	"context"
	"errors"
	"fmt"

	"github.com/appeal-assistant/evolution/pkg/circuitbreaker"
)

var (
	// ErrNotFound is returned when a rule, experiment or other entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a lifecycle operation does not apply to the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrValidation is returned when a payload is rejected before persistence.
	ErrValidation = errors.New("validation failed")
	// ErrMalformedResponse is returned when model output fails schema validation.
	ErrMalformedResponse = errors.New("malformed model response")
	// ErrTransientProvider is returned for model timeouts, rate limits and 5xx responses.
	ErrTransientProvider = errors.New("transient provider error")
	// ErrStore is returned when a persistent-store query or constraint fails.
	ErrStore = errors.New("store error")
	// ErrCircuitOpen is returned when a component's circuit short-circuits a call.
	ErrCircuitOpen = circuitbreaker.ErrCircuitOpen
)

type TransientProviderError struct {
	Op  string
	Err error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("transient provider error during %s: %v", e.Op, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

func (e *TransientProviderError) Is(target error) bool { return target == ErrTransientProvider }

type MalformedResponseError struct {
	Op     string
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response for %s: %s", e.Op, e.Reason)
}

func (e *MalformedResponseError) Is(target error) bool { return target == ErrMalformedResponse }

type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransitionError reports a lifecycle action attempted from a status that does not allow it.
type TransitionError struct {
	ID     string
	From   string
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s from status %s", e.Action, e.ID, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type CircuitOpenError struct {
	Component string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for component %s", e.Component)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// IsInfrastructure reports whether err is a fault of the store or the model
// provider and should count against component health.
func IsInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrMalformedResponse),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// IsRetryable reports whether a single retry with backoff may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientProvider) || errors.Is(err, context.DeadlineExceeded)
}
