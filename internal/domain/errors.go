package domain

import (
	"errors"
	"fmt"
)

// ErrCompanionNotFound is returned when a switch or select names an unknown companion.
var ErrCompanionNotFound = errors.New("companion not found")

// ErrInvalidSettings wraps proactive settings validation failures.
var ErrInvalidSettings = errors.New("invalid proactive settings")

// ProviderError reports a failed completion request.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// DeliveryError reports a failed webhook POST.
type DeliveryError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("deliver to %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("deliver to %s: %v", e.URL, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// PersistenceError reports a store write or read that did not succeed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persist wraps err as a PersistenceError; nil stays nil.
func Persist(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
