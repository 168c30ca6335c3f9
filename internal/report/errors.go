package report

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a report or section does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned by Store.CommitSection when the stored
	// version no longer matches the expected one.
	ErrVersionConflict = errors.New("section version changed")
	// ErrRunInFlight is returned when a report already has an active run.
	ErrRunInFlight = errors.New("run already in flight")
	// ErrLastSection is returned by Store.DeleteSection for the only
	// section of an interactive report.
	ErrLastSection = errors.New("last section of an interactive report")
)

// ValidationError rejects a malformed request before any provider call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports a concurrent run or a lost optimistic commit.
type ConflictError struct {
	Resource string
	ID       string
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Resource, e.ID, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// ProviderError wraps a failure to open or continue the model stream.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ParseError describes an entity-extraction response that could not be
// decoded. It never leaves the extractor: the run continues with zero
// entities.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse entities: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrLastSection) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
