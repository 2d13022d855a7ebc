package errs

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// ValidationError rejects a request before any remote call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError reports that remote state changed under a write.
type ConflictError struct {
	Op        string
	MessageID string
	Err       error
}

func (e *ConflictError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: conflict", e.Op, e.MessageID)
	}
	return fmt.Sprintf("%s %s: conflict: %v", e.Op, e.MessageID, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// TransportError wraps network and store failures. They are retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Retryable() bool { return true }

// Classify maps a collaborator error onto the taxonomy.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		verr *ValidationError
		cerr *ConflictError
		terr *TransportError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &cerr), errors.As(err, &terr):
		return err
	case errors.Is(err, ErrConflict):
		return &ConflictError{Op: op, Err: err}
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.Canceled):
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var cerr *ConflictError
	return errors.As(err, &cerr)
}
