package idempotency

import (
	"errors"
	"fmt"
)

var (
	// ErrOwnerMismatch indicates the caller's owner token no longer holds the lease.
	ErrOwnerMismatch = errors.New("idempotency lease owner mismatch")

	// ErrBackendUnavailable indicates the backing store could not be reached or failed an operation.
	ErrBackendUnavailable = errors.New("idempotency backend unavailable")
)

// BackendError wraps a store I/O failure with the operation that failed.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("idempotency backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is makes every BackendError match ErrBackendUnavailable.
func (e *BackendError) Is(target error) bool { return target == ErrBackendUnavailable }

// Unavailable wraps err as a BackendError for op. A nil err stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, Err: err}
}
