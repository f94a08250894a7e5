package offline

import (
	"errors"
	"fmt"
)

// PersistenceError means the local store could not durably record data.
// It always propagates to the caller: a write that was not persisted is a
// broken guarantee, not a background condition.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError wraps err as a PersistenceError for the given operation.
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// TransientSyncError means delivery failed for a retryable reason
// (network error or server 5xx). The action stays queued and is retried
// with backoff.
type TransientSyncError struct {
	StatusCode int // 0 for pure network errors
	Err        error
}

func (e *TransientSyncError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient sync failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient sync failure: %v", e.Err)
}

func (e *TransientSyncError) Unwrap() error { return e.Err }

// PermanentSyncError means the server rejected the action (4xx validation
// or conflict). The action is moved to the conflicts list and never
// retried automatically.
type PermanentSyncError struct {
	StatusCode int
	Reason     string
}

func (e *PermanentSyncError) Error() string {
	return fmt.Sprintf("permanent sync failure (status %d): %s", e.StatusCode, e.Reason)
}

// EntitlementError means an offline write was rejected because the device
// has exceeded its permitted offline window, or offline mode is not
// entitled for the user. Nothing was queued.
type EntitlementError struct {
	Reason string
}

func (e *EntitlementError) Error() string {
	return fmt.Sprintf("offline write rejected: %s", e.Reason)
}

// IsTransient reports whether err is (or wraps) a TransientSyncError.
func IsTransient(err error) bool {
	var te *TransientSyncError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentSyncError.
func IsPermanent(err error) bool {
	var pe *PermanentSyncError
	return errors.As(err, &pe)
}
