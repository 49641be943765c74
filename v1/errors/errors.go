package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout and ErrConnectionClosed are store failures raised by the
	// backend clients. Both match ErrStoreFailure.
	ErrTimeout          = fmt.Errorf("%w: timeout", ErrStoreFailure)
	ErrConnectionClosed = fmt.Errorf("%w: connection closed", ErrStoreFailure)

	// ErrUnauthenticated is returned for missing, unknown or revoked tokens.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrSessionExpired is returned once for a session that stayed idle past
	// the idle window. It matches ErrUnauthenticated.
	ErrSessionExpired = fmt.Errorf("%w: session expired", ErrUnauthenticated)

	ErrLockConflict       = errors.New("task is already locked by another user")
	ErrNotFound           = errors.New("not found")
	ErrStoreFailure       = errors.New("store failure")
	ErrInvalidInput       = errors.New("invalid input")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// LockConflictError reports the identity currently holding a task lock.
type LockConflictError struct {
	TaskID   string
	LockedBy string
}

func (e *LockConflictError) Error() string {
	if e.LockedBy == "" {
		return fmt.Sprintf("task %s: %s", e.TaskID, ErrLockConflict)
	}
	return fmt.Sprintf("task %s: %s (%s)", e.TaskID, ErrLockConflict, e.LockedBy)
}

// Is reports whether target is ErrLockConflict.
func (e *LockConflictError) Is(target error) bool { return target == ErrLockConflict }

// Invalid returns an ErrInvalidInput carrying msg.
func Invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}

// Store wraps err as a store failure for the operation op. ErrNotFound and
// errors that already match ErrStoreFailure, including ErrTimeout and
// ErrConnectionClosed, are returned unchanged.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStoreFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}
