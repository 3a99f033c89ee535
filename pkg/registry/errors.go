package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRegistered indicates a duplicate PID in the same namespace.
	ErrAlreadyRegistered = errors.New("task already registered")

	// ErrNotFound indicates the PID has no record in the namespace.
	ErrNotFound = errors.New("task not found")

	// ErrNoTasks indicates a wait found nothing to wait on.
	ErrNoTasks = errors.New("no tasks in registry")
)

// StorageError wraps shared-store failures (region, lock, serialisation)
// with operation context.
type StorageError struct {
	Op        string // operation being performed (open, commit, lock, ...)
	Namespace string // storage namespace, e.g. "12345_task"
	Err       error
}

func (e *StorageError) Error() string {
	if e.Namespace != "" {
		return fmt.Sprintf("storage %s (%s): %v", e.Op, e.Namespace, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func newStorageError(op, namespace string, err error) *StorageError {
	return &StorageError{Op: op, Namespace: namespace, Err: err}
}
