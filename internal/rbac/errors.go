package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/odyssey-erp/authz/internal/platform/httpx"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = fmt.Errorf("rbac: %w", httpx.ErrNotFound)
	// ErrDuplicate indicates a uniqueness violation.
	ErrDuplicate = fmt.Errorf("rbac: %w", httpx.ErrDuplicate)
	// ErrValidation indicates malformed input.
	ErrValidation = fmt.Errorf("rbac: %w", httpx.ErrValidation)
	// ErrSystemRole is returned when mutating a protected system role.
	ErrSystemRole = fmt.Errorf("rbac: system role is immutable: %w", httpx.ErrForbidden)
	// ErrInUse blocks hard deletion of referenced records.
	ErrInUse = fmt.Errorf("rbac: record is referenced: %w", httpx.ErrConflict)
	// ErrStorage matches every *StorageError.
	ErrStorage = fmt.Errorf("rbac: storage failure: %w", httpx.ErrUnavailable)
)

// StorageError wraps a failed data store call.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("rbac: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStorage) match any StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage || errors.Is(ErrStorage, target)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// isDomainErr reports errors that carry meaning to callers and must not be
// wrapped as storage failures or retried.
func isDomainErr(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrSystemRole) ||
		errors.Is(err, ErrInUse)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
