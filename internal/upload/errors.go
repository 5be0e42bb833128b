package upload

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("upload session not found")
	ErrConflict         = errors.New("upload conflict")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrSizeMismatch     = errors.New("size mismatch")
	ErrStorage          = errors.New("storage error")
	ErrExpired          = errors.New("upload session expired")
)

const (
	KindValidation       = "validation"
	KindNotFound         = "not_found"
	KindConflict         = "conflict"
	KindChecksumMismatch = "checksum_mismatch"
	KindSizeMismatch     = "size_mismatch"
	KindStorage          = "storage"
	KindExpired          = "expired"
	KindInternal         = "internal"
)

// Kind maps an error returned by this package to a stable identifier. The
// value is persisted as the failure reason of failed sessions and exposed to
// HTTP clients.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrChecksumMismatch):
		return KindChecksumMismatch
	case errors.Is(err, ErrSizeMismatch):
		return KindSizeMismatch
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, ErrExpired):
		return KindExpired
	default:
		return KindInternal
	}
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func conflictError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func sizeMismatchError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSizeMismatch, fmt.Sprintf(format, args...))
}

// storageError keeps the underlying cause inspectable with errors.Is.
func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
