package attachment

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Service wraps one of them, except
// unexpected database failures.
var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("access denied")
	ErrUnauthenticated = errors.New("not authenticated")
	ErrIntegrity       = errors.New("file content is missing from storage")
	ErrIO              = errors.New("storage i/o failure")
)

var ErrCantSaveFile = errors.New("can't save file metadata")

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}

func forbidden(reason string) error {
	return fmt.Errorf("%w: %s", ErrForbidden, reason)
}

// Kind names the error kind for logs and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrIO):
		return "io"
	default:
		return "error"
	}
}
