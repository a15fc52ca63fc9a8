package syncerr

import (
	"github.com/cockroachdb/errors"
)

// Sentinel kinds. Concrete errors are marked with one of these so callers
// can classify with errors.Is regardless of how much context was wrapped on.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNetwork     = errors.New("store unreachable")
	ErrPermission  = errors.New("permission denied")
	ErrNotFound    = errors.New("not found")
	ErrConcurrency = errors.New("operation already in flight")
	ErrLoad        = errors.New("load failed")
	// ErrClosed accompanies ErrNetwork when the connection or store has
	// been closed locally. Such errors never heal by retrying.
	ErrClosed = errors.New("closed")
)

// Validation returns a local input error. No network call should follow it.
func Validation(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

// Network marks err as a transient transport failure.
func Network(err error, msg string) error {
	if err == nil {
		err = ErrNetwork
	}
	return errors.Mark(errors.Wrap(err, msg), ErrNetwork)
}

// Closed reports use of a closed connection or store.
func Closed(err error, msg string) error {
	return errors.Mark(Network(err, msg), ErrClosed)
}

// Permission marks a rule violation.
func Permission(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrPermission)
}

func NotFound(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// Concurrency reports a call made while the named operation is in flight.
func Concurrency(op string) error {
	return errors.Mark(errors.Newf("%s: operation already in flight", op), ErrConcurrency)
}

// Load wraps a paginator failure. The underlying kind is preserved.
func Load(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrLoad)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) && !errors.Is(err, ErrClosed)
}

func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Kind returns a short label for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConcurrency):
		return "concurrency"
	case errors.Is(err, ErrLoad):
		return "load"
	case errors.Is(err, ErrNetwork):
		return "network"
	default:
		return "internal"
	}
}
