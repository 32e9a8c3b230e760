package social

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrTimeout      = errors.New("request timed out")
	ErrBackend      = errors.New("backend error")
	ErrNotSupported = errors.New("operation not supported")
	ErrAuthInvalid  = errors.New("invalid credentials")
)

// AuthError is returned by Authenticate. Err is ErrAuthInvalid or ErrTimeout
// possibly wrapping the underlying cause.
type AuthError struct {
	Backend string
	Account string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authenticate %s: %v", e.Backend, e.Account, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// APIError is returned by every operation other than Authenticate.
type APIError struct {
	Backend string
	Op      string
	Status  int // HTTP status, 0 when the request did not complete
	Err     error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s: status %d: %v", e.Backend, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Classify wraps a transport error with ErrTimeout or ErrBackend so callers
// can tell transient failures apart with errors.Is.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrBackend),
		errors.Is(err, ErrNotSupported), errors.Is(err, ErrAuthInvalid):
		return err
	case IsTimeout(err):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
}

// Kind returns a short label for err suitable for logs and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuthInvalid):
		return "auth_invalid"
	case errors.Is(err, ErrNotSupported):
		return "not_supported"
	case IsTimeout(err):
		return "timeout"
	default:
		return "backend"
	}
}

// NotSupported builds the error partial backends return for missing operations.
func NotSupported(backend, op string) error {
	return &APIError{Backend: backend, Op: op, Err: ErrNotSupported}
}
