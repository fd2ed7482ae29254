// Package apperr classifies pipeline failures so handlers can log a precise
// kind while exposing only the minimal status codes clients depend on.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrDuplicate     = errors.New("duplicate conflict")
	ErrUpstream      = errors.New("upstream service error")
	ErrPersistence   = errors.New("persistence error")
	ErrInvalidInput  = errors.New("invalid input")
)

// Error ties a cause to one of the sentinel kinds above.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind.Error())
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err.Error())
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func New(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind error, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Configuration(op string, err error) *Error { return New(ErrConfiguration, op, err) }
func Upstream(op string, err error) *Error      { return New(ErrUpstream, op, err) }
func Persistence(op string, err error) *Error   { return New(ErrPersistence, op, err) }
func InvalidInput(op string, err error) *Error  { return New(ErrInvalidInput, op, err) }
func Duplicate(op string, err error) *Error     { return New(ErrDuplicate, op, err) }

// Kind returns a short tag for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "unknown"
	}
}

// HTTPStatus maps an error to the external status contract: 409 is reserved
// for duplicates, every other failure is a 400.
func HTTPStatus(err error) int {
	if errors.Is(err, ErrDuplicate) {
		return http.StatusConflict
	}
	return http.StatusBadRequest
}
