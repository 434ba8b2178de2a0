package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target carries the same code, so errors.Is(err, ErrCapacity)
// matches clones and wrapped copies of the predefined kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance and registers its code for Lookup.
func New(code string, status int, message string) *Error {
	e := &Error{Code: code, Status: status, Message: message}
	if _, exists := registry[code]; !exists {
		registry[code] = e
	}
	return e
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// WrapAs wraps err with the code and status of kind. An empty message keeps
// the kind's default message.
func WrapAs(err error, kind *Error, message string) *Error {
	if kind == nil {
		kind = ErrInternal
	}
	if message == "" {
		message = kind.Message
	}
	return Wrap(err, kind.Code, kind.Status, message)
}

var registry = map[string]*Error{}

// Predefined errors. Scheduling failures are persisted by code and restored
// through Lookup when a finished run is read back.
var (
	ErrNotFound            = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden           = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized        = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict            = New("CONFLICT", http.StatusConflict, "conflict")
	ErrValidation          = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal            = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss           = New("CACHE_MISS", http.StatusNotFound, "cache miss")
	ErrCapacity            = New("CAPACITY_ERROR", http.StatusUnprocessableEntity, "course requires more sections than can be placed")
	ErrSolveInfeasible     = New("SOLVE_INFEASIBLE", http.StatusUnprocessableEntity, "no schedule satisfies every hard constraint")
	ErrSolveTimeout        = New("SOLVE_TIMEOUT", http.StatusGatewayTimeout, "solver timed out before finding a schedule")
	ErrDecodeInconsistency = New("DECODE_INCONSISTENCY", http.StatusInternalServerError, "solver output violates scheduling invariants")
	ErrRunNotFinished      = New("RUN_NOT_FINISHED", http.StatusConflict, "schedule run has not finished")
	ErrSchedulerBusy       = New("SCHEDULER_BUSY", http.StatusServiceUnavailable, "scheduler is busy, retry later")
)

// Lookup returns the predefined error registered under code.
func Lookup(code string) (*Error, bool) {
	e, ok := registry[code]
	return e, ok
}

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return WrapAs(err, ErrInternal, "")
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}
