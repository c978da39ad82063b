// Package fault defines the coded error taxonomy shared by every registry
// component. Errors carry a stable machine-readable Code; errors.Is matches
// on the code alone so callers can test against the Err* sentinels while the
// concrete error keeps its context message and cause.
package fault

import "fmt"

// Code identifies a class of failure.
type Code string

const (
	InvalidKeySize                  Code = "INVALID_KEY_SIZE"
	InvalidUID                      Code = "INVALID_UID"
	InvalidTTL                      Code = "INVALID_TTL"
	SigningUnavailable              Code = "SIGNING_UNAVAILABLE"
	DuplicateProcess                Code = "DUPLICATE_PROCESS"
	UnknownProcess                  Code = "UNKNOWN_PROCESS"
	CacheFull                       Code = "CACHE_FULL"
	PromiseViolation                Code = "PROMISE_VIOLATION"
	InvalidPromise                  Code = "INVALID_PROMISE"
	IntegrityMismatch               Code = "INTEGRITY_MISMATCH"
	ActiveComponentDeregisterDenied Code = "ACTIVE_COMPONENT_DEREGISTER_DENIED"
	UIDCollision                    Code = "UID_COLLISION"
	Config                          Code = "CONFIG"
)

// Error is a coded error with a human message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New returns an error of the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given code caused by err.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code carried by err, or "" if err is not coded.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// Sentinels for errors.Is.
var (
	ErrInvalidKeySize                  = &Error{Code: InvalidKeySize}
	ErrInvalidUID                      = &Error{Code: InvalidUID}
	ErrInvalidTTL                      = &Error{Code: InvalidTTL}
	ErrSigningUnavailable              = &Error{Code: SigningUnavailable}
	ErrDuplicateProcess                = &Error{Code: DuplicateProcess}
	ErrUnknownProcess                  = &Error{Code: UnknownProcess}
	ErrCacheFull                       = &Error{Code: CacheFull}
	ErrPromiseViolation                = &Error{Code: PromiseViolation}
	ErrInvalidPromise                  = &Error{Code: InvalidPromise}
	ErrIntegrityMismatch               = &Error{Code: IntegrityMismatch}
	ErrActiveComponentDeregisterDenied = &Error{Code: ActiveComponentDeregisterDenied}
	ErrUIDCollision                    = &Error{Code: UIDCollision}
	ErrConfig                          = &Error{Code: Config}
)
