package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	KindValidation        ErrorKind = "ValidationError"
	KindConfiguration     ErrorKind = "ConfigurationError"
	KindBuild             ErrorKind = "BuildError"
	KindStaticCallRevert  ErrorKind = "StaticCallRevertError"
	KindSignatureMismatch ErrorKind = "SignatureMismatchError"
	KindStaleNonce        ErrorKind = "StaleNonceError"
	KindNetwork           ErrorKind = "NetworkError"
	KindFatal             ErrorKind = "FatalError"
	KindAdminGrant        ErrorKind = "AdminGrantError"
	KindPersistence       ErrorKind = "PersistenceError"
)

// HTTPStatus maps an error kind to the response status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation, KindStaticCallRevert, KindSignatureMismatch, KindStaleNonce:
		return http.StatusBadRequest
	case KindNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified pipeline failure.
type Error struct {
	Kind        ErrorKind
	Step        string // failing step (may be empty outside a pipeline)
	Field       string // offending input field, validation only
	Hint        string // remediation hint for the caller
	DecodedName string // decoded on-chain revert name, if any
	Msg         string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: K}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// ValidationError reports an invalid input field.
func ValidationError(field, msg string) *Error {
	return &Error{Kind: KindValidation, Field: field, Msg: msg}
}

// ConfigurationError reports missing or invalid operator configuration.
func ConfigurationError(msg string) *Error {
	return &Error{Kind: KindConfiguration, Msg: msg, Hint: "fix the relayer environment configuration"}
}

// AsError extracts a *Error from err. Unclassified errors become KindFatal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindFatal, Err: err}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
