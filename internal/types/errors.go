// internal/types/errors.go
package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures so transports can map them to a status code
// and the push dispatcher can decide whether to retry.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindBadRequest
	KindConflict
	KindResync
	KindUnauthorized
	KindNotFound
	KindTransient
	KindNotConfigured
)

// StatusResyncRequired tells a pushing node to resend the full action log.
const StatusResyncRequired = 470

func (k ErrorKind) String() string {
	switch k {
	case KindBadRequest:
		return "bad request"
	case KindConflict:
		return "conflict"
	case KindResync:
		return "resync required"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not found"
	case KindTransient:
		return "transient"
	case KindNotConfigured:
		return "not configured"
	}
	return "internal"
}

// Status is the HTTP status code for the kind.
func (k ErrorKind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindResync:
		return StatusResyncRequired
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusBadGateway
	case KindNotConfigured:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func BadRequest(format string, args ...any) error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...any) error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func NotConfigured(format string, args ...any) error {
	return &Error{Kind: KindNotConfigured, Message: fmt.Sprintf(format, args...)}
}

// ErrResyncRequired is returned when a remote batch does not continue the
// local log and the sender must resend every action.
var ErrResyncRequired = &Error{Kind: KindResync, Message: "full conversation required"}

func Transient(err error, format string, args ...any) error {
	return &Error{Kind: KindTransient, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage is the text safe to return to a client. Internal errors are
// not described.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}
