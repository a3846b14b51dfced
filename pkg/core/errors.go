package core

import (
	"fmt"
	"net/http"
)

// Error is the body of every JSON error the gateway returns over HTTP.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// WithRequestID returns a copy of e stamped with id.
func (e *Error) WithRequestID(id string) *Error {
	out := *e
	out.RequestID = id
	return &out
}

// Retryable reports whether the same request may succeed later without
// changes: the gateway was busy or a voice worker failed to come up.
func (e *Error) Retryable() bool {
	switch e.Type {
	case ErrOverloaded, ErrWorker:
		return true
	default:
		return false
	}
}

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrConflict       ErrorType = "conflict_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrWorker         ErrorType = "worker_error"
)

// Status is the HTTP status an error of this type is served with.
func (t ErrorType) Status() int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrOverloaded:
		return http.StatusServiceUnavailable
	case ErrWorker:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

func NewNotFoundError(message, code string) *Error {
	return &Error{Type: ErrNotFound, Message: message, Code: code}
}

func NewConflictError(message, code string) *Error {
	return &Error{Type: ErrConflict, Message: message, Code: code}
}

func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}

func NewOverloadedError(message string) *Error {
	return &Error{Type: ErrOverloaded, Message: message}
}

// NewWorkerError reports a voice worker that could not be started or reached.
func NewWorkerError(message, code string) *Error {
	return &Error{Type: ErrWorker, Message: message, Code: code}
}
