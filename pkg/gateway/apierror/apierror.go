// Package apierror maps domain errors onto the JSON error envelope.
package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/vango-go/roomgate/pkg/core"
	"github.com/vango-go/roomgate/pkg/core/session"
	"github.com/vango-go/roomgate/pkg/core/token"
	"github.com/vango-go/roomgate/pkg/core/worker"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

// FromError returns the envelope body and HTTP status for err. Errors the
// gateway does not recognise become a generic 500 so internals never leak.
func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		return coreErr.WithRequestID(requestID), coreErr.Type.Status()
	}

	out, status := classify(err)
	out.RequestID = requestID
	return out, status
}

func classify(err error) (*core.Error, int) {
	switch {
	// Worker start timeouts wrap context.DeadlineExceeded, so they are
	// matched before the generic timeout case.
	case errors.Is(err, worker.ErrStartTimeout):
		return core.NewWorkerError("worker start timed out", "worker_start_timeout"), http.StatusGatewayTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return &core.Error{Type: core.ErrAPI, Message: "request timeout"}, http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return &core.Error{Type: core.ErrAPI, Message: "request cancelled", Code: "cancelled"}, http.StatusRequestTimeout

	case errors.Is(err, session.ErrSessionNotFound):
		return status(core.NewNotFoundError("Session not found", "session_not_found"))
	case errors.Is(err, session.ErrDuplicateSession):
		return status(core.NewConflictError("session already exists", "duplicate_session"))
	case errors.Is(err, session.ErrInvalidTransition):
		return status(core.NewConflictError(err.Error(), "invalid_transition"))
	case errors.Is(err, session.ErrWorkerUnavailable), errors.Is(err, worker.ErrPoolClosed):
		return status(&core.Error{Type: core.ErrOverloaded, Message: "worker not available", Code: "worker_unavailable"})
	case errors.Is(err, worker.ErrStartFailure):
		return status(core.NewWorkerError("worker start failed", "worker_start_failed"))
	case errors.Is(err, token.ErrIssuance):
		return &core.Error{Type: core.ErrAPI, Message: "token issuance failed", Code: "token_issuance_failed"}, http.StatusInternalServerError
	}
	return core.NewAPIError("internal error"), http.StatusInternalServerError
}

func status(e *core.Error) (*core.Error, int) {
	return e, e.Type.Status()
}
