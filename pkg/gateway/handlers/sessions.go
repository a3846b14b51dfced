package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/vango-go/roomgate/pkg/core"
	"github.com/vango-go/roomgate/pkg/core/session"
	"github.com/vango-go/roomgate/pkg/gateway/auth"
	"github.com/vango-go/roomgate/pkg/gateway/config"
	"github.com/vango-go/roomgate/pkg/gateway/mw"
)

// SessionStore is the registry surface the HTTP API needs.
type SessionStore interface {
	Create(ctx context.Context, p session.CreateParams) (session.Record, error)
	Get(id string) (session.Record, error)
	List() []session.Record
	End(ctx context.Context, id string) error
}

// SessionsHandler serves /sessions and /sessions/{session_id}.
type SessionsHandler struct {
	Config   config.Config
	Sessions SessionStore
	Logger   *slog.Logger

	// NewID defaults to random UUIDs.
	NewID func() string
}

type createSessionRequest struct {
	SystemPrompt string `json:"system_prompt"`
	AgentName    string `json:"agent_name"`
	Language     string `json:"language"`
}

type sessionList struct {
	Sessions []session.Record `json:"sessions"`
}

type endSessionResponse struct {
	Message string `json:"message"`
}

func (h SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("session_id"))
	if id == "" {
		switch r.Method {
		case http.MethodPost:
			h.create(w, r)
		case http.MethodGet:
			writeJSON(w, http.StatusOK, sessionList{Sessions: h.Sessions.List()})
		default:
			writeMethodNotAllowed(w, r, "GET, POST")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r, id)
	case http.MethodDelete:
		h.end(w, r, id)
	default:
		writeMethodNotAllowed(w, r, "GET, DELETE")
	}
}

func (h SessionsHandler) create(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	var body createSessionRequest
	if h.Config.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeCoreErrorJSON(w, reqID, &core.Error{
				Type:    core.ErrInvalidRequest,
				Message: "request body too large",
				Code:    "body_too_large",
			}, http.StatusRequestEntityTooLarge)
			return
		}
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("invalid json body"), http.StatusBadRequest)
		return
	}

	newID := h.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	rec, err := h.Sessions.Create(r.Context(), session.CreateParams{
		ID:           newID(),
		SystemPrompt: strings.TrimSpace(body.SystemPrompt),
		AgentName:    strings.TrimSpace(body.AgentName),
		Language:     strings.TrimSpace(body.Language),
	})
	if err != nil {
		h.logger().Error("session creation failed", "request_id", reqID, "error", err)
		writeErrorFrom(w, r, err)
		return
	}
	attrs := []any{"session_id", rec.ID, "request_id", reqID}
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		attrs = append(attrs, "key_id", p.KeyID)
	}
	h.logger().Info("session created via api", attrs...)
	writeJSON(w, http.StatusOK, rec)
}

func (h SessionsHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	rec, err := h.Sessions.Get(id)
	if err != nil {
		writeErrorFrom(w, r, err)
		return
	}
	attrs := []any{"session_id", rec.ID, "request_id", reqID}
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		attrs = append(attrs, "key_id", p.KeyID)
	}
	h.logger().Debug("session fetched via api", attrs...)
	writeJSON(w, http.StatusOK, rec)
}

func (h SessionsHandler) end(w http.ResponseWriter, r *http.Request, id string) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if err := h.Sessions.End(r.Context(), id); err != nil {
		h.logger().Error("session end failed", "session_id", id, "request_id", reqID, "error", err)
		writeCoreErrorJSON(w, reqID, core.NewAPIError(fmt.Sprintf("failed to end session %s", id)), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, endSessionResponse{Message: fmt.Sprintf("Session %s ended successfully", id)})
}

func (h SessionsHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
