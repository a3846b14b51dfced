package handlers

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/vango-go/roomgate/pkg/core/token"
	"github.com/vango-go/roomgate/pkg/gateway/config"
	"github.com/vango-go/roomgate/pkg/gateway/mw"
	"github.com/vango-go/roomgate/pkg/metrics"
)

// TokenHandler mints a join token for the shared default room.
type TokenHandler struct {
	Config  config.Config
	Issuer  token.Issuer
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type tokenResponse struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
	RoomName string `json:"room_name"`
}

func (h TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, "POST")
		return
	}
	identity := h.Config.TokenUserIdentity + "-" + uuid.NewString()
	issuer := h.Issuer
	if issuer == nil {
		issuer = token.Unconfigured{}
	}
	jwt, err := issuer.Issue(r.Context(), token.Grant{
		Room:           h.Config.DefaultRoom,
		Identity:       identity,
		Name:           h.Config.UserDisplayName,
		CanPublishData: true,
	})
	if err != nil {
		h.Metrics.RecordTokenFailure()
		if h.Logger != nil {
			reqID, _ := mw.RequestIDFrom(r.Context())
			h.Logger.Error("token generation failed", "request_id", reqID, "identity", identity, "error", err)
		}
		writeErrorFrom(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: jwt, Identity: identity, RoomName: h.Config.DefaultRoom})
}
