package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/roomgate/pkg/core"
	"github.com/vango-go/roomgate/pkg/core/session"
	"github.com/vango-go/roomgate/pkg/gateway/config"
	"github.com/vango-go/roomgate/pkg/gateway/lifecycle"
	"github.com/vango-go/roomgate/pkg/gateway/live/bindings"
	"github.com/vango-go/roomgate/pkg/gateway/live/protocol"
	"github.com/vango-go/roomgate/pkg/gateway/live/socket"
	"github.com/vango-go/roomgate/pkg/gateway/mw"
	"github.com/vango-go/roomgate/pkg/metrics"
)

const detachTimeout = 10 * time.Second

// SocketSessions is the registry surface a voice socket needs.
type SocketSessions interface {
	socket.Sessions
	Get(id string) (session.Record, error)
	Attach(ctx context.Context, id string) (session.Record, error)
	Detach(ctx context.Context, id string)
}

// SocketHandler serves /ws/{session_id}.
type SocketHandler struct {
	Config    config.Config
	Sessions  SocketSessions
	Bindings  *bindings.Table
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

func (h SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, "GET")
		return
	}
	reqID, _ := mw.RequestIDFrom(r.Context())
	if h.Lifecycle.IsDraining() {
		h.Metrics.RecordConnection("draining")
		writeCoreErrorJSON(w, reqID, core.NewOverloadedError("gateway is draining"), http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: h.originAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Metrics.RecordConnection("upgrade_failed")
		return
	}
	defer conn.Close()

	sessionID := strings.TrimSpace(r.PathValue("session_id"))
	logger := h.logger().With("session_id", sessionID, "request_id", reqID)

	rec, err := h.Sessions.Get(sessionID)
	if err != nil {
		logger.Warn("socket rejected", "reason", "session_not_found")
		h.Metrics.RecordConnection("session_not_found")
		h.writeWSError(conn, protocol.CodeSessionNotFound, "Session not found", protocol.CloseSessionNotFound)
		return
	}
	if rec.RoomName == "" {
		logger.Warn("socket rejected", "reason", "room_not_found")
		h.Metrics.RecordConnection("room_not_found")
		h.writeWSError(conn, protocol.CodeRoomNotFound, "Room configuration not found", protocol.CloseRoomNotFound)
		return
	}

	s := socket.New(socket.Dependencies{
		Conn:      conn,
		Sessions:  h.Sessions,
		Logger:    logger,
		Metrics:   h.Metrics,
		RequestID: reqID,
		Config: socket.Config{
			MaxMessageBytes: h.Config.WSMaxMessageBytes,
			PingInterval:    h.Config.WSPingInterval,
			WriteTimeout:    h.Config.WSWriteTimeout,
			ReadTimeout:     h.Config.WSReadTimeout,
		},
	})

	unregister, err := h.Bindings.Register(sessionID, bindings.Handle{
		Release: s.Release,
		Warn:    s.Warn,
		Cancel:  s.Cancel,
	})
	if err != nil {
		logger.Warn("socket rejected", "reason", "already_connected")
		h.Metrics.RecordConnection("already_connected")
		h.writeWSError(conn, protocol.CodeAlreadyConnected, "Session already has an active connection", protocol.CloseAlreadyConnected)
		return
	}
	defer unregister()

	rec, err = h.Sessions.Attach(r.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			h.Metrics.RecordConnection("session_not_found")
			h.writeWSError(conn, protocol.CodeSessionNotFound, "Session not found", protocol.CloseSessionNotFound)
		default:
			logger.Warn("socket rejected", "reason", "attach_failed", "error", err)
			h.Metrics.RecordConnection("attach_failed")
			h.writeWSError(conn, protocol.CodeInvalidTransition, err.Error(), websocket.ClosePolicyViolation)
		}
		return
	}
	// The binding goes first so nothing can reach this socket while the
	// worker is being returned.
	defer func() {
		unregister()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), detachTimeout)
		defer cancel()
		h.Sessions.Detach(ctx, sessionID)
		logger.Info("socket disconnected")
	}()

	h.Metrics.RecordConnection("accepted")
	logger.Info("socket connected", "room", rec.RoomName)
	if err := s.Run(rec); err != nil {
		logger.Warn("socket ended with error", "error", err)
	}
}

// originAllowed accepts any origin unless an allowlist without "*" is
// configured.
func (h SocketHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	allowed := h.Config.CORSAllowedOrigins
	if origin == "" || len(allowed) == 0 {
		return true
	}
	if _, ok := allowed["*"]; ok {
		return true
	}
	_, ok := allowed[origin]
	return ok
}

// writeWSError is only used before the socket's writer starts.
func (h SocketHandler) writeWSError(conn *websocket.Conn, code, message string, closeCode int) {
	out := protocol.Error(code, message)
	out.Close = true
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout()))
	_ = conn.WriteJSON(out)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, message), time.Now().Add(h.writeTimeout()))
}

func (h SocketHandler) writeTimeout() time.Duration {
	if h.Config.WSWriteTimeout > 0 {
		return h.Config.WSWriteTimeout
	}
	return 2 * time.Second
}

func (h SocketHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
