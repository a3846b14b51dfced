package handlers

import (
	"net/http"
	"time"

	"github.com/vango-go/roomgate/pkg/gateway/config"
	"github.com/vango-go/roomgate/pkg/gateway/lifecycle"
)

const serviceBanner = "Enterprise Voice AI Conversational Agent API"

// RootHandler answers GET / with the service banner and 404s everything else.
type RootHandler struct{}

func (h RootHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		NotFoundHandler{}.ServeHTTP(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": serviceBanner})
}

// StatusHandler is the JSON health check browsers and the web client poll.
type StatusHandler struct{}

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// SessionCounter reports live session counts for readiness output.
type SessionCounter interface {
	Len() int
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  SessionCounter
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		AuthMode       string   `json:"auth_mode"`
		LiveKitEnabled bool     `json:"livekit_enabled"`
		DrainingSince  string   `json:"draining_since,omitempty"`
		ActiveSessions int      `json:"active_sessions"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.PoolCapacity < 0 {
		issues = append(issues, "pool capacity must be >= 0")
	}
	if h.Config.SweepInterval <= 0 || h.Config.SweepBatch <= 0 {
		issues = append(issues, "sweeper interval and batch must be > 0")
	}
	if h.Config.WSPingInterval <= 0 || h.Config.WSWriteTimeout <= 0 {
		issues = append(issues, "ws ping interval and write timeout must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	var since string
	if draining {
		since = h.Lifecycle.DrainingSince().UTC().Format(time.RFC3339)
	}

	active := 0
	if h.Sessions != nil {
		active = h.Sessions.Len()
	}
	writeJSON(w, status, readyResp{
		OK:             ok,
		Draining:       draining,
		DrainingSince:  since,
		AuthMode:       string(h.Config.AuthMode),
		LiveKitEnabled: h.Config.LiveKitConfigured(),
		ActiveSessions: active,
		Issues:         issues,
	})
}
