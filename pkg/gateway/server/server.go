package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/roomgate/pkg/core/session"
	"github.com/vango-go/roomgate/pkg/core/token"
	"github.com/vango-go/roomgate/pkg/core/worker"
	"github.com/vango-go/roomgate/pkg/core/worker/livekit"
	"github.com/vango-go/roomgate/pkg/gateway/config"
	"github.com/vango-go/roomgate/pkg/gateway/handlers"
	"github.com/vango-go/roomgate/pkg/gateway/lifecycle"
	"github.com/vango-go/roomgate/pkg/gateway/live/bindings"
	"github.com/vango-go/roomgate/pkg/gateway/live/protocol"
	"github.com/vango-go/roomgate/pkg/gateway/mw"
	"github.com/vango-go/roomgate/pkg/metrics"
)

// Dependencies overrides the collaborators New would otherwise build from config.
type Dependencies struct {
	Bridge  worker.Bridge
	Issuer  token.Issuer
	Metrics *metrics.Metrics
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	metrics   *metrics.Metrics
	issuer    token.Issuer
	pool      *worker.Pool
	sweeper   *worker.Sweeper
	sessions  *session.Registry
	bindings  *bindings.Table
	lifecycle *lifecycle.Lifecycle
}

// New wires the gateway from config: LiveKit when credentials are present,
// the in-process echo bridge otherwise.
func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	deps := Dependencies{}
	if cfg.LiveKitConfigured() {
		bridge, err := livekit.New(livekit.Config{
			URL:             cfg.LiveKitURL,
			APIKey:          cfg.LiveKitAPIKey,
			APISecret:       cfg.LiveKitAPISecret,
			AgentName:       cfg.WorkerAgentName,
			AvatarAgentName: cfg.AvatarAgentName,
			AvatarID:        cfg.AvatarID,
			AvatarImagePath: cfg.AvatarImagePath,
			STTModel:        cfg.STTModel,
			LLMModel:        cfg.LLMModel,
			TTSModel:        cfg.TTSModel,
			TTSVoice:        cfg.TTSVoice,
			ConnectTimeout:  cfg.WorkerConnectTimeout,
			AvatarTimeout:   cfg.WorkerAvatarTimeout,
			GreetingTimeout: cfg.WorkerGreetingTimeout,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("livekit bridge: %w", err)
		}
		deps.Bridge = bridge
		deps.Issuer = token.NewLiveKitIssuer(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, cfg.TokenTTL)
	} else {
		logger.Warn("livekit credentials not configured; using echo worker bridge and no tokens")
	}
	return NewWithDependencies(cfg, logger, deps), nil
}

func NewWithDependencies(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Bridge == nil {
		deps.Bridge = worker.NewEchoBridge()
	}
	if deps.Issuer == nil {
		deps.Issuer = token.Unconfigured{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New("roomgate")
	}

	pool := worker.NewPool(deps.Bridge, worker.PoolConfig{
		Capacity: cfg.PoolCapacity,
		Logger:   logger,
		Metrics:  deps.Metrics,
	})
	table := bindings.NewTable(deps.Metrics)
	registry := session.NewRegistry(session.Config{
		Issuer:           deps.Issuer,
		Pool:             pool,
		Bindings:         table,
		RoomPrefix:       cfg.RoomPrefix,
		UserDisplayName:  cfg.UserDisplayName,
		AgentDisplayName: cfg.AgentDisplayName,
		Logger:           logger,
		Metrics:          deps.Metrics,
	})

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		metrics:   deps.Metrics,
		issuer:    deps.Issuer,
		pool:      pool,
		sessions:  registry,
		bindings:  table,
		lifecycle: &lifecycle.Lifecycle{},
		sweeper: &worker.Sweeper{
			Pool:     pool,
			Interval: cfg.SweepInterval,
			Batch:    cfg.SweepBatch,
			MaxIdle:  cfg.SweepMaxIdle,
			Logger:   logger,
			Metrics:  deps.Metrics,
		},
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/", handlers.RootHandler{})
	s.mux.Handle("GET /health", handlers.StatusHandler{})
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle, Sessions: s.sessions})
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	sessionsHandler := handlers.SessionsHandler{
		Config:   s.cfg,
		Sessions: s.sessions,
		Logger:   s.logger,
	}
	s.mux.Handle("/sessions", sessionsHandler)
	s.mux.Handle("/sessions/{session_id}", sessionsHandler)

	s.mux.Handle("/api/token", handlers.TokenHandler{
		Config:  s.cfg,
		Issuer:  s.issuer,
		Logger:  s.logger,
		Metrics: s.metrics,
	})

	s.mux.Handle("/ws/{session_id}", handlers.SocketHandler{
		Config:    s.cfg,
		Sessions:  s.sessions,
		Bindings:  s.bindings,
		Lifecycle: s.lifecycle,
		Logger:    s.logger,
		Metrics:   s.metrics,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, s.metrics, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Sessions() *session.Registry { return s.sessions }

func (s *Server) Bindings() *bindings.Table { return s.bindings }

func (s *Server) Pool() *worker.Pool { return s.pool }

func (s *Server) Sweeper() *worker.Sweeper { return s.sweeper }

func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// SetDraining fails readiness and refuses new voice connections.
func (s *Server) SetDraining() {
	if s.lifecycle.BeginDrain(time.Now()) {
		s.logger.Info("gateway draining", "active_sessions", s.sessions.Len(), "live_connections", s.bindings.Count())
	}
}

func (s *Server) WarnLiveSessionsDraining() int {
	return s.bindings.WarnAll(protocol.CodeShuttingDown, "server is shutting down")
}

func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.bindings.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.bindings.CancelAll()
}

// Close ends every session and disposes pooled workers. Bound clients get
// session_stopped before their connection closes.
func (s *Server) Close(ctx context.Context) {
	s.sessions.EndAll(ctx)
	s.pool.Close(ctx)
}
