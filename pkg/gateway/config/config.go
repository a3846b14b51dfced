package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	LogLevel  slog.Level
	LogFormat string // text|json

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	MaxBodyBytes int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// LiveKit credentials. Unprefixed names match the LiveKit tooling convention.
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string

	// Rooms and tokens.
	RoomPrefix        string
	DefaultRoom       string
	TokenTTL          time.Duration
	UserDisplayName   string
	AgentDisplayName  string
	TokenUserIdentity string

	// Worker dispatch.
	WorkerAgentName string
	AvatarAgentName string // empty => avatar disabled
	AvatarID        string
	AvatarImagePath string
	STTModel        string
	LLMModel        string
	TTSModel        string
	TTSVoice        string

	WorkerConnectTimeout  time.Duration
	WorkerAvatarTimeout   time.Duration
	WorkerGreetingTimeout time.Duration

	// Worker pool and sweeper.
	PoolCapacity  int
	SweepInterval time.Duration
	SweepBatch    int
	SweepMaxIdle  time.Duration

	// Session WebSocket (/ws/{session_id}).
	WSMaxMessageBytes int64
	WSPingInterval    time.Duration
	WSWriteTimeout    time.Duration
	WSReadTimeout     time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

// LiveKitConfigured reports whether all three LiveKit credentials are present.
func (c Config) LiveKitConfigured() bool {
	return c.LiveKitURL != "" && c.LiveKitAPIKey != "" && c.LiveKitAPISecret != ""
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("ROOMGATE_ADDR", ":8000"),
		LogFormat:             strings.ToLower(envOr("ROOMGATE_LOG_FORMAT", "text")),
		AuthMode:              AuthMode(envOr("ROOMGATE_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:               make(map[string]struct{}),
		MaxBodyBytes:          envInt64Or("ROOMGATE_MAX_BODY_BYTES", 1<<20), // 1 MiB
		CORSAllowedOrigins:    make(map[string]struct{}),
		LiveKitURL:            envOr("LIVEKIT_URL", ""),
		LiveKitAPIKey:         envOr("LIVEKIT_API_KEY", ""),
		LiveKitAPISecret:      envOr("LIVEKIT_API_SECRET", ""),
		RoomPrefix:            envOr("ROOMGATE_ROOM_PREFIX", "travel-session-"),
		DefaultRoom:           envOr("ROOMGATE_DEFAULT_ROOM", "travel-assistant-room"),
		TokenTTL:              envDurationOr("ROOMGATE_TOKEN_TTL", 6*time.Hour),
		UserDisplayName:       envOr("ROOMGATE_USER_DISPLAY_NAME", "Web User"),
		AgentDisplayName:      envOr("ROOMGATE_AGENT_DISPLAY_NAME", "Travel Assistant"),
		TokenUserIdentity:     envOr("ROOMGATE_TOKEN_IDENTITY", "user"),
		WorkerAgentName:       envOr("ROOMGATE_WORKER_AGENT_NAME", "travel-assistant"),
		AvatarAgentName:       envOr("ROOMGATE_AVATAR_AGENT_NAME", ""),
		AvatarID:              envOr("ANAM_AVATAR_ID", ""),
		AvatarImagePath:       envOr("AVATAR_IMAGE_PATH", ""),
		STTModel:              envOr("ROOMGATE_STT_MODEL", "deepgram/nova-3"),
		LLMModel:              envOr("ROOMGATE_LLM_MODEL", "openai/gpt-4o-mini"),
		TTSModel:              envOr("ROOMGATE_TTS_MODEL", "cartesia/sonic-2"),
		TTSVoice:              envOr("ROOMGATE_TTS_VOICE", ""),
		WorkerConnectTimeout:  envDurationOr("ROOMGATE_WORKER_CONNECT_TIMEOUT", 30*time.Second),
		WorkerAvatarTimeout:   envDurationOr("ROOMGATE_WORKER_AVATAR_TIMEOUT", 10*time.Second),
		WorkerGreetingTimeout: envDurationOr("ROOMGATE_WORKER_GREETING_TIMEOUT", 15*time.Second),
		PoolCapacity:          envIntOr("ROOMGATE_POOL_CAPACITY", 50),
		SweepInterval:         envDurationOr("ROOMGATE_SWEEP_INTERVAL", 300*time.Second),
		SweepBatch:            envIntOr("ROOMGATE_SWEEP_BATCH", 10),
		SweepMaxIdle:          envDurationOr("ROOMGATE_SWEEP_MAX_IDLE", 0),
		WSMaxMessageBytes:     envInt64Or("ROOMGATE_WS_MAX_MESSAGE_BYTES", 1<<20),
		WSPingInterval:        envDurationOr("ROOMGATE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:        envDurationOr("ROOMGATE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:         envDurationOr("ROOMGATE_WS_READ_TIMEOUT", 0),
		ReadHeaderTimeout:     envDurationOr("ROOMGATE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:           envDurationOr("ROOMGATE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:   envDurationOr("ROOMGATE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	level, err := parseLevel(envOr("ROOMGATE_LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("ROOMGATE_LOG_FORMAT must be one of text|json")
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("ROOMGATE_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("ROOMGATE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	for _, origin := range splitCSV(os.Getenv("ROOMGATE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("ROOMGATE_MAX_BODY_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DefaultRoom) == "" {
		return Config{}, fmt.Errorf("ROOMGATE_DEFAULT_ROOM must not be empty")
	}
	if cfg.TokenTTL <= 0 {
		return Config{}, fmt.Errorf("ROOMGATE_TOKEN_TTL must be > 0")
	}
	if strings.TrimSpace(cfg.WorkerAgentName) == "" {
		return Config{}, fmt.Errorf("ROOMGATE_WORKER_AGENT_NAME must not be empty")
	}
	if cfg.WorkerConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("ROOMGATE_WORKER_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.WorkerAvatarTimeout <= 0 {
		return Config{}, fmt.Errorf("ROOMGATE_WORKER_AVATAR_TIMEOUT must be > 0")
	}
	if cfg.WorkerGreetingTimeout <= 0 {
		return Config{}, fmt.Errorf("ROOMGATE_WORKER_GREETING_TIMEOUT must be > 0")
	}
	if cfg.PoolCapacity < 0 {
		return Config{}, fmt.Errorf("ROOMGATE_POOL_CAPACITY must be >= 0")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("ROOMGATE_SWEEP_INTERVAL must be > 0")
	}
	if cfg.SweepBatch <= 0 {
		return Config{}, fmt.Errorf("ROOMGATE_SWEEP_BATCH must be > 0")
	}
	if cfg.SweepMaxIdle < 0 {
		return Config{}, fmt.Errorf("ROOMGATE_SWEEP_MAX_IDLE must be >= 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("ROOMGATE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("ROOMGATE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("ROOMGATE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("ROOMGATE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("ROOMGATE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("ROOMGATE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("ROOMGATE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	// A partial LiveKit setup is almost always a typo; refuse it instead of silently falling back.
	set := 0
	for _, v := range []string{cfg.LiveKitURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return Config{}, fmt.Errorf("LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET must be set together")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("ROOMGATE_API_KEYS must be set when ROOMGATE_AUTH_MODE=required")
	}

	return cfg, nil
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("ROOMGATE_LOG_LEVEL must be one of debug|info|warn|error")
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
