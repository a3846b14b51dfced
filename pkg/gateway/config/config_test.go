package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

var gatewayEnvKeys = []string{
	"ROOMGATE_ADDR",
	"ROOMGATE_LOG_LEVEL",
	"ROOMGATE_LOG_FORMAT",
	"ROOMGATE_AUTH_MODE",
	"ROOMGATE_API_KEYS",
	"ROOMGATE_CORS_ORIGINS",
	"ROOMGATE_MAX_BODY_BYTES",
	"LIVEKIT_URL",
	"LIVEKIT_API_KEY",
	"LIVEKIT_API_SECRET",
	"ROOMGATE_ROOM_PREFIX",
	"ROOMGATE_DEFAULT_ROOM",
	"ROOMGATE_TOKEN_TTL",
	"ROOMGATE_USER_DISPLAY_NAME",
	"ROOMGATE_AGENT_DISPLAY_NAME",
	"ROOMGATE_TOKEN_IDENTITY",
	"ROOMGATE_WORKER_AGENT_NAME",
	"ROOMGATE_AVATAR_AGENT_NAME",
	"ANAM_AVATAR_ID",
	"AVATAR_IMAGE_PATH",
	"ROOMGATE_STT_MODEL",
	"ROOMGATE_LLM_MODEL",
	"ROOMGATE_TTS_MODEL",
	"ROOMGATE_TTS_VOICE",
	"ROOMGATE_WORKER_CONNECT_TIMEOUT",
	"ROOMGATE_WORKER_AVATAR_TIMEOUT",
	"ROOMGATE_WORKER_GREETING_TIMEOUT",
	"ROOMGATE_POOL_CAPACITY",
	"ROOMGATE_SWEEP_INTERVAL",
	"ROOMGATE_SWEEP_BATCH",
	"ROOMGATE_SWEEP_MAX_IDLE",
	"ROOMGATE_WS_MAX_MESSAGE_BYTES",
	"ROOMGATE_WS_PING_INTERVAL",
	"ROOMGATE_WS_WRITE_TIMEOUT",
	"ROOMGATE_WS_READ_TIMEOUT",
	"ROOMGATE_READ_HEADER_TIMEOUT",
	"ROOMGATE_READ_TIMEOUT",
	"ROOMGATE_SHUTDOWN_GRACE_PERIOD",
}

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, key := range gatewayEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearGatewayEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8000" {
		t.Fatalf("Addr = %q, want :8000", cfg.Addr)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.LogFormat != "text" {
		t.Fatalf("log = %v/%q, want info/text", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.AuthMode != AuthModeDisabled {
		t.Fatalf("AuthMode = %q, want %q", cfg.AuthMode, AuthModeDisabled)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("MaxBodyBytes = %d, want %d", cfg.MaxBodyBytes, int64(1<<20))
	}
	if cfg.LiveKitConfigured() {
		t.Fatalf("LiveKitConfigured() = true, want false")
	}
	if cfg.RoomPrefix != "travel-session-" {
		t.Fatalf("RoomPrefix = %q", cfg.RoomPrefix)
	}
	if cfg.DefaultRoom != "travel-assistant-room" {
		t.Fatalf("DefaultRoom = %q", cfg.DefaultRoom)
	}
	if cfg.TokenTTL != 6*time.Hour {
		t.Fatalf("TokenTTL = %v, want 6h", cfg.TokenTTL)
	}
	if cfg.UserDisplayName != "Web User" || cfg.AgentDisplayName != "Travel Assistant" {
		t.Fatalf("display names = %q/%q", cfg.UserDisplayName, cfg.AgentDisplayName)
	}
	if cfg.WorkerAgentName != "travel-assistant" {
		t.Fatalf("WorkerAgentName = %q", cfg.WorkerAgentName)
	}
	if cfg.AvatarAgentName != "" {
		t.Fatalf("AvatarAgentName = %q, want empty", cfg.AvatarAgentName)
	}
	if cfg.WorkerConnectTimeout != 30*time.Second {
		t.Fatalf("WorkerConnectTimeout = %v, want 30s", cfg.WorkerConnectTimeout)
	}
	if cfg.WorkerAvatarTimeout != 10*time.Second {
		t.Fatalf("WorkerAvatarTimeout = %v, want 10s", cfg.WorkerAvatarTimeout)
	}
	if cfg.WorkerGreetingTimeout != 15*time.Second {
		t.Fatalf("WorkerGreetingTimeout = %v, want 15s", cfg.WorkerGreetingTimeout)
	}
	if cfg.PoolCapacity != 50 {
		t.Fatalf("PoolCapacity = %d, want 50", cfg.PoolCapacity)
	}
	if cfg.SweepInterval != 300*time.Second {
		t.Fatalf("SweepInterval = %v, want 5m", cfg.SweepInterval)
	}
	if cfg.SweepBatch != 10 {
		t.Fatalf("SweepBatch = %d, want 10", cfg.SweepBatch)
	}
	if cfg.SweepMaxIdle != 0 {
		t.Fatalf("SweepMaxIdle = %v, want 0", cfg.SweepMaxIdle)
	}
	if cfg.WSPingInterval != 20*time.Second || cfg.WSWriteTimeout != 5*time.Second || cfg.WSReadTimeout != 0 {
		t.Fatalf("ws timings = %v/%v/%v", cfg.WSPingInterval, cfg.WSWriteTimeout, cfg.WSReadTimeout)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("ROOMGATE_ADDR", ":9090")
	t.Setenv("ROOMGATE_LOG_LEVEL", "debug")
	t.Setenv("ROOMGATE_LOG_FORMAT", "JSON")
	t.Setenv("ROOMGATE_AUTH_MODE", "optional")
	t.Setenv("ROOMGATE_API_KEYS", "k1,k2")
	t.Setenv("ROOMGATE_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("LIVEKIT_URL", "wss://lk.example")
	t.Setenv("LIVEKIT_API_KEY", "key")
	t.Setenv("LIVEKIT_API_SECRET", "secret")
	t.Setenv("ROOMGATE_ROOM_PREFIX", "voice-")
	t.Setenv("ROOMGATE_DEFAULT_ROOM", "lobby")
	t.Setenv("ROOMGATE_AVATAR_AGENT_NAME", "anam-avatar")
	t.Setenv("ANAM_AVATAR_ID", "av-1")
	t.Setenv("ROOMGATE_WORKER_CONNECT_TIMEOUT", "12s")
	t.Setenv("ROOMGATE_POOL_CAPACITY", "3")
	t.Setenv("ROOMGATE_SWEEP_INTERVAL", "1m")
	t.Setenv("ROOMGATE_SWEEP_BATCH", "2")
	t.Setenv("ROOMGATE_SWEEP_MAX_IDLE", "90s")
	t.Setenv("ROOMGATE_WS_READ_TIMEOUT", "45s")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":9090" || cfg.AuthMode != AuthModeOptional {
		t.Fatalf("Addr/AuthMode = %q/%q", cfg.Addr, cfg.AuthMode)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.LogFormat != "json" {
		t.Fatalf("log = %v/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if len(cfg.APIKeys) != 2 || len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("APIKeys/CORS len = %d/%d, want 2/2", len(cfg.APIKeys), len(cfg.CORSAllowedOrigins))
	}
	if !cfg.LiveKitConfigured() {
		t.Fatalf("LiveKitConfigured() = false, want true")
	}
	if cfg.RoomPrefix != "voice-" || cfg.DefaultRoom != "lobby" {
		t.Fatalf("rooms = %q/%q", cfg.RoomPrefix, cfg.DefaultRoom)
	}
	if cfg.AvatarAgentName != "anam-avatar" || cfg.AvatarID != "av-1" {
		t.Fatalf("avatar = %q/%q", cfg.AvatarAgentName, cfg.AvatarID)
	}
	if cfg.WorkerConnectTimeout != 12*time.Second {
		t.Fatalf("WorkerConnectTimeout = %v, want 12s", cfg.WorkerConnectTimeout)
	}
	if cfg.PoolCapacity != 3 || cfg.SweepInterval != time.Minute || cfg.SweepBatch != 2 || cfg.SweepMaxIdle != 90*time.Second {
		t.Fatalf("pool = %d/%v/%d/%v", cfg.PoolCapacity, cfg.SweepInterval, cfg.SweepBatch, cfg.SweepMaxIdle)
	}
	if cfg.WSReadTimeout != 45*time.Second {
		t.Fatalf("WSReadTimeout = %v, want 45s", cfg.WSReadTimeout)
	}
}

func TestLoadFromEnv_RequiredAuthNeedsAPIKeys(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("ROOMGATE_AUTH_MODE", "required")

	_, err := LoadFromEnv()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "ROOMGATE_API_KEYS") {
		t.Fatalf("error = %v, expected ROOMGATE_API_KEYS in message", err)
	}
}

func TestLoadFromEnv_PartialLiveKitRejected(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("LIVEKIT_URL", "wss://lk.example")

	_, err := LoadFromEnv()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "LIVEKIT_API_KEY") {
		t.Fatalf("error = %v, expected LIVEKIT_API_KEY in message", err)
	}
}

func TestLoadFromEnv_InvalidDurationsAndBounds(t *testing.T) {
	cases := []struct {
		name      string
		env       map[string]string
		errSubstr string
	}{
		{
			name:      "invalid sweep interval",
			env:       map[string]string{"ROOMGATE_SWEEP_INTERVAL": "0s"},
			errSubstr: "ROOMGATE_SWEEP_INTERVAL",
		},
		{
			name:      "invalid sweep batch",
			env:       map[string]string{"ROOMGATE_SWEEP_BATCH": "0"},
			errSubstr: "ROOMGATE_SWEEP_BATCH",
		},
		{
			name:      "negative pool capacity",
			env:       map[string]string{"ROOMGATE_POOL_CAPACITY": "-1"},
			errSubstr: "ROOMGATE_POOL_CAPACITY",
		},
		{
			name:      "invalid connect timeout",
			env:       map[string]string{"ROOMGATE_WORKER_CONNECT_TIMEOUT": "0s"},
			errSubstr: "ROOMGATE_WORKER_CONNECT_TIMEOUT",
		},
		{
			name:      "negative read timeout",
			env:       map[string]string{"ROOMGATE_WS_READ_TIMEOUT": "-1s"},
			errSubstr: "ROOMGATE_WS_READ_TIMEOUT",
		},
		{
			name:      "unknown log level",
			env:       map[string]string{"ROOMGATE_LOG_LEVEL": "loud"},
			errSubstr: "ROOMGATE_LOG_LEVEL",
		},
		{
			name:      "unknown log format",
			env:       map[string]string{"ROOMGATE_LOG_FORMAT": "xml"},
			errSubstr: "ROOMGATE_LOG_FORMAT",
		},
		{
			name:      "unknown auth mode",
			env:       map[string]string{"ROOMGATE_AUTH_MODE": "sometimes"},
			errSubstr: "ROOMGATE_AUTH_MODE",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearGatewayEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.errSubstr) {
				t.Fatalf("error = %v, expected %q", err, tc.errSubstr)
			}
		})
	}
}

func TestLoadFromEnv_MalformedNumbersFallBackToDefaults(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("ROOMGATE_POOL_CAPACITY", "many")
	t.Setenv("ROOMGATE_SWEEP_INTERVAL", "soon")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.PoolCapacity != 50 {
		t.Fatalf("PoolCapacity = %d, want default 50", cfg.PoolCapacity)
	}
	if cfg.SweepInterval != 300*time.Second {
		t.Fatalf("SweepInterval = %v, want default 5m", cfg.SweepInterval)
	}
}
