package config_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adi-253/echowire/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"WS_URL", "RECONNECT_INTERVAL", "MAX_RECONNECT_ATTEMPTS", "FILE_CHUNK_DELAY", "CORS_ORIGINS"} {
		t.Setenv(key, "")
	}

	cfg := config.Load()
	if cfg.WebSocketURL != "ws://localhost:8080/ws/messages" {
		t.Fatalf("unexpected WebSocketURL %q", cfg.WebSocketURL)
	}
	if cfg.ReconnectInterval != 3*time.Second {
		t.Fatalf("expected 3s reconnect interval, got %v", cfg.ReconnectInterval)
	}
	if cfg.MaxReconnectAttempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", cfg.MaxReconnectAttempts)
	}
	if cfg.FileChunkDelay != 10*time.Millisecond {
		t.Fatalf("expected 10ms chunk delay, got %v", cfg.FileChunkDelay)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Fatalf("expected default CORS origins, got %v", cfg.CORSOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("USER_ID", "42")
	t.Setenv("RECONNECT_INTERVAL", "250ms")
	t.Setenv("MAX_RECONNECT_ATTEMPTS", "not-a-number")
	t.Setenv("RELAY_TOKENS", " a:1:Alice , b:2 ,")

	cfg := config.Load()
	if cfg.UserID != 42 {
		t.Fatalf("expected user 42, got %d", cfg.UserID)
	}
	if cfg.ReconnectInterval != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %v", cfg.ReconnectInterval)
	}
	if cfg.MaxReconnectAttempts != 5 {
		t.Fatalf("invalid integer should fall back to 5, got %d", cfg.MaxReconnectAttempts)
	}
	if len(cfg.RelayTokens) != 2 || cfg.RelayTokens[0] != "a:1:Alice" || cfg.RelayTokens[1] != "b:2" {
		t.Fatalf("unexpected relay tokens %q", cfg.RelayTokens)
	}
}

func TestValidateReportsMissing(t *testing.T) {
	cfg := &config.Config{}
	missing := cfg.Validate()
	if len(missing) != 2 {
		t.Fatalf("expected AUTH_TOKEN and USER_ID missing, got %v", missing)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	cfg := &config.Config{LogLevel: "DEBUG", LogFormat: "json"}
	logger := cfg.NewLogger()
	if logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %v", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected JSON formatter")
	}

	cfg.LogLevel = "chatty"
	if lvl := cfg.NewLogger().GetLevel(); lvl != logrus.InfoLevel {
		t.Fatalf("unknown level should fall back to info, got %v", lvl)
	}
}
