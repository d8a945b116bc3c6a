package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the media bridge service.
type Config struct {
	BindAddr         string
	PublicBaseURL    string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	SessionInactivityTimeout time.Duration

	StoreDriver     string
	StoreSQLitePath string
	DatabaseURL     string
	RedisAddr       string

	SFUBaseURL string
	SFUAppID   string
	SFUToken   string

	SpeechWSBaseURL   string
	SpeechHTTPBaseURL string
	SpeechAccountID   string
	SpeechAPIToken    string
	SpeechTTSModel    string
	SpeechSTTModel    string

	DebugDumpDir string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "mediabridge"),
		AllowAnyOrigin:   false,
		// PublicBaseURL is how the SFU reaches back into this service for
		// the sfu-subscribe WebSocket endpoints.
		PublicBaseURL:     envOrDefault("APP_PUBLIC_BASE_URL", "http://localhost:8080"),
		StoreDriver:       envOrDefault("STORE_DRIVER", "memory"),
		StoreSQLitePath:   envOrDefault("STORE_SQLITE_PATH", ".data/mediabridge.db"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		RedisAddr:         stringsTrimSpace("REDIS_ADDR"),
		SFUBaseURL:        envOrDefault("SFU_API_BASE_URL", "https://rtc.live.cloudflare.com/v1"),
		SFUAppID:          stringsTrimSpace("SFU_APP_ID"),
		SFUToken:          stringsTrimSpace("SFU_BEARER_TOKEN"),
		SpeechWSBaseURL:   envOrDefault("SPEECH_WS_BASE_URL", "wss://api.deepgram.com"),
		SpeechHTTPBaseURL: envOrDefault("SPEECH_HTTP_BASE_URL", "https://api.deepgram.com"),
		SpeechAccountID:   stringsTrimSpace("SPEECH_ACCOUNT_ID"),
		SpeechAPIToken:    stringsTrimSpace("SPEECH_API_TOKEN"),
		SpeechTTSModel:    envOrDefault("SPEECH_TTS_MODEL", "aura-2"),
		SpeechSTTModel:    envOrDefault("SPEECH_STT_MODEL", "nova-3"),
		DebugDumpDir:      stringsTrimSpace("APP_DEBUG_DUMP_DIR"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch strings.ToLower(cfg.StoreDriver) {
	case "memory", "sqlite":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("STORE_DRIVER=postgres requires DATABASE_URL")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			return Config{}, fmt.Errorf("STORE_DRIVER=redis requires REDIS_ADDR")
		}
	default:
		return Config{}, fmt.Errorf("STORE_DRIVER must be one of memory, sqlite, postgres, redis")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
