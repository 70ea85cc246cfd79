package app

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// ServerConfig defines how the gateway process should run.
type ServerConfig struct {
	Addr   string
	WSPath string
	DBPath string

	// NATSURL is the shared bus address. Empty selects the in-memory bus,
	// which is only correct for single-process deployments.
	NATSURL string

	// JWTSecret signs and verifies the login tokens.
	JWTSecret string
	TokenTTL  time.Duration

	PresenceTTL        time.Duration
	ModerationFailOpen bool

	LogLevel string
}

// FromEnv builds the config from CHATGATE_* environment variables.
func FromEnv() ServerConfig {
	return ServerConfig{
		Addr:               envOr("CHATGATE_ADDR", ":8080"),
		WSPath:             envOr("CHATGATE_WS_PATH", "/ws"),
		DBPath:             DefaultDBPath(),
		NATSURL:            os.Getenv("CHATGATE_NATS_URL"),
		JWTSecret:          os.Getenv("CHATGATE_JWT_SECRET"),
		TokenTTL:           envDuration("CHATGATE_TOKEN_TTL", 24*time.Hour),
		PresenceTTL:        envDuration("CHATGATE_PRESENCE_TTL", 300*time.Second),
		ModerationFailOpen: envBool("CHATGATE_MODERATION_FAIL_OPEN", false),
		LogLevel:           envOr("CHATGATE_LOG_LEVEL", "info"),
	}
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("CHATGATE_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("CHATGATE_DATA_DIR"); env != "" {
		return filepath.Join(env, "chatgate.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatgate", "chatgate.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Chatgate", "chatgate.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Chatgate", "chatgate.db")
		}
		return filepath.Join(home, ".local", "share", "chatgate", "chatgate.db")
	}
	return filepath.Join(".", ".chatgate", "chatgate.db")
}

// NormalizeWSPath guarantees the websocket path starts with '/' and falls
// back to /ws when empty.
func NormalizeWSPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
