package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "sosmill.db"

	envListenAddr     = "SOSMILL_LISTEN_ADDR"
	envDBPath         = "SOSMILL_DB_PATH"
	envLogLevel       = "SOSMILL_LOG_LEVEL"
	envProfiles       = "SOSMILL_PROFILES"
	envKernelEndpoint = "SOSMILL_KERNEL_ENDPOINT"
	envConnectionFile = "SOSMILL_CONNECTION_FILE"
)

// Log formats accepted by NewLoggerFormat.
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// ProfilesPath names an optional HCL file of engine profiles.
	ProfilesPath string

	// KernelEndpoint and ConnectionFile locate the kernel when neither the
	// profile nor the request does.
	KernelEndpoint string
	ConnectionFile string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	cfg.ProfilesPath = os.Getenv(envProfiles)
	cfg.KernelEndpoint = os.Getenv(envKernelEndpoint)
	cfg.ConnectionFile = os.Getenv(envConnectionFile)

	return cfg
}

// ParseLogLevel maps a level name to a slog level. Unknown names are info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return NewLoggerFormat(w, level, LogFormatJSON)
}

// NewLoggerFormat creates a logger in the given format, "json" or "text".
func NewLoggerFormat(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == LogFormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
