package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "crucible.db"
	defaultScriptsDir   = "scripts"
	defaultPythonBin    = "python3"
	defaultTickInterval = time.Minute
	defaultRunTimeout   = 5 * time.Minute

	envListenAddr   = "CRUCIBLE_LISTEN_ADDR"
	envDBPath       = "CRUCIBLE_DB_PATH"
	envScriptsDir   = "CRUCIBLE_SCRIPTS_DIR"
	envPythonBin    = "CRUCIBLE_PYTHON_BIN"
	envLogLevel     = "CRUCIBLE_LOG_LEVEL"
	envTickInterval = "CRUCIBLE_TICK_INTERVAL"
	envRunTimeout   = "CRUCIBLE_RUN_TIMEOUT"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr   string
	DBPath       string
	ScriptsDir   string
	PythonBin    string
	LogLevel     slog.Level
	TickInterval time.Duration
	RunTimeout   time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		ScriptsDir:   defaultScriptsDir,
		PythonBin:    defaultPythonBin,
		LogLevel:     slog.LevelInfo,
		TickInterval: defaultTickInterval,
		RunTimeout:   defaultRunTimeout,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envScriptsDir); v != "" {
		cfg.ScriptsDir = v
	}
	if v := os.Getenv(envPythonBin); v != "" {
		cfg.PythonBin = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envTickInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TickInterval = d
		}
	}
	if v := os.Getenv(envRunTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RunTimeout = d
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
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
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
