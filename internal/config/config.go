package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRoot          = "micromamba"
	defaultWorkerBin     = "tarn-worker"
	defaultDBPath        = "tarn.db"
	defaultPythonVersion = "3.11"
	defaultNetwork       = NetworkTCP
	defaultLaunchTimeout = 2 * time.Minute
	// defaultVsockCID is the local loopback context ID.
	defaultVsockCID = 1

	envRoot           = "TARN_ROOT"
	envWorkerBin      = "TARN_WORKER_BIN"
	envDBPath         = "TARN_DB_PATH"
	envStatusAddr     = "TARN_STATUS_ADDR"
	envLogLevel       = "TARN_LOG_LEVEL"
	envPythonVersion  = "TARN_PYTHON_VERSION"
	envRequestTimeout = "TARN_REQUEST_TIMEOUT"
	envLaunchTimeout  = "TARN_LAUNCH_TIMEOUT"
	envNetwork        = "TARN_NETWORK"
	envOTLPEndpoint   = "TARN_OTLP_ENDPOINT"
	envVsockCID       = "TARN_VSOCK_CID"
)

// Worker transport networks.
const (
	NetworkTCP   = "tcp"
	NetworkVsock = "vsock"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	// Root is the micromamba root prefix holding the tool binary and envs/.
	Root string
	// WorkerBin is the worker entry command started inside an environment.
	WorkerBin string
	DBPath    string
	// StatusAddr is the loopback address of the status API. Empty disables it.
	StatusAddr    string
	LogLevel      slog.Level
	PythonVersion string
	// RequestTimeout bounds a single remote call. Zero waits indefinitely.
	RequestTimeout time.Duration
	LaunchTimeout  time.Duration
	Network        string
	// VsockCID is the context ID workers are dialed at when Network is vsock.
	VsockCID     uint32
	OTLPEndpoint string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		Root:          defaultRoot,
		WorkerBin:     defaultWorkerBin,
		DBPath:        defaultDBPath,
		LogLevel:      slog.LevelInfo,
		PythonVersion: defaultPythonVersion,
		LaunchTimeout: defaultLaunchTimeout,
		Network:       defaultNetwork,
		VsockCID:      defaultVsockCID,
	}

	if v := os.Getenv(envRoot); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv(envWorkerBin); v != "" {
		cfg.WorkerBin = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envStatusAddr); v != "" {
		cfg.StatusAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv(envPythonVersion); v != "" {
		cfg.PythonVersion = v
	}
	if v := os.Getenv(envRequestTimeout); v != "" {
		cfg.RequestTimeout = parseDuration(v, 0)
	}
	if v := os.Getenv(envLaunchTimeout); v != "" {
		cfg.LaunchTimeout = parseDuration(v, defaultLaunchTimeout)
	}
	if v := os.Getenv(envNetwork); v != "" {
		cfg.Network = parseNetwork(v)
	}
	if v := os.Getenv(envVsockCID); v != "" {
		if cid, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockCID = uint32(cid)
		}
	}
	if v := os.Getenv(envOTLPEndpoint); v != "" {
		cfg.OTLPEndpoint = v
	}

	return cfg
}

// ParseLogLevel maps a level name to its slog level, defaulting to info.
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

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func parseNetwork(s string) string {
	switch strings.ToLower(s) {
	case NetworkVsock:
		return NetworkVsock
	default:
		return NetworkTCP
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
