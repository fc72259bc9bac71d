// Package config loads the signaling server configuration from environment
// variables and command-line flags. Flags win over env vars; env vars win
// over defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dreminjs/meets/internal/origin"
)

const (
	envVarListenAddr      = "MEETS_LISTEN_ADDR"
	envVarMode            = "MEETS_MODE"
	envVarLogFormat       = "MEETS_LOG_FORMAT"
	envVarLogLevel        = "MEETS_LOG_LEVEL"
	envVarShutdownTimeout = "MEETS_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Room policy.
	envVarRoomCapacity = "ROOM_CAPACITY"

	// Per-connection websocket hardening.
	envVarWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Ephemeral TURN credentials (coturn REST API). Unset secret means the
	// static MEETS_TURN_* credentials are served as-is.
	envVarTURNRESTSecret         = "MEETS_TURN_REST_SECRET"
	envVarTURNRESTTTL            = "MEETS_TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "MEETS_TURN_REST_USERNAME_PREFIX"

	flagListenAddr = "listen-addr"
	flagMode       = "mode"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultRoomCapacity = 2

	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50

	DefaultTURNRESTTTL            = time.Hour
	DefaultTURNRESTUsernamePrefix = "meets"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config is the fully validated runtime configuration.
type Config struct {
	ListenAddr string
	Mode       Mode

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	// AllowedOrigins is the browser origin allowlist applied to both CORS
	// preflights and websocket upgrades. Empty means allow all (dev only; main
	// logs a startup warning).
	AllowedOrigins []string

	// RoomCapacity caps members per room. The service is built for two-party
	// calls; values below 2 are rejected at load.
	RoomCapacity int

	WSIdleTimeout  time.Duration
	WSPingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// ICEServers is handed to browser clients via GET /webrtc/ice. When
	// TURNRESTSecret is set, TURN entries get per-request ephemeral
	// credentials minted with it instead of their static ones.
	ICEServers             []webrtc.ICEServer
	TURNRESTSecret         string
	TURNRESTTTL            time.Duration
	TURNRESTUsernamePrefix string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode := envOrDefault(lookup, envVarMode, string(ModeDev))

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(envMode))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(envMode))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	modeStr := envMode

	fs := flag.NewFlagSet("meets-signaling", flag.ContinueOnError)
	fs.StringVar(&listenAddr, flagListenAddr, listenAddr, "TCP listen address (env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, flagMode, modeStr, "Run mode: dev or prod (env "+envVarMode+")")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	logFormat, err := parseLogFormat(logFormatDefault)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelDefault)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(envOrDefault(lookup, envVarAllowedOrigins, ""))
	if err != nil {
		return Config{}, err
	}

	roomCapacity, err := envIntOrDefault(lookup, envVarRoomCapacity, DefaultRoomCapacity)
	if err != nil {
		return Config{}, err
	}
	if roomCapacity < 2 {
		return Config{}, fmt.Errorf("invalid %s %d: need at least 2", envVarRoomCapacity, roomCapacity)
	}

	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	if wsPingInterval <= 0 || wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s and %s must be positive", envVarWSIdleTimeout, envVarWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s (%v) must be shorter than %s (%v)",
			envVarWSPingInterval, wsPingInterval, envVarWSIdleTimeout, wsIdleTimeout)
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d: must be positive", envVarMaxMessageBytes, maxMessageBytes)
	}

	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	if maxMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("invalid %s %d: must be >= 0 (0 disables)", envVarMaxMessagesPerSecond, maxMessagesPerSecond)
	}

	turnRESTSecret := strings.TrimSpace(envOrDefault(lookup, envVarTURNRESTSecret, ""))
	turnRESTTTL, err := envDurationOrDefault(lookup, envVarTURNRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}
	turnRESTPrefix := strings.TrimSpace(envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix))
	if turnRESTSecret != "" {
		if turnRESTTTL <= 0 {
			return Config{}, fmt.Errorf("invalid %s %v: must be positive", envVarTURNRESTTTL, turnRESTTTL)
		}
		if turnRESTPrefix == "" || strings.Contains(turnRESTPrefix, ":") {
			return Config{}, fmt.Errorf("invalid %s %q: must be non-empty and contain no ':'", envVarTURNRESTUsernamePrefix, turnRESTPrefix)
		}
	}

	// With a TURN REST secret the server mints credentials per request, so
	// static TURN credentials need not be configured.
	iceServers, err := parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
		turnRESTSecret != "",
	)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:           listenAddr,
		Mode:                 mode,
		LogFormat:            logFormat,
		LogLevel:             logLevel,
		ShutdownTimeout:      shutdownTimeout,
		AllowedOrigins:       allowedOrigins,
		RoomCapacity:         roomCapacity,
		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		ICEServers:           iceServers,

		TURNRESTSecret:         turnRESTSecret,
		TURNRESTTTL:            turnRESTTTL,
		TURNRESTUsernamePrefix: turnRESTPrefix,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

// parseAllowedOrigins parses a comma-separated origin allowlist. Each entry
// must normalize to scheme://host[:port] with an http or https scheme. Empty
// input means "allow all".
func parseAllowedOrigins(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		normalized, ok := origin.Normalize(part)
		if !ok {
			return nil, fmt.Errorf("invalid %s entry %q: expected scheme://host[:port] with http or https scheme", envVarAllowedOrigins, part)
		}
		out = append(out, normalized)
	}
	return out, nil
}
