// Package config loads relay configuration from environment variables with
// command-line flag overrides.
package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "MESHROOM_LISTEN_ADDR"
	envVarLogFormat       = "MESHROOM_LOG_FORMAT"
	envVarLogLevel        = "MESHROOM_LOG_LEVEL"
	envVarShutdownTimeout = "MESHROOM_SHUTDOWN_TIMEOUT"

	envVarRoomCapacity = "MESHROOM_ROOM_CAPACITY"

	// WebSocket signaling hardening.
	envVarMaxSignalingMessageBytes      = "MESHROOM_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MESHROOM_MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarWSIdleTimeout                 = "MESHROOM_WS_IDLE_TIMEOUT"
	envVarWSPingInterval                = "MESHROOM_WS_PING_INTERVAL"
	envVarAllowedOrigins                = "MESHROOM_ALLOWED_ORIGINS"

	// Client-side negotiation knobs.
	envVarICEGatheringTimeout   = "MESHROOM_ICE_GATHERING_TIMEOUT"
	envVarRenegotiationDebounce = "MESHROOM_RENEGOTIATION_DEBOUNCE"
	envVarSTUNURLs              = "MESHROOM_STUN_URLS"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	// DefaultRoomCapacity is the hard cap on participants per room.
	DefaultRoomCapacity = 10

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultWSIdleTimeout                 = 60 * time.Second
	DefaultWSPingInterval                = 20 * time.Second

	DefaultICEGatheringTimeout = 2 * time.Second

	// DefaultRenegotiationDebounce coalesces bursts of renegotiation-needed
	// signals (track attaches fire several in quick succession).
	DefaultRenegotiationDebounce = 100 * time.Millisecond
)

// DefaultSTUNURLs match the public servers the hosted deployment uses.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	RoomCapacity int

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	WSIdleTimeout                 time.Duration
	WSPingInterval                time.Duration

	// AllowedOrigins is the browser origin allowlist for HTTP and
	// websocket requests. Entries are normalized origins or "*"; empty
	// means same-host only.
	AllowedOrigins []string

	ICEGatheringTimeout   time.Duration
	RenegotiationDebounce time.Duration
	STUNURLs              []string
}

// Load builds a Config from the process environment, then applies flag
// overrides from args.
func Load(args []string) (Config, error) {
	cfg := Config{
		ListenAddr:      DefaultListenAddr,
		LogFormat:       LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: DefaultShutdownTimeout,

		RoomCapacity: DefaultRoomCapacity,

		MaxSignalingMessageBytes:      DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: DefaultMaxSignalingMessagesPerSecond,
		WSIdleTimeout:                 DefaultWSIdleTimeout,
		WSPingInterval:                DefaultWSPingInterval,

		ICEGatheringTimeout:   DefaultICEGatheringTimeout,
		RenegotiationDebounce: DefaultRenegotiationDebounce,
		STUNURLs:              DefaultSTUNURLs,
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("meshroom", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	listen := fs.String("listen", cfg.ListenAddr, "listen address")
	logFormat := fs.String("log-format", string(cfg.LogFormat), "log format: text or json")
	logLevel := fs.String("log-level", cfg.LogLevel.String(), "log level: debug, info, warn, error")
	capacity := fs.Int("room-capacity", cfg.RoomCapacity, "max participants per room")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.ListenAddr = *listen
	cfg.LogFormat = LogFormat(*logFormat)
	cfg.RoomCapacity = *capacity
	lvl, err := parseLogLevel(*logLevel)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = lvl

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(envVarListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envVarLogFormat); v != "" {
		c.LogFormat = LogFormat(v)
	}
	if v := os.Getenv(envVarLogLevel); v != "" {
		lvl, err := parseLogLevel(v)
		if err != nil {
			return err
		}
		c.LogLevel = lvl
	}

	var err error
	if c.ShutdownTimeout, err = envDuration(envVarShutdownTimeout, c.ShutdownTimeout); err != nil {
		return err
	}
	if c.RoomCapacity, err = envInt(envVarRoomCapacity, c.RoomCapacity); err != nil {
		return err
	}
	if c.MaxSignalingMessageBytes, err = envInt64(envVarMaxSignalingMessageBytes, c.MaxSignalingMessageBytes); err != nil {
		return err
	}
	if c.MaxSignalingMessagesPerSecond, err = envInt(envVarMaxSignalingMessagesPerSecond, c.MaxSignalingMessagesPerSecond); err != nil {
		return err
	}
	if c.WSIdleTimeout, err = envDuration(envVarWSIdleTimeout, c.WSIdleTimeout); err != nil {
		return err
	}
	if c.WSPingInterval, err = envDuration(envVarWSPingInterval, c.WSPingInterval); err != nil {
		return err
	}
	if c.ICEGatheringTimeout, err = envDuration(envVarICEGatheringTimeout, c.ICEGatheringTimeout); err != nil {
		return err
	}
	if c.RenegotiationDebounce, err = envDuration(envVarRenegotiationDebounce, c.RenegotiationDebounce); err != nil {
		return err
	}
	if v := os.Getenv(envVarSTUNURLs); v != "" {
		c.STUNURLs = splitList(v)
	}
	if v := os.Getenv(envVarAllowedOrigins); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", c.LogFormat)
	}
	if c.RoomCapacity <= 0 {
		return fmt.Errorf("room capacity must be positive, got %d", c.RoomCapacity)
	}
	if c.MaxSignalingMessageBytes <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxSignalingMessageBytes)
	}
	if c.WSPingInterval >= c.WSIdleTimeout {
		return fmt.Errorf("%s must be shorter than %s", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	return nil
}

// ICEServers returns the configured STUN servers in pion's representation.
func (c Config) ICEServers() []webrtc.ICEServer {
	if len(c.STUNURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.STUNURLs}}
}

// NewLogger constructs the process logger described by the config.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	switch cfg.LogFormat {
	case LogFormatJSON:
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case LogFormatText:
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}
}

func parseLogLevel(v string) (slog.Level, error) {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", v)
	}
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func envInt64(name string, def int64) (int64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}
