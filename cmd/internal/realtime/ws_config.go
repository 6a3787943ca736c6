package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute

	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig controls websocket gateway limits and policies.
type GatewayConfig struct {
	// DevInsecure disables the accept-level origin check. Development only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration

	// AuthorizeJoin re-checks conversation access on every room_join.
	AuthorizeJoin bool
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   wsDefaultOriginRequired,
		AllowedOrigins:   splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
		AuthorizeJoin:    true,
	}
}

// LoadGatewayConfigFromEnv reads LIBRIS_WS_* variables over the defaults.
func LoadGatewayConfigFromEnv() GatewayConfig {
	def := DefaultGatewayConfig()
	cfg := GatewayConfig{
		DevInsecure:      envBoolWS("LIBRIS_WS_DEV_INSECURE", false),
		OriginRequired:   envBoolWS("LIBRIS_WS_ORIGIN_REQUIRED", def.OriginRequired),
		AllowedOrigins:   envCSVWS("LIBRIS_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		WriteTimeout:     envDurationWS("LIBRIS_WS_WRITE_TIMEOUT", def.WriteTimeout),
		ReadIdleTimeout:  envDurationWS("LIBRIS_WS_READ_IDLE_TIMEOUT", def.ReadIdleTimeout),
		SendQueueSize:    envIntWS("LIBRIS_WS_SEND_QUEUE", def.SendQueueSize),
		HeartbeatEvery:   envDurationWS("LIBRIS_WS_HEARTBEAT_INTERVAL", def.HeartbeatEvery),
		HeartbeatTimeout: envDurationWS("LIBRIS_WS_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),
		RateEvents:       envIntWS("LIBRIS_WS_RATE_EVENTS", def.RateEvents),
		RateWindow:       envDurationWS("LIBRIS_WS_RATE_WINDOW", def.RateWindow),
		AuthorizeJoin:    envBoolWS("LIBRIS_WS_AUTHORIZE_JOIN", def.AuthorizeJoin),
	}
	return cfg.withDefaults()
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	return splitCSV(raw)
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
