package chatapi

import (
	"os"
	"strconv"
	"strings"
)

// Config controls chat HTTP API limits.
type Config struct {
	MaxBodyBytes int64
}

// LoadConfigFromEnv loads chat API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxBodyBytes: envInt64("LIBRIS_CHAT_MAX_BODY_BYTES", 64<<10),
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	return cfg
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
