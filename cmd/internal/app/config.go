package app

import (
	"time"

	"libris/cmd/internal/identity"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json | pretty

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Optional display-name cache in front of the account directory.
	RedisURL        string
	AccountCacheTTL time.Duration

	StaffRoles         []string
	ChatPublishTimeout time.Duration

	Token identity.TokenConfig

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
// A .env file (LIBRIS_ENV_FILE, default ".env") is applied first; real environment variables win.
func LoadConfig() (Config, error) {
	if err := LoadDotEnv(EnvString("LIBRIS_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	tok, err := identity.LoadTokenConfigFromEnv()
	if err != nil {
		return Config{}, err
	}

	return Config{
		HTTPAddr:  EnvString("LIBRIS_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("LIBRIS_LOG_LEVEL", "info"),
		LogFormat: EnvString("LIBRIS_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("LIBRIS_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("LIBRIS_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("LIBRIS_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("LIBRIS_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("LIBRIS_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("LIBRIS_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("LIBRIS_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("LIBRIS_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("LIBRIS_DB_SCHEMA", "libris"),
		DBAutoMigrate: EnvBool("LIBRIS_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("LIBRIS_READINESS_REQUIRE_DB", false),

		RedisURL:        EnvString("LIBRIS_REDIS_URL", ""),
		AccountCacheTTL: EnvDuration("LIBRIS_ACCOUNT_CACHE_TTL", 5*time.Minute),

		StaffRoles:         EnvCSV("LIBRIS_STAFF_ROLES", "Admin,Librarian,Assistant"),
		ChatPublishTimeout: EnvDuration("LIBRIS_CHAT_PUBLISH_TIMEOUT", 5*time.Second),

		Token: tok,

		CORSAllowedOrigins:   EnvCSV("LIBRIS_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("LIBRIS_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("LIBRIS_CORS_MAX_AGE", 600),

		MetricsEnabled: EnvBool("LIBRIS_METRICS_ENABLED", true),
	}, nil
}
