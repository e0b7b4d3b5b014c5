package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Message store selection, first match wins:
	// DatabaseURL set -> Postgres, BadgerDir set -> Badger, else in-memory.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	BadgerDir   string

	// Static credential grants for dev mode, "credential:user_id" pairs
	// separated by commas. Ignored when the DB-backed provider is active.
	Credentials string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, WREN_CREDENTIAL_HMAC_KEY MUST be set (>= 32 bytes) so stored
	// credential digests are keyed.
	RequireCredentialHMAC bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("WREN_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("WREN_LOG_LEVEL", "info"),
		LogFormat: EnvString("WREN_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("WREN_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("WREN_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("WREN_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("WREN_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("WREN_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("WREN_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("WREN_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("WREN_DB_MIN_CONNS", 0),
		BadgerDir:   EnvString("WREN_BADGER_DIR", ""),

		Credentials: EnvString("WREN_DM_CREDENTIALS", ""),

		ReadinessRequireDB: EnvBool("WREN_READINESS_REQUIRE_DB", false),

		RequireCredentialHMAC: EnvBool("WREN_REQUIRE_CREDENTIAL_HMAC", false),
	}
}
