package app

import (
	"time"

	"integops/cmd/internal/notify"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json | text | pretty
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	DBMigrate   bool

	// Circuit breaker around the directory store (Postgres mode only).
	DBBreaker          bool
	DBBreakerFailures  int
	DBBreakerOpenDelay time.Duration

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	CacheSize int

	// Bootstrap admin is created on startup when the password is set.
	BootstrapAdminUsername string
	BootstrapAdminPassword string

	BroadcastTimeout time.Duration
	BroadcastFanout  int
	BroadcastMaxBody int64

	WSRequireAuth bool
	WS            notify.GatewayConfig
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	ws := notify.DefaultGatewayConfig()

	return Config{
		HTTPAddr:  EnvString("INTEGOPS_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("INTEGOPS_LOG_LEVEL", "info"),
		LogFormat: EnvString("INTEGOPS_LOG_FORMAT", "json"),
		LogColor:  EnvBool("INTEGOPS_LOG_COLOR", false),

		ReadHeaderTimeout: EnvDuration("INTEGOPS_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("INTEGOPS_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("INTEGOPS_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("INTEGOPS_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("INTEGOPS_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("INTEGOPS_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("INTEGOPS_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("INTEGOPS_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("INTEGOPS_DB_SCHEMA", "integops"),
		DBMigrate:   EnvBool("INTEGOPS_DB_MIGRATE", true),

		DBBreaker:          EnvBool("INTEGOPS_DB_BREAKER", true),
		DBBreakerFailures:  EnvInt("INTEGOPS_DB_BREAKER_FAILURES", 5),
		DBBreakerOpenDelay: EnvDuration("INTEGOPS_DB_BREAKER_OPEN_TIMEOUT", 10*time.Second),

		ReadinessRequireDB: EnvBool("INTEGOPS_READINESS_REQUIRE_DB", false),

		CacheSize: EnvInt("INTEGOPS_CACHE_SIZE", 4096),

		BootstrapAdminUsername: EnvString("INTEGOPS_BOOTSTRAP_ADMIN_USERNAME", "admin"),
		BootstrapAdminPassword: EnvString("INTEGOPS_BOOTSTRAP_ADMIN_PASSWORD", ""),

		BroadcastTimeout: EnvDuration("INTEGOPS_BROADCAST_SEND_TIMEOUT", 5*time.Second),
		BroadcastFanout:  EnvInt("INTEGOPS_BROADCAST_FANOUT", 64),
		BroadcastMaxBody: int64(EnvInt("INTEGOPS_BROADCAST_MAX_BYTES", 16<<10)),

		WSRequireAuth: EnvBool("INTEGOPS_WS_REQUIRE_AUTH", false),
		WS: notify.GatewayConfig{
			OriginRequired:   EnvBool("INTEGOPS_WS_ORIGIN_REQUIRED", ws.OriginRequired),
			AllowedOrigins:   EnvCSV("INTEGOPS_WS_ALLOWED_ORIGINS", ws.AllowedOrigins),
			DevInsecure:      EnvBool("INTEGOPS_WS_DEV_INSECURE", false),
			WriteTimeout:     EnvDuration("INTEGOPS_WS_WRITE_TIMEOUT", ws.WriteTimeout),
			ReadIdleTimeout:  EnvDuration("INTEGOPS_WS_READ_IDLE_TIMEOUT", ws.ReadIdleTimeout),
			HeartbeatEvery:   EnvDuration("INTEGOPS_WS_HEARTBEAT_INTERVAL", ws.HeartbeatEvery),
			HeartbeatTimeout: EnvDuration("INTEGOPS_WS_HEARTBEAT_TIMEOUT", ws.HeartbeatTimeout),
			RateEvents:       EnvInt("INTEGOPS_WS_RATE_EVENTS", ws.RateEvents),
			RateWindow:       EnvDuration("INTEGOPS_WS_RATE_WINDOW", ws.RateWindow),
		},
	}
}
