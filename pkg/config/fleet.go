package config

import "time"

// Config holds runtime configuration for the orchestrator service.
type Config struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	JWTSecret     string

	DockerHost string

	MinBalanceHours   int
	TopUpMinCents     int64
	TopUpMaxCents     int64
	MeteringInterval  time.Duration
	InspectTimeout    time.Duration
	StartTimeout      time.Duration
	StopTimeout       time.Duration
	TransitionRetries int
	RetryBaseDelay    time.Duration
	WorkerCount       int
	JobQueueSize      int
	PageSize          int

	HostPortMin int
	HostPortMax int

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int

	KafkaBrokers []string
	KafkaTopic   string

	EventBuffer int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":4000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://appfleet:appfleet@db:5432/appfleet?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:     GetString("JWT_SECRET", "supersecuresecret"),

		DockerHost: GetString("DOCKER_HOST_OVERRIDE", ""),

		MinBalanceHours:   GetInt("MIN_BALANCE_HOURS", 24),
		TopUpMinCents:     int64(GetInt("TOPUP_MIN_CENTS", 100)),
		TopUpMaxCents:     int64(GetInt("TOPUP_MAX_CENTS", 100000)),
		MeteringInterval:  time.Duration(GetInt("METERING_INTERVAL_SECONDS", 60)) * time.Second,
		InspectTimeout:    time.Duration(GetInt("RUNTIME_INSPECT_TIMEOUT_SECONDS", 5)) * time.Second,
		StartTimeout:      time.Duration(GetInt("RUNTIME_START_TIMEOUT_SECONDS", 60)) * time.Second,
		StopTimeout:       time.Duration(GetInt("RUNTIME_STOP_TIMEOUT_SECONDS", 30)) * time.Second,
		TransitionRetries: GetInt("TRANSITION_RETRY_ATTEMPTS", 4),
		RetryBaseDelay:    time.Duration(GetInt("TRANSITION_RETRY_BASE_MS", 2000)) * time.Millisecond,
		WorkerCount:       GetInt("TRANSITION_WORKERS", 4),
		JobQueueSize:      GetInt("TRANSITION_QUEUE_SIZE", 256),
		PageSize:          GetInt("API_PAGE_SIZE", 20),

		HostPortMin: GetInt("HOST_PORT_MIN", 30000),
		HostPortMax: GetInt("HOST_PORT_MAX", 65535),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),

		KafkaBrokers: GetStringSlice("KAFKA_BROKERS", nil),
		KafkaTopic:   GetString("KAFKA_EVENTS_TOPIC", "appfleet.events"),

		EventBuffer: GetInt("WS_EVENT_BUFFER", 100),
	}
}
