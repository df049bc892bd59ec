package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Store backend: "redis", "postgres" or "memory".
	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	PGDSN         string
	RunMigrations bool

	KafkaBrokers []string
	KafkaTopic   string

	JWTSecret string

	RateLimit       int
	RateLimitWindow time.Duration

	// Dispatch engine tuning.
	AssignMaxAttempts  int
	AssignRetryBackoff time.Duration

	OSRMEndpoint string
	PushEndpoint string
	PushKey      string
	StripeAPIKey string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		StoreBackend:       "memory",
		KafkaTopic:         "booking-events",
		RateLimit:          60,
		RateLimitWindow:    time.Minute,
		AssignMaxAttempts:  3,
		AssignRetryBackoff: 50 * time.Millisecond,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.StoreBackend, "STORE_BACKEND")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	setIntFromEnv(&cfg.RateLimit, "RATE_LIMIT", &errs)
	setDurationFromEnv(&cfg.RateLimitWindow, "RATE_LIMIT_WINDOW", &errs)

	setIntFromEnv(&cfg.AssignMaxAttempts, "ASSIGN_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.AssignRetryBackoff, "ASSIGN_RETRY_BACKOFF", &errs)

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	switch cfg.StoreBackend {
	case "redis":
		if cfg.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=redis requires REDIS_ADDR"))
		}
	case "postgres":
		if cfg.PGDSN == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=postgres requires PG_DSN"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend))
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT must be > 0"))
	}
	if cfg.AssignMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("ASSIGN_MAX_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// WorkerConfig is the configuration for the background auto-assign job.
type WorkerConfig struct {
	MetricsAddr string

	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	PGDSN         string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	// AuditTopic receives the committed-transition events the worker's
	// assignments produce, same stream the API server publishes to.
	AuditTopic string

	PushEndpoint string
	PushKey      string

	AssignMaxAttempts  int
	AssignRetryBackoff time.Duration

	LogLevel string
}

func LoadWorkerConfig() (WorkerConfig, error) {
	cfg := WorkerConfig{
		MetricsAddr:        ":2112",
		StoreBackend:       "memory",
		KafkaTopic:         "booking-requests",
		KafkaGroup:         "ride-booking-worker",
		AuditTopic:         "booking-events",
		AssignMaxAttempts:  3,
		AssignRetryBackoff: 50 * time.Millisecond,
		LogLevel:           "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setStringFromEnv(&cfg.StoreBackend, "STORE_BACKEND")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.PGDSN = os.Getenv("PG_DSN")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.AuditTopic, "AUDIT_TOPIC")

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setIntFromEnv(&cfg.AssignMaxAttempts, "ASSIGN_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.AssignRetryBackoff, "ASSIGN_RETRY_BACKOFF", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
