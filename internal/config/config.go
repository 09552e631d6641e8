package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are loaded from environment variables with defaults that let the
// binary run locally against the in-memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// PGDSN selects the Postgres store; empty means in-memory.
	PGDSN          string
	PGMaxOpenConns int
	RunMigrations  bool
	LockTimeout    time.Duration

	// RedisAddr enables cross-instance fan-out over Redis pub/sub.
	RedisAddr          string
	RedisPassword      string
	RedisChannelPrefix string

	KafkaBrokers []string
	KafkaTopic   string

	NotifyMaxAttempts int
	NotifyBaseDelay   time.Duration
	NotifySendTimeout time.Duration
	NotifyTimeout     time.Duration
	FanoutConcurrency int

	OTLPEndpoint     string
	TraceSampleRatio float64

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		PGMaxOpenConns:     20,
		LockTimeout:        3 * time.Second,
		RedisChannelPrefix: "dispatch:",
		KafkaTopic:         "driver-locations",
		NotifyMaxAttempts:  3,
		NotifyBaseDelay:    500 * time.Millisecond,
		NotifySendTimeout:  2 * time.Second,
		NotifyTimeout:      30 * time.Second,
		FanoutConcurrency:  16,
		TraceSampleRatio:   1,
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

	cfg.PGDSN = strings.TrimSpace(os.Getenv("PG_DSN"))
	setIntFromEnv(&cfg.PGMaxOpenConns, "PG_MAX_OPEN_CONNS", &errs)
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setDurationFromEnv(&cfg.LockTimeout, "LOCK_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisChannelPrefix, "REDIS_CHANNEL_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setIntFromEnv(&cfg.NotifyMaxAttempts, "NOTIFY_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.NotifyBaseDelay, "NOTIFY_BASE_DELAY", &errs)
	setDurationFromEnv(&cfg.NotifySendTimeout, "NOTIFY_SEND_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.NotifyTimeout, "NOTIFY_TIMEOUT", &errs)
	setIntFromEnv(&cfg.FanoutConcurrency, "NOTIFY_FANOUT_CONCURRENCY", &errs)

	cfg.OTLPEndpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	setFloatFromEnv(&cfg.TraceSampleRatio, "OTEL_TRACES_SAMPLE_RATIO", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.NotifyMaxAttempts < 1 || cfg.NotifyMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be between 1 and 10"))
	}
	if cfg.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LOCK_TIMEOUT must be > 0"))
	}
	if cfg.FanoutConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_FANOUT_CONCURRENCY must be > 0"))
	}
	if cfg.PGMaxOpenConns <= 0 {
		errs = append(errs, fmt.Errorf("PG_MAX_OPEN_CONNS must be > 0"))
	}
	if cfg.TraceSampleRatio < 0 || cfg.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be within [0, 1]"))
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

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
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
