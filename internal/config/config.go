package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers     []string
	KafkaLocTopic    string
	KafkaStatusTopic string

	PGDSN string

	// Matching.
	DefaultRadiusKm  float64
	ScoringBatchSize int

	// Lifecycle.
	ResponseWindow time.Duration
	SweepEnabled   bool
	SweepInterval  time.Duration

	// Idempotency.
	IdempotencyTTL time.Duration

	// Notifications.
	PushProvider string // "fcm" or "expo"
	FCMEndpoint  string
	FCMKey       string
	ExpoEndpoint string
	SMSEndpoint  string
	SMSKey       string

	// Alerting.
	AlertWindow      int
	AlertFailureRate float64
	AlertLatency     time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey:      "drivers_geo",
		KafkaLocTopic:    "driver-locations",
		KafkaStatusTopic: "ride-status",

		DefaultRadiusKm:  5,
		ScoringBatchSize: 5,

		ResponseWindow: 2 * time.Minute,
		SweepInterval:  30 * time.Second,

		IdempotencyTTL: 5 * time.Minute,

		PushProvider: "fcm",
		ExpoEndpoint: "https://exp.host/--/api/v2/push/send",

		AlertWindow:      100,
		AlertFailureRate: 0.5,
		AlertLatency:     2 * time.Second,

		LogLevel: "info",
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

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaStatusTopic, "KAFKA_STATUS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.DefaultRadiusKm, "MATCHER_DEFAULT_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.ScoringBatchSize, "SCORING_BATCH_SIZE", &errs)

	setDurationFromEnv(&cfg.ResponseWindow, "RESPONSE_WINDOW", &errs)
	cfg.SweepEnabled = strings.EqualFold(os.Getenv("EXPIRY_SWEEP"), "true")
	setDurationFromEnv(&cfg.SweepInterval, "EXPIRY_SWEEP_INTERVAL", &errs)

	setDurationFromEnv(&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL", &errs)

	setStringFromEnv(&cfg.PushProvider, "PUSH_PROVIDER")
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")
	setStringFromEnv(&cfg.ExpoEndpoint, "EXPO_ENDPOINT")
	setStringFromEnv(&cfg.SMSEndpoint, "SMS_ENDPOINT")
	cfg.SMSKey = os.Getenv("SMS_KEY")

	setIntFromEnv(&cfg.AlertWindow, "ALERT_WINDOW", &errs)
	setFloatFromEnv(&cfg.AlertFailureRate, "ALERT_FAILURE_RATE", &errs)
	setDurationFromEnv(&cfg.AlertLatency, "ALERT_LATENCY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.ScoringBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("SCORING_BATCH_SIZE must be > 0"))
	}
	if cfg.ResponseWindow <= 0 {
		errs = append(errs, fmt.Errorf("RESPONSE_WINDOW must be > 0"))
	}
	if cfg.DefaultRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_DEFAULT_RADIUS_KM must be > 0"))
	}
	if cfg.PushProvider != "fcm" && cfg.PushProvider != "expo" {
		errs = append(errs, fmt.Errorf("PUSH_PROVIDER must be fcm or expo, got %q", cfg.PushProvider))
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
