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
// Values are loaded from environment variables with defaults so the binary
// runs locally on the in-memory backends without any setup beyond JWT_SECRET.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	Redis RedisConfig

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventTopic    string

	MatchRadiusKm   float64
	MatcherTopN     int
	DefaultSpeedMps float64
	OSRMEndpoint    string

	NotifyTimeout    time.Duration
	NotifyWorkers    int
	NotifyBuffer     int
	NotifyWebhookURL string

	RedispatchInterval time.Duration
	RedispatchAfter    time.Duration

	JWTSecret string
	JWTTTL    time.Duration

	StripeAPIKey    string
	PaymentCurrency string

	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	GeoKey   string
	QueueKey string
}

// ConsumerConfig is the subset the location consumer needs.
type ConsumerConfig struct {
	PGDSN        string
	Redis        RedisConfig
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	LogLevel     string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		Redis:              defaultRedisConfig(),
		KafkaLocationTopic: "driver-locations",
		KafkaEventTopic:    "ride-events",
		MatchRadiusKm:      50,
		MatcherTopN:        8,
		DefaultSpeedMps:    10,
		NotifyTimeout:      3 * time.Second,
		NotifyWorkers:      4,
		NotifyBuffer:       1024,
		RedispatchInterval: 30 * time.Second,
		RedispatchAfter:    2 * time.Minute,
		JWTTTL:             24 * time.Hour,
		PaymentCurrency:    "inr",
		LogLevel:           "info",
	}
}

func defaultRedisConfig() RedisConfig {
	return RedisConfig{GeoKey: "drivers_geo", QueueKey: "ride_queue"}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	loadRedis(&cfg.Redis)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")

	setFloatFromEnv(&cfg.MatchRadiusKm, "MATCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))

	setDurationFromEnv(&cfg.NotifyTimeout, "NOTIFY_TIMEOUT", &errs)
	setIntFromEnv(&cfg.NotifyWorkers, "NOTIFY_WORKERS", &errs)
	setIntFromEnv(&cfg.NotifyBuffer, "NOTIFY_BUFFER", &errs)
	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))

	setDurationFromEnv(&cfg.RedispatchInterval, "REDISPATCH_INTERVAL", &errs)
	setDurationFromEnv(&cfg.RedispatchAfter, "REDISPATCH_AFTER", &errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDurationFromEnv(&cfg.JWTTTL, "JWT_TTL", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	if v := os.Getenv("PAYMENT_CURRENCY"); v != "" {
		cfg.PaymentCurrency = strings.ToLower(strings.TrimSpace(v))
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.MatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_KM must be > 0"))
	}
	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_DEFAULT_SPEED_MPS must be > 0"))
	}
	if cfg.NotifyWorkers <= 0 || cfg.NotifyBuffer <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_WORKERS and NOTIFY_BUFFER must be > 0"))
	}
	if cfg.RedispatchInterval <= 0 {
		errs = append(errs, fmt.Errorf("REDISPATCH_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		Redis:      defaultRedisConfig(),
		KafkaTopic: "driver-locations",
		KafkaGroup: "driver-location-consumer",
		LogLevel:   "info",
	}
	var errs []error

	cfg.PGDSN = os.Getenv("PG_DSN")
	loadRedis(&cfg.Redis)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	return cfg, errors.Join(errs...)
}

func loadRedis(r *RedisConfig) {
	r.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	r.Password = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&r.GeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&r.QueueKey, "REDIS_QUEUE_KEY")
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
