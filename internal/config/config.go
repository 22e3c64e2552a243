package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API
// process. Values are primarily loaded from environment variables with
// sane defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventTopic    string

	PGDSN string

	// LocationStaleness is the maximum ping age for a driver to be
	// matched. An explicit knob so a widened window shows up in the
	// deployment config, not buried in code.
	LocationStaleness time.Duration

	OfferTimeout  time.Duration
	StallTimeout  time.Duration
	SweepInterval time.Duration
	DriverCooldown time.Duration
	MaxRetries    int
	SessionTTL    time.Duration

	// Priority policy: search radius (km) and rating floor per tier.
	RadiusNormalKm float64
	RadiusHighKm   float64
	RadiusUrgentKm float64
	MinRatingNormal float64
	MinRatingHigh   float64
	MinRatingUrgent float64

	DefaultSpeedMps float64
	MatcherTopN     int
	OSRMEndpoint    string
	PushEndpoint    string

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

		RedisGeoKey:        "drivers_geo",
		KafkaLocationTopic: "driver-locations",
		KafkaEventTopic:    "dispatch-events",

		LocationStaleness: 5 * time.Minute,
		OfferTimeout:      30 * time.Second,
		StallTimeout:      5 * time.Minute,
		SweepInterval:     60 * time.Second,
		DriverCooldown:    2 * time.Minute,
		MaxRetries:        5,
		SessionTTL:        10 * time.Minute,

		RadiusNormalKm:  10,
		RadiusHighKm:    15,
		RadiusUrgentKm:  25,
		MinRatingNormal: 4.5,
		MinRatingHigh:   4.0,
		MinRatingUrgent: 3.0,

		DefaultSpeedMps: 10,
		MatcherTopN:     8,
		LogLevel:        "info",
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
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setDurationFromEnv(&cfg.LocationStaleness, "LOC_STALENESS", &errs)
	setDurationFromEnv(&cfg.OfferTimeout, "OFFER_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.StallTimeout, "STALL_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.DriverCooldown, "DRIVER_COOLDOWN", &errs)
	setIntFromEnv(&cfg.MaxRetries, "SWEEP_MAX_RETRIES", &errs)
	setDurationFromEnv(&cfg.SessionTTL, "SESSION_TTL", &errs)

	setFloatFromEnv(&cfg.RadiusNormalKm, "RADIUS_NORMAL_KM", &errs)
	setFloatFromEnv(&cfg.RadiusHighKm, "RADIUS_HIGH_KM", &errs)
	setFloatFromEnv(&cfg.RadiusUrgentKm, "RADIUS_URGENT_KM", &errs)
	setFloatFromEnv(&cfg.MinRatingNormal, "MIN_RATING_NORMAL", &errs)
	setFloatFromEnv(&cfg.MinRatingHigh, "MIN_RATING_HIGH", &errs)
	setFloatFromEnv(&cfg.MinRatingUrgent, "MIN_RATING_URGENT", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.LocationStaleness <= 0 {
		errs = append(errs, fmt.Errorf("LOC_STALENESS must be > 0"))
	}
	if cfg.StallTimeout <= cfg.OfferTimeout {
		errs = append(errs, fmt.Errorf("STALL_TIMEOUT must exceed OFFER_TIMEOUT"))
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
