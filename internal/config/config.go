package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures all tunable parameters for one passenger sync process.
// Values are loaded from environment variables with defaults that let the
// binary run locally against in-memory backends.
type Config struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PassengerID string

	PushTransport   string
	PushWSURL       string
	RedisAddr       string
	RedisPassword   string
	RedisPushPrefix string

	TripStore string
	PGDSN     string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	StripeAPIKey string

	NearbyMaxResults int
	NearbyCacheTTL   time.Duration
	InterestRadiusKm float64
	InterestTimeout  time.Duration
	AvgSpeedKmh      float64

	SubmitDebounce     time.Duration
	CancelBannerTTL    time.Duration
	TerminalClearDelay time.Duration
	NoDriversFallback  time.Duration
	ResyncDelay        time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		PushTransport:    "ws",
		RedisPushPrefix:  "push",
		TripStore:        "memory",
		KafkaTopic:       "trip-transitions",
		KafkaGroup:       "rider-sync-transitions",
		NearbyMaxResults: 5,
		NearbyCacheTTL:   2 * time.Second,
		InterestRadiusKm: 5,
		InterestTimeout:  1500 * time.Millisecond,
		AvgSpeedKmh:      25,
		SubmitDebounce:   1500 * time.Millisecond,
		CancelBannerTTL:  3 * time.Second,
		ResyncDelay:      250 * time.Millisecond,
		LogLevel:         "info",
	}
}

func Load() (Config, error) {
	cfg := defaultConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.PassengerID, "PASSENGER_ID")

	if v := os.Getenv("PUSH_TRANSPORT"); v != "" {
		cfg.PushTransport = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.PushWSURL, "PUSH_WS_URL")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPushPrefix, "REDIS_PUSH_PREFIX")

	if v := os.Getenv("TRIP_STORE"); v != "" {
		cfg.TripStore = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.PGDSN = os.Getenv("PG_DSN")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	setIntFromEnv(&cfg.NearbyMaxResults, "NEARBY_MAX_RESULTS", &errs)
	setDurationFromEnv(&cfg.NearbyCacheTTL, "NEARBY_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.InterestRadiusKm, "INTEREST_RADIUS_KM", &errs)
	setDurationFromEnv(&cfg.InterestTimeout, "INTEREST_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.AvgSpeedKmh, "AVG_URBAN_SPEED_KMH", &errs)

	setDurationFromEnv(&cfg.SubmitDebounce, "SUBMIT_DEBOUNCE", &errs)
	setDurationFromEnv(&cfg.CancelBannerTTL, "CANCEL_BANNER_TTL", &errs)
	setDurationFromEnv(&cfg.TerminalClearDelay, "TERMINAL_CLEAR_DELAY", &errs)
	setDurationFromEnv(&cfg.NoDriversFallback, "NO_DRIVERS_FALLBACK", &errs)
	setDurationFromEnv(&cfg.ResyncDelay, "RESYNC_DELAY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.PassengerID == "" {
		errs = append(errs, fmt.Errorf("PASSENGER_ID is required"))
	}
	switch cfg.PushTransport {
	case "ws":
		if cfg.PushWSURL == "" {
			errs = append(errs, fmt.Errorf("PUSH_WS_URL is required for the ws transport"))
		}
	case "redis":
		if cfg.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR is required for the redis transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PUSH_TRANSPORT %q", cfg.PushTransport))
	}
	switch cfg.TripStore {
	case "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR is required for TRIP_STORE=redis"))
		}
	case "postgres":
		if cfg.PGDSN == "" {
			errs = append(errs, fmt.Errorf("PG_DSN is required for TRIP_STORE=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TRIP_STORE %q", cfg.TripStore))
	}
	if cfg.NearbyMaxResults <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_MAX_RESULTS must be > 0"))
	}
	if cfg.InterestRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("INTEREST_RADIUS_KM must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the transitions consumer.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	RedisAddr    string
	LogLevel     string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "trip-transitions",
		KafkaGroup:   "rider-sync-transitions",
		RedisAddr:    "localhost:6379",
		LogLevel:     "info",
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must name at least one broker")
	}
	return cfg, nil
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
