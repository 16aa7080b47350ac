package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the reference backend.
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

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	WalkingSpeedMps float64
	SearchRadiusM   float64
	MatcherTopN     int
	OSRMURL         string
	ETACacheTTL     time.Duration

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
		RedisGeoKey:     "safewalk:escorts",
		KafkaTopic:      "safewalk-presence",
		WalkingSpeedMps: 1.4,
		SearchRadiusM:   3000,
		MatcherTopN:     8,
		ETACacheTTL:     time.Minute,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error
	loadDotEnv(&errs)

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
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.WalkingSpeedMps, "MATCHER_WALKING_SPEED_MPS", &errs)
	setFloatFromEnv(&cfg.SearchRadiusM, "MATCHER_SEARCH_RADIUS_M", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setLogLevel(&cfg.LogLevel)

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.SearchRadiusM < 0 {
		errs = append(errs, fmt.Errorf("MATCHER_SEARCH_RADIUS_M must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// AgentConfig configures the headless participant binary.
type AgentConfig struct {
	BackendURL        string
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration

	// RelayAddr enables the screen relay when set.
	RelayAddr     string
	ListeningAddr string
	Label         string

	Token    string
	LogLevel string
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		BackendURL:        "http://localhost:8080",
		RequestTimeout:    10 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		PollInterval:      3 * time.Second,
		LogLevel:          "info",
	}
}

func LoadAgentConfig() (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error
	loadDotEnv(&errs)

	setStringFromEnv(&cfg.BackendURL, "SAFEWALK_BACKEND_URL")
	setDurationFromEnv(&cfg.RequestTimeout, "SAFEWALK_REQUEST_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.HeartbeatInterval, "SAFEWALK_HEARTBEAT_INTERVAL", &errs)
	setDurationFromEnv(&cfg.PollInterval, "SAFEWALK_POLL_INTERVAL", &errs)
	setStringFromEnv(&cfg.RelayAddr, "SAFEWALK_RELAY_ADDR")
	setStringFromEnv(&cfg.ListeningAddr, "SAFEWALK_LISTENING_ADDR")
	setStringFromEnv(&cfg.Label, "SAFEWALK_LABEL")
	cfg.Token = os.Getenv("SAFEWALK_TOKEN")
	setLogLevel(&cfg.LogLevel)

	return cfg, errors.Join(errs...)
}

// Validate checks values that flags may have overridden after loading.
func (c AgentConfig) Validate() error {
	var errs []error
	if c.BackendURL == "" {
		errs = append(errs, fmt.Errorf("backend url is required"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat interval must be > 0"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be > 0"))
	}
	return errors.Join(errs...)
}

// loadDotEnv reads .env when present. Variables already set in the
// environment win.
func loadDotEnv(errs *[]error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		*errs = append(*errs, fmt.Errorf("load .env: %w", err))
	}
}

func setLogLevel(target *string) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		*target = strings.ToLower(v)
	}
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
