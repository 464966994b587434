package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by PRIORITYQ_BACKEND
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
	BackendMemory   = "memory" // in-process, nothing shared or persisted
)

type Config struct {
	Backend       string
	SQLitePath    string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MongoURI      string

	Database       string
	Collection     string
	Retention      time.Duration
	ReaperInterval time.Duration

	HTTPAddr        string
	Workers         int
	PollInterval    time.Duration
	GroupRatePerMin int
	IPRatePerMin    int
	JWTSecret       string
	LogLevel        string
	LogFormat       string
}

// Default returns built-in defaults.
func Default() *Config {
	return &Config{
		Backend:        BackendSQLite,
		SQLitePath:     "./priorityq.db",
		Database:       "priorityq",
		Collection:     "items",
		Retention:      24 * time.Hour,
		ReaperInterval: 60 * time.Second,
		HTTPAddr:       ":8080",
		PollInterval:   time.Second,
		IPRatePerMin:   600,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// Load reads an optional .env file and overlays PRIORITYQ_* variables onto defaults.
// A missing env file is not an error; a malformed one is.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()
	if err := cfg.FromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv overlays PRIORITYQ_* environment variables onto cfg.
func (c *Config) FromEnv() error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str("PRIORITYQ_BACKEND", &c.Backend)
	str("PRIORITYQ_SQLITE_PATH", &c.SQLitePath)
	str("PRIORITYQ_POSTGRES_DSN", &c.PostgresDSN)
	str("PRIORITYQ_REDIS_ADDR", &c.RedisAddr)
	str("PRIORITYQ_REDIS_PASSWORD", &c.RedisPassword)
	str("PRIORITYQ_MONGO_URI", &c.MongoURI)
	str("PRIORITYQ_DATABASE", &c.Database)
	str("PRIORITYQ_COLLECTION", &c.Collection)
	str("PRIORITYQ_HTTP_ADDR", &c.HTTPAddr)
	str("PRIORITYQ_JWT_SECRET", &c.JWTSecret)
	str("PRIORITYQ_LOG_LEVEL", &c.LogLevel)
	str("PRIORITYQ_LOG_FORMAT", &c.LogFormat)

	ints := []struct {
		key string
		dst *int
	}{
		{"PRIORITYQ_REDIS_DB", &c.RedisDB},
		{"PRIORITYQ_WORKERS", &c.Workers},
		{"PRIORITYQ_GROUP_RATE_PER_MIN", &c.GroupRatePerMin},
		{"PRIORITYQ_IP_RATE_PER_MIN", &c.IPRatePerMin},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.key, err)
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PRIORITYQ_RETENTION", &c.Retention},
		{"PRIORITYQ_REAPER_INTERVAL", &c.ReaperInterval},
		{"PRIORITYQ_POLL_INTERVAL", &c.PollInterval},
	}
	for _, e := range durations {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.key, err)
		}
		*e.dst = d
	}

	c.Backend = strings.ToLower(c.Backend)
	return nil
}

// Validate checks backend-specific requirements.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.SQLitePath == "" {
			return errors.New("PRIORITYQ_SQLITE_PATH is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("PRIORITYQ_POSTGRES_DSN is required for the postgres backend")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("PRIORITYQ_REDIS_ADDR is required for the redis backend")
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return errors.New("PRIORITYQ_MONGO_URI is required for the mongo backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.Database == "" || c.Collection == "" {
		return errors.New("database and collection names are required")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("retention must be positive, got %s", c.Retention)
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("reaper interval must be positive, got %s", c.ReaperInterval)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.Workers > 0 && c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	return nil
}
