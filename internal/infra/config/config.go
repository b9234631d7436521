package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage drivers understood by the repository providers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Capture queue kinds.
const (
	QueueImmediate = "immediate"
	QueueValkey    = "valkey"
)

// Config aggregates runtime configuration used across the service.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Registry RegistryConfig `yaml:"registry"`
	Storage  StorageConfig  `yaml:"storage"`
	Capture  CaptureConfig  `yaml:"capture"`
}

// HTTPConfig controls server level behavior.
type HTTPConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	CORSOrigins  []string      `yaml:"corsOrigins"`
	// TrustedProxies lists the proxy addresses or CIDRs whose forwarding
	// headers are believed. Empty trusts none and uses the socket peer.
	TrustedProxies []string        `yaml:"trustedProxies"`
	RateLimit      RateLimitConfig `yaml:"rateLimit"`
	Retry          RetryConfig     `yaml:"retry"`
}

// RateLimitConfig drives the request limiting middleware.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requestsPerMinute"`
	Burst             int  `yaml:"burst"`
}

// RetryConfig configures best-effort retries for idempotent requests.
// Registration routes are never retried whatever Exclude says.
type RetryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseBackoff time.Duration `yaml:"baseBackoff"`
	Exclude     []string      `yaml:"exclude"`
}

// RegistryConfig holds the admission and query knobs.
type RegistryConfig struct {
	MinDelay       time.Duration `yaml:"minDelay"`
	StationsMaxAge time.Duration `yaml:"stationsMaxAge"`
	StationsLimit  int           `yaml:"stationsLimit"`
	BatchSize      int           `yaml:"batchSize"`
	SillyURLs      []string      `yaml:"sillyUrls"`
}

// StorageConfig selects the report store.
type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
}

// PostgresConfig contains DSN and pooling settings.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns"`
	MinConns int32  `yaml:"minConns"`
}

// SQLiteConfig points at the database file.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// CaptureConfig controls the screenshot job run for newly registered stations.
type CaptureConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Command     []string          `yaml:"command"`
	OutputDir   string            `yaml:"outputDir"`
	Timeout     time.Duration     `yaml:"timeout"`
	Queue       QueueConfig       `yaml:"queue"`
	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
	Breaker     BreakerConfig     `yaml:"breaker"`
}

// QueueConfig selects how capture jobs are delivered.
type QueueConfig struct {
	Kind   string       `yaml:"kind"`
	Key    string       `yaml:"key"`
	Valkey ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig contains connection information for the job queue.
type ValkeyConfig struct {
	Addr string `yaml:"addr"`
}

// ObjectStoreConfig points at an S3-compatible bucket for screenshots.
type ObjectStoreConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
}

// BreakerConfig tunes the circuit breaker around the capture command.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutiveFailures"`
	MaxRequests         uint32        `yaml:"maxRequests"`
	Interval            time.Duration `yaml:"interval"`
	OpenTimeout         time.Duration `yaml:"openTimeout"`
}

// Load reads configuration from .env, a YAML file and environment variables.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := defaultConfig()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := hydrateFromFile(cfg, path); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat("configs/config.yaml"); err == nil {
		if err := hydrateFromFile(cfg, "configs/config.yaml"); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func hydrateFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HTTP_ADDRESS"); v != "" {
		cfg.HTTP.Address = v
	}
	if v := os.Getenv("HTTP_CORS_ORIGINS"); v != "" {
		cfg.HTTP.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("HTTP_TRUSTED_PROXIES"); v != "" {
		cfg.HTTP.TrustedProxies = splitList(v)
	}
	if v := os.Getenv("HTTP_RATE_LIMIT_ENABLED"); v != "" {
		cfg.HTTP.RateLimit.Enabled = parseBool(v)
	}
	if v := os.Getenv("HTTP_RATE_LIMIT_RPM"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.RateLimit.RequestsPerMinute = parsed
		}
	}
	if v := os.Getenv("HTTP_RATE_LIMIT_BURST"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.RateLimit.Burst = parsed
		}
	}
	if v := os.Getenv("HTTP_RETRY_ENABLED"); v != "" {
		cfg.HTTP.Retry.Enabled = parseBool(v)
	}
	if v := os.Getenv("HTTP_RETRY_MAX_ATTEMPTS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Retry.MaxAttempts = parsed
		}
	}
	if v := os.Getenv("HTTP_RETRY_BASE_BACKOFF"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.Retry.BaseBackoff = parsed
		}
	}
	if v := os.Getenv("REGISTRY_MIN_DELAY"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.Registry.MinDelay = parsed
		}
	}
	if v := os.Getenv("REGISTRY_STATIONS_MAX_AGE"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.Registry.StationsMaxAge = parsed
		}
	}
	if v := os.Getenv("REGISTRY_STATIONS_LIMIT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Registry.StationsLimit = parsed
		}
	}
	if v := os.Getenv("REGISTRY_BATCH_SIZE"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Registry.BatchSize = parsed
		}
	}
	if v := os.Getenv("REGISTRY_SILLY_URLS"); v != "" {
		cfg.Registry.SillyURLs = splitList(v)
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("POSTGRES_MAX_CONNS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Storage.Postgres.MaxConns = int32(parsed)
		}
	}
	if v := os.Getenv("POSTGRES_MIN_CONNS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Storage.Postgres.MinConns = int32(parsed)
		}
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLite.Path = v
	}
	if v := os.Getenv("CAPTURE_ENABLED"); v != "" {
		cfg.Capture.Enabled = parseBool(v)
	}
	if v := os.Getenv("CAPTURE_COMMAND"); v != "" {
		cfg.Capture.Command = strings.Fields(v)
	}
	if v := os.Getenv("CAPTURE_OUTPUT_DIR"); v != "" {
		cfg.Capture.OutputDir = v
	}
	if v := os.Getenv("CAPTURE_TIMEOUT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.Capture.Timeout = parsed
		}
	}
	if v := os.Getenv("CAPTURE_QUEUE"); v != "" {
		cfg.Capture.Queue.Kind = strings.ToLower(v)
	}
	if v := os.Getenv("VALKEY_ADDR"); v != "" {
		cfg.Capture.Queue.Valkey.Addr = v
	}
	if v := os.Getenv("OBJECT_STORE_ENABLED"); v != "" {
		cfg.Capture.ObjectStore.Enabled = parseBool(v)
	}
	if v := os.Getenv("OBJECT_STORE_ENDPOINT"); v != "" {
		cfg.Capture.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("OBJECT_STORE_ACCESS_KEY"); v != "" {
		cfg.Capture.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("OBJECT_STORE_SECRET_KEY"); v != "" {
		cfg.Capture.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("OBJECT_STORE_BUCKET"); v != "" {
		cfg.Capture.ObjectStore.Bucket = v
	}
	if v := os.Getenv("OBJECT_STORE_REGION"); v != "" {
		cfg.Capture.ObjectStore.Region = v
	}
}

func parseBool(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             30,
			},
			Retry: RetryConfig{
				Enabled:     true,
				MaxAttempts: 3,
				BaseBackoff: 150 * time.Millisecond,
			},
		},
		Registry: RegistryConfig{
			MinDelay:       23 * time.Hour,
			StationsMaxAge: 30 * 24 * time.Hour,
			StationsLimit:  2000,
			BatchSize:      7,
			SillyURLs: []string{
				"example.com",
				"example.org",
				"example.net",
				"acme.com",
				"weewx.com/test",
			},
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Postgres: PostgresConfig{
				MaxConns: 4,
			},
			SQLite: SQLiteConfig{
				Path: "data/weereg.db",
			},
		},
		Capture: CaptureConfig{
			Enabled:   false,
			OutputDir: "data/screenshots",
			Timeout:   60 * time.Second,
			Queue: QueueConfig{
				Kind: QueueImmediate,
				Key:  "weereg:capture:jobs",
			},
			Breaker: BreakerConfig{
				ConsecutiveFailures: 5,
				MaxRequests:         1,
				Interval:            0,
				OpenTimeout:         5 * time.Minute,
			},
		},
	}
}

// Validate ensures the configuration is safe to use.
func (c *Config) Validate() error {
	if c.HTTP.Address == "" {
		return errors.New("http.address cannot be empty")
	}
	for _, proxy := range c.HTTP.TrustedProxies {
		if net.ParseIP(proxy) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(proxy); err != nil {
			return fmt.Errorf("http.trustedProxies: %q is neither an IP nor a CIDR", proxy)
		}
	}
	if c.HTTP.RateLimit.Enabled {
		if c.HTTP.RateLimit.RequestsPerMinute <= 0 {
			return errors.New("http.rateLimit.requestsPerMinute must be positive")
		}
		if c.HTTP.RateLimit.Burst <= 0 {
			return errors.New("http.rateLimit.burst must be positive")
		}
	}
	if c.HTTP.Retry.Enabled {
		if c.HTTP.Retry.MaxAttempts <= 0 {
			return errors.New("http.retry.maxAttempts must be positive")
		}
		if c.HTTP.Retry.BaseBackoff <= 0 {
			return errors.New("http.retry.baseBackoff must be positive")
		}
	}
	if c.Registry.MinDelay < 0 {
		return errors.New("registry.minDelay cannot be negative")
	}
	if c.Registry.StationsMaxAge <= 0 {
		return errors.New("registry.stationsMaxAge must be positive")
	}
	if c.Registry.StationsLimit <= 0 {
		return errors.New("registry.stationsLimit must be positive")
	}
	if c.Registry.BatchSize <= 0 {
		return errors.New("registry.batchSize must be positive")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(c.Storage.Postgres.DSN) == "" {
			return errors.New("storage.postgres.dsn cannot be empty when driver is postgres")
		}
	case DriverSQLite:
		if strings.TrimSpace(c.Storage.SQLite.Path) == "" {
			return errors.New("storage.sqlite.path cannot be empty when driver is sqlite")
		}
	default:
		return fmt.Errorf("storage.driver %q is not one of memory, postgres, sqlite", c.Storage.Driver)
	}
	if c.Capture.Enabled {
		if c.Capture.Timeout <= 0 {
			return errors.New("capture.timeout must be positive")
		}
		switch c.Capture.Queue.Kind {
		case QueueImmediate:
		case QueueValkey:
			if strings.TrimSpace(c.Capture.Queue.Valkey.Addr) == "" {
				return errors.New("capture.queue.valkey.addr cannot be empty when queue is valkey")
			}
		default:
			return fmt.Errorf("capture.queue.kind %q is not one of immediate, valkey", c.Capture.Queue.Kind)
		}
		if c.Capture.ObjectStore.Enabled && strings.TrimSpace(c.Capture.ObjectStore.Bucket) == "" {
			return errors.New("capture.objectStore.bucket cannot be empty when object store is enabled")
		}
	}
	return nil
}
