package domain

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete billguard configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines which backends are used
	Tier ProductTier `json:"tier" yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`

	// Thresholds applied to tenants that have not stored their own
	Thresholds Thresholds `json:"thresholds" yaml:"thresholds"`

	// Worker settings
	Worker WorkerConfig `json:"worker" yaml:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout"` // seconds
}

// WorkerConfig controls the async batch worker.
type WorkerConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	TenantIDs []string `json:"tenantIds" yaml:"tenant_ids"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"service_name"`

	// OTLPEndpoint is the host:port of an OTLP/HTTP collector.
	OTLPEndpoint string  `json:"otlpEndpoint" yaml:"otlp_endpoint"`
	Insecure     bool    `json:"insecure" yaml:"insecure"`
	SampleRate   float64 `json:"sampleRate" yaml:"sample_rate"` // 0..1
}

// ProductTier represents the deployment tier.
type ProductTier string

const (
	// ProductTierCommunity runs on SQLite + channels + in-process LRU
	ProductTierCommunity ProductTier = "community"

	// ProductTierPro runs on PostgreSQL + NATS + Redis
	ProductTierPro ProductTier = "pro"
)

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: ProductTierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./billguard.db",
		},
		Cache: CacheConfig{
			Type:          "memory",
			LocalMaxSize:  1000,
			LocalMaxBytes: 64 << 20,
			LocalTTL:      10 * time.Minute,
			RunTTL:        24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Thresholds: DefaultThresholds(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "billguard",
			OTLPEndpoint: "localhost:4318",
			Insecure:     true,
			SampleRate:   1.0,
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = ProductTierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "billguard",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalMaxBytes:  64 << 20,
		LocalTTL:       5 * time.Minute,
		RedisPoolSize:  20,
		RunTTL:         24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig builds a config from the tier defaults, an optional YAML file
// and environment overrides, in that order.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if os.Getenv("BILLGUARD_TIER") == string(ProductTierPro) {
		cfg = ProConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from BILLGUARD_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("BILLGUARD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BILLGUARD_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("BILLGUARD_DB_PATH"); v != "" {
		c.Repository.SQLitePath = v
	}
	if v := os.Getenv("BILLGUARD_POSTGRES_HOST"); v != "" {
		c.Repository.PostgresHost = v
	}
	if v := os.Getenv("BILLGUARD_POSTGRES_USER"); v != "" {
		c.Repository.PostgresUser = v
	}
	if v := os.Getenv("BILLGUARD_POSTGRES_PASSWORD"); v != "" {
		c.Repository.PostgresPassword = v
	}
	if v := os.Getenv("BILLGUARD_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("BILLGUARD_NATS_URL"); v != "" {
		c.EventBus.NATSUrl = v
	}
	if v := os.Getenv("BILLGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if os.Getenv("BILLGUARD_DEBUG") == "true" {
		c.Logging.Level = "debug"
	}
	if os.Getenv("BILLGUARD_ASYNC_WORKER") == "true" {
		c.Worker.Enabled = true
	}
	if v := os.Getenv("BILLGUARD_TENANTS"); v != "" {
		c.Worker.TenantIDs = nil
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				c.Worker.TenantIDs = append(c.Worker.TenantIDs, t)
			}
		}
	}
	if v := os.Getenv("BILLGUARD_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Enabled = true
		c.Tracing.OTLPEndpoint = v
	}
	return nil
}

// LoadThresholds reads a standalone thresholds YAML file. Keys that are
// absent keep their default value.
func LoadThresholds(path string) (Thresholds, error) {
	t := DefaultThresholds()
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("failed to read thresholds %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("failed to parse thresholds %s: %w", path, err)
	}
	return t, t.Validate()
}
