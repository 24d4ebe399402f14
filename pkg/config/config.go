// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Redis, Index, Sync, Jira, Kafka, Postgres, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Index    IndexConfig    `yaml:"index"`
	Sync     SyncConfig     `yaml:"sync"`
	Jira     JiraConfig     `yaml:"jira"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Postgres PostgresConfig `yaml:"postgres"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// IndexConfig controls the key namespace and the search cache lifetime.
type IndexConfig struct {
	Prefix      string        `yaml:"prefix"`
	CacheTTL    time.Duration `yaml:"cacheTTL"`
	ResultLimit int           `yaml:"resultLimit"`
}

// SyncConfig controls the resync page size and the boost applied to issues
// touched by a webhook.
type SyncConfig struct {
	PageSize        int     `yaml:"pageSize"`
	BoostMultiplier float64 `yaml:"boostMultiplier"`
	JQL             string  `yaml:"jql"`
}

// JiraConfig holds the upstream issue tracker endpoint and credentials.
type JiraConfig struct {
	Server  string        `yaml:"server"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// KafkaConfig holds Kafka broker and topic settings. Webhook delivery goes
// through Kafka only when Brokers is non-empty.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	Webhook string `yaml:"webhook"`
}

// Enabled reports whether any broker is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// PostgresConfig holds PostgreSQL connection parameters for the resync
// history store. An empty Host disables it.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading any file or
// environment variable.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8085,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Index: IndexConfig{
			Prefix:      "jri",
			CacheTTL:    300 * time.Second,
			ResultLimit: 50,
		},
		Sync: SyncConfig{
			PageSize:        250,
			BoostMultiplier: 1.1,
		},
		Jira: JiraConfig{
			Timeout: 30 * time.Second,
		},
		Kafka: KafkaConfig{
			ConsumerGroup: "jiracache",
			Topics: KafkaTopics{
				Webhook: "jira-webhook",
			},
		},
		Postgres: PostgresConfig{
			Port:            5432,
			Database:        "jiracache",
			User:            "jiracache",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

func (c *Config) validate() error {
	if c.Index.Prefix == "" {
		return fmt.Errorf("index.prefix must not be empty")
	}
	if strings.ContainsAny(c.Index.Prefix, "*?[]") {
		return fmt.Errorf("index.prefix %q must not contain glob characters", c.Index.Prefix)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.pageSize must be positive, got %d", c.Sync.PageSize)
	}
	if c.Sync.BoostMultiplier <= 0 {
		return fmt.Errorf("sync.boostMultiplier must be positive, got %v", c.Sync.BoostMultiplier)
	}
	if c.Index.ResultLimit <= 0 {
		c.Index.ResultLimit = 50
	}
	return nil
}

// applyEnvOverrides reads JC_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("JC_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("JC_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("JC_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("JC_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("JC_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("JC_INDEX_PREFIX"); v != "" {
		cfg.Index.Prefix = v
	}
	if v := os.Getenv("JC_SYNC_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PageSize = n
		}
	}
	if v := os.Getenv("JC_JIRA_SERVER"); v != "" {
		cfg.Jira.Server = v
	}
	if v := os.Getenv("JC_JIRA_TOKEN"); v != "" {
		cfg.Jira.Token = v
	}
	if v := os.Getenv("JC_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("JC_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("JC_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("JC_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("JC_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
