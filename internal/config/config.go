// Package config loads the worker configuration: defaults, then an optional
// YAML file, then ACADEMY_* environment variables (a .env file in the working
// directory is loaded first when present).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/himmam-offline/pkg/archive"
	"github.com/Sternrassler/himmam-offline/pkg/cache"
	"github.com/Sternrassler/himmam-offline/pkg/connectivity"
	"github.com/Sternrassler/himmam-offline/pkg/fetch"
	"github.com/Sternrassler/himmam-offline/pkg/foreground"
	"github.com/Sternrassler/himmam-offline/pkg/lifecycle"
	"github.com/Sternrassler/himmam-offline/pkg/logging"
	"github.com/Sternrassler/himmam-offline/pkg/protocol"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ACADEMY_"

// DotEnvFile is loaded from the working directory when it exists.
const DotEnvFile = ".env"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR" validate:"required"`
	Origin          string        `yaml:"origin" env:"ORIGIN" validate:"required,url"`
	UserAgent       string        `yaml:"user_agent" env:"USER_AGENT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

type SQLConfig struct {
	DSN string `yaml:"dsn" env:"DSN"`
}

type DynamoDBConfig struct {
	Table       string `yaml:"table" env:"TABLE"`
	Region      string `yaml:"region" env:"REGION"`
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	CreateTable bool   `yaml:"create_table" env:"CREATE_TABLE"`
}

type StorageConfig struct {
	Backend  string         `yaml:"backend" env:"BACKEND" validate:"oneof=memory redis sqlite postgres dynamodb"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	SQL      SQLConfig      `yaml:"sql" envPrefix:"SQL_"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb" envPrefix:"DYNAMODB_"`
}

type LifecycleConfig struct {
	Manifest       []string                 `yaml:"manifest" env:"MANIFEST" envSeparator:","`
	InstallOnStart bool                     `yaml:"install_on_start" env:"INSTALL_ON_START"`
	Precache       lifecycle.PrecacheConfig `yaml:"precache" envPrefix:"PRECACHE_"`
}

type ArchiveConfig struct {
	Policy string            `yaml:"policy" env:"POLICY" validate:"omitempty,oneof=metadata_only all_assets"`
	Retry  fetch.RetryConfig `yaml:"retry" envPrefix:"RETRY_"`
}

type InterceptConfig struct {
	Coalesce bool          `yaml:"coalesce" env:"COALESCE"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type ConnectivityConfig struct {
	OfflineThreshold int `yaml:"offline_threshold" env:"OFFLINE_THRESHOLD" validate:"gte=1"`
}

type ProtocolConfig struct {
	DownloadTimeout time.Duration `yaml:"download_timeout" env:"DOWNLOAD_TIMEOUT"`
	InboxSize       int           `yaml:"inbox_size" env:"INBOX_SIZE" validate:"gte=1"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	Insecure    bool    `yaml:"insecure" env:"INSECURE"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

type Config struct {
	Server       ServerConfig       `yaml:"server" envPrefix:"SERVER_"`
	Storage      StorageConfig      `yaml:"storage" envPrefix:"STORAGE_"`
	Stores       cache.StoreNames   `yaml:"stores" envPrefix:"STORES_"`
	Lifecycle    LifecycleConfig    `yaml:"lifecycle" envPrefix:"LIFECYCLE_"`
	Archive      ArchiveConfig      `yaml:"archive" envPrefix:"ARCHIVE_"`
	Intercept    InterceptConfig    `yaml:"intercept" envPrefix:"INTERCEPT_"`
	Connectivity ConnectivityConfig `yaml:"connectivity" envPrefix:"CONNECTIVITY_"`
	Protocol     ProtocolConfig     `yaml:"protocol" envPrefix:"PROTOCOL_"`
	Log          logging.Config     `yaml:"log" envPrefix:"LOG_"`
	Tracing      TracingConfig      `yaml:"tracing" envPrefix:"TRACING_"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Origin:          "http://localhost:5173",
			UserAgent:       "himmam-offline/0.1.0",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "academy",
			},
			SQL: SQLConfig{
				DSN: "academy-cache.db",
			},
			DynamoDB: DynamoDBConfig{
				Table: "academy-cache",
			},
		},
		Stores: cache.DefaultStoreNames(),
		Lifecycle: LifecycleConfig{
			Manifest:       append([]string(nil), lifecycle.DefaultManifest...),
			InstallOnStart: true,
			Precache:       lifecycle.DefaultPrecacheConfig(),
		},
		Archive: ArchiveConfig{
			Policy: string(archive.PolicyMetadataOnly),
			Retry:  fetch.DefaultRetryConfig(),
		},
		Connectivity: ConnectivityConfig{
			OfflineThreshold: connectivity.DefaultOfflineThreshold,
		},
		Protocol: ProtocolConfig{
			DownloadTimeout: foreground.DefaultTimeout,
			InboxSize:       protocol.DefaultInboxSize,
		},
		Log: logging.Config{
			Level: logging.LevelInfo,
		},
		Tracing: TracingConfig{
			ServiceName: "himmam-offline",
			SampleRatio: 1,
		},
	}
}

// Load builds the configuration. An empty path skips the YAML file; a
// path that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := loadDotEnv(DotEnvFile); err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads path if it exists. Variables already set win.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Stores.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.ValidateLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Storage.Backend {
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New("invalid config: storage.redis.addr is required for the redis backend")
		}
	case BackendSQLite, BackendPostgres:
		if c.Storage.SQL.DSN == "" {
			return fmt.Errorf("invalid config: storage.sql.dsn is required for the %s backend", c.Storage.Backend)
		}
	case BackendDynamoDB:
		if c.Storage.DynamoDB.Table == "" {
			return errors.New("invalid config: storage.dynamodb.table is required for the dynamodb backend")
		}
	}

	for _, m := range c.Lifecycle.Manifest {
		if !strings.HasPrefix(m, "/") && !strings.HasPrefix(m, "http://") && !strings.HasPrefix(m, "https://") {
			return fmt.Errorf("invalid config: manifest entry %q must be a root-relative path or absolute URL", m)
		}
	}
	return nil
}

// ArchivePolicy returns the parsed archive policy.
func (c *Config) ArchivePolicy() archive.Policy {
	p, err := archive.ParsePolicy(c.Archive.Policy)
	if err != nil {
		// unreachable after Validate
		return archive.PolicyMetadataOnly
	}
	return p
}
