// Package config loads service settings from defaults, an optional config
// file and LICDATA_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable: store.backend is read from
// LICDATA_STORE_BACKEND.
const EnvPrefix = "LICDATA"

type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Transport TransportConfig `mapstructure:"transport"`
	Flow      FlowConfig      `mapstructure:"flow"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type StoreConfig struct {
	Backend     string `mapstructure:"backend" validate:"oneof=memory sqlite postgres redis mongo"`
	SQLitePath  string `mapstructure:"sqlite_path" validate:"required_if=Backend sqlite"`
	PostgresDSN string `mapstructure:"postgres_dsn" validate:"required_if=Backend postgres"`
	RedisAddr   string `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	MongoURI    string `mapstructure:"mongo_uri" validate:"required_if=Backend mongo"`
	MongoDB     string `mapstructure:"mongo_db"`
	// Prefix namespaces keys (Redis) and collections (Mongo).
	Prefix string `mapstructure:"prefix"`
}

type DockerConfig struct {
	// Host is the daemon address; empty uses DOCKER_HOST.
	Host                  string `mapstructure:"host"`
	RegistryURL           string `mapstructure:"registry_url" validate:"required"`
	AzureBaseImageVersion string `mapstructure:"azure_base_image_version" validate:"required"`
	PythonVersion         string `mapstructure:"python_version" validate:"required"`
	CloneSources          bool   `mapstructure:"clone_sources"`
}

type TransportConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	InboundQueue  string `mapstructure:"inbound_queue" validate:"required"`
	OutboundQueue string `mapstructure:"outbound_queue" validate:"required,nefield=InboundQueue"`
	Concurrency   int    `mapstructure:"concurrency" validate:"min=1"`
}

type FlowConfig struct {
	// CredentialTimeout bounds the wait for a credential; 0 waits forever.
	CredentialTimeout time.Duration `mapstructure:"credential_timeout" validate:"min=0"`
	ExpiryInterval    time.Duration `mapstructure:"expiry_interval" validate:"min=1s"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter" validate:"oneof=stdout none"`
}

// SlogLevel converts the configured level.
func (c LogConfig) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite_path", "licdata-artifact.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.mongo_uri", "")
	v.SetDefault("store.mongo_db", "licdata")
	v.SetDefault("store.prefix", "licdata")

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.registry_url", "localhost:5000")
	v.SetDefault("docker.azure_base_image_version", "4")
	v.SetDefault("docker.python_version", "3.12")
	v.SetDefault("docker.clone_sources", false)

	v.SetDefault("transport.redis_addr", "localhost:6379")
	v.SetDefault("transport.inbound_queue", "licdata-inbound")
	v.SetDefault("transport.outbound_queue", "licdata-outbound")
	v.SetDefault("transport.concurrency", 10)

	v.SetDefault("flow.credential_timeout", 15*time.Minute)
	v.SetDefault("flow.expiry_interval", 30*time.Second)

	v.SetDefault("log.level", "info")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path (skipped when empty) and returns the
// validated configuration.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("config: invalid settings: %s", strings.Join(msgs, "; "))
}
