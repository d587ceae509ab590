/*
Package config loads server configuration.

SOURCES (later wins):
  1. Defaults (Defaults below)
  2. Config file (--config, or loyalty.yaml in . or /etc/loyalty)
  3. Environment, prefixed LOYALTY_ with dots as underscores
     (LOYALTY_STORE_PATH, LOYALTY_LOG_LEVEL, ...)
  4. Command-line flags bound by cmd/server

Tier thresholds are NOT here. They live in their own versioned file
(tiers_file), loaded by factory.LoadTiers.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/warp/loyalty-engine/logging"
	"github.com/warp/loyalty-engine/loyalty"
)

const EnvPrefix = "LOYALTY"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Log       logging.Config  `mapstructure:"log"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`

	// TiersFile is a YAML tier ladder. Empty means the built-in default.
	TiersFile string `mapstructure:"tiers_file"`

	// Demo enables /api/scenarios. Never on in production.
	Demo bool `mapstructure:"demo"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type StoreConfig struct {
	Driver      string        `mapstructure:"driver"` // sqlite, memory
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type RetryConfig struct {
	MaxAttempts     uint          `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// Engine converts to the engine's retry settings.
func (r RetryConfig) Engine() loyalty.RetryConfig {
	return loyalty.RetryConfig{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
	}
}

type SchedulerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	AuditInterval  time.Duration `mapstructure:"audit_interval"`
	ExpiryInterval time.Duration `mapstructure:"expiry_interval"`
}

// Defaults registers every key so env overrides work without a config file.
func Defaults(v *viper.Viper) {
	retry := loyalty.DefaultRetryConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "loyalty.db")
	v.SetDefault("store.busy_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.caller", false)

	v.SetDefault("retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("retry.initial_interval", retry.InitialInterval)
	v.SetDefault("retry.max_interval", retry.MaxInterval)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.audit_interval", time.Hour)
	v.SetDefault("scheduler.expiry_interval", 5*time.Minute)

	v.SetDefault("tiers_file", "")
	v.SetDefault("demo", false)
}

// New returns a viper instance with defaults, env binding and the config
// search path set up. file may be empty.
func New(file string) *viper.Viper {
	v := viper.New()
	Defaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("loyalty")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/loyalty")
	}
	return v
}

// Load reads the config file (a missing default file is fine) and
// decodes everything into a Config.
func Load(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Retry.MaxAttempts == 0 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	return nil
}
