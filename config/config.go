// Package config loads orchestrator settings from a file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/songzhibin97/workflow-orchestrator/logging"
	"github.com/songzhibin97/workflow-orchestrator/orchestration"
	"github.com/songzhibin97/workflow-orchestrator/registry"
	"github.com/songzhibin97/workflow-orchestrator/storage"
	"github.com/songzhibin97/workflow-orchestrator/types"
)

// EnvPrefix prefixes every environment variable, e.g.
// ORCHESTRATOR_RETRY_MAX_ATTEMPTS.
const EnvPrefix = "ORCHESTRATOR"

var ErrInvalidFailurePolicy = errors.New("invalid failure policy")

// Settings mirrors the configuration file.
type Settings struct {
	AutoRetry               bool          `mapstructure:"auto_retry"`
	DefaultProvider         string        `mapstructure:"default_provider"`
	EnableHealthChecks      bool          `mapstructure:"enable_health_checks"`
	HealthCheckInterval     time.Duration `mapstructure:"health_check_interval"`
	EnableMetrics           bool          `mapstructure:"enable_metrics"`
	EnableStepFactory       bool          `mapstructure:"enable_step_factory"`
	GlobalTimeout           time.Duration `mapstructure:"global_timeout"`
	MaxConcurrentExecutions int           `mapstructure:"max_concurrent_executions"`

	Retry    RetrySettings    `mapstructure:"retry"`
	Log      LogSettings      `mapstructure:"log"`
	Redis    RedisSettings    `mapstructure:"redis"`
	Provider ProviderSettings `mapstructure:"provider"`
}

type RetrySettings struct {
	Backoff     string        `mapstructure:"backoff"`
	Delay       time.Duration `mapstructure:"delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RedisSettings selects the Redis store. An empty Addr means executions
// and schedules are kept in memory.
type RedisSettings struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type ProviderSettings struct {
	FailurePolicy string `mapstructure:"failure_policy"`
}

func setDefaults(v *viper.Viper) {
	def := orchestration.NewDefaultConfig()

	v.SetDefault("auto_retry", def.AutoRetry)
	v.SetDefault("default_provider", "")
	v.SetDefault("enable_health_checks", def.EnableHealthChecks)
	v.SetDefault("health_check_interval", def.HealthCheckInterval)
	v.SetDefault("enable_metrics", def.EnableMetrics)
	v.SetDefault("enable_step_factory", def.EnableStepFactory)
	v.SetDefault("global_timeout", def.GlobalTimeout)
	v.SetDefault("max_concurrent_executions", def.MaxConcurrentExecutions)

	v.SetDefault("retry.backoff", string(def.DefaultRetryConfig.Backoff))
	v.SetDefault("retry.delay", def.DefaultRetryConfig.Delay)
	v.SetDefault("retry.max_attempts", def.DefaultRetryConfig.MaxAttempts)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatJSON)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.key_prefix", "orchestrator:")

	v.SetDefault("provider.failure_policy", string(registry.FailFast))
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, when non-empty, on top of the defaults and the
// environment.
func Load(path string) (*Settings, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return LoadFromViper(v)
}

// LoadFrom reads a configuration document of the given type ("yaml",
// "json", ...).
func LoadFrom(r io.Reader, configType string) (*Settings, error) {
	v := NewViper()
	v.SetConfigType(configType)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}
	return LoadFromViper(v)
}

// LoadFromViper decodes and validates the settings held by v.
func LoadFromViper(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	switch registry.FailurePolicy(s.Provider.FailurePolicy) {
	case registry.FailFast, registry.BestEffort:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFailurePolicy, s.Provider.FailurePolicy)
	}
	return s.ManagerConfig().Validate()
}

// ManagerConfig converts the settings into a manager configuration. The
// step factory, registry and generator are left for the caller to set.
func (s *Settings) ManagerConfig() orchestration.Config {
	return orchestration.Config{
		AutoRetry: s.AutoRetry,
		DefaultRetryConfig: types.RetryConfig{
			Backoff:     types.BackoffStrategy(s.Retry.Backoff),
			Delay:       s.Retry.Delay,
			MaxAttempts: s.Retry.MaxAttempts,
		},
		DefaultProvider:         s.DefaultProvider,
		EnableHealthChecks:      s.EnableHealthChecks,
		HealthCheckInterval:     s.HealthCheckInterval,
		EnableMetrics:           s.EnableMetrics,
		EnableStepFactory:       s.EnableStepFactory,
		GlobalTimeout:           s.GlobalTimeout,
		MaxConcurrentExecutions: s.MaxConcurrentExecutions,
	}
}

// FailurePolicy returns the plan failure policy of the local provider.
func (s *Settings) FailurePolicy() registry.FailurePolicy {
	return registry.FailurePolicy(s.Provider.FailurePolicy)
}

// Logger builds the logger described by the log settings.
func (s *Settings) Logger(out io.Writer) *slog.Logger {
	return logging.New(logging.Options{Level: s.Log.Level, Format: s.Log.Format, Output: out})
}

// Store opens the Redis store when an address is configured and an
// in-memory store otherwise.
func (s *Settings) Store() (storage.Store, error) {
	if s.Redis.Addr == "" {
		return storage.NewMemoryStore(), nil
	}
	return storage.NewRedisStore(storage.RedisOptions{
		Addr:      s.Redis.Addr,
		Password:  s.Redis.Password,
		DB:        s.Redis.DB,
		PoolSize:  s.Redis.PoolSize,
		KeyPrefix: s.Redis.KeyPrefix,
	})
}
