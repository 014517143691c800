// Package config loads the process configuration from defaults, an optional
// YAML file and LOOM_-prefixed environment variables, in increasing order of
// precedence.
package config

import (
	stderrors "errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"loom/internal/agent"
	"loom/internal/dispatch"
	"loom/internal/engine"
	"loom/internal/errors"
	"loom/internal/execution"
	"loom/internal/monitor"
	"loom/internal/observability"
	"loom/internal/store/postgres"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Agent invoker modes.
const (
	AgentModeMock   = "mock"
	AgentModeHTTP   = "http"
	AgentModeOpenAI = "openai"
)

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	Backend  string          `mapstructure:"backend"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// AgentConfig selects the agent invoker.
type AgentConfig struct {
	Mode   string             `mapstructure:"mode"`
	OpenAI agent.OpenAIConfig `mapstructure:"openai"`
}

// Config is the full process configuration.
type Config struct {
	Logging  LoggingConfig               `mapstructure:"logging"`
	Store    StoreConfig                 `mapstructure:"store"`
	Engine   engine.Config               `mapstructure:"engine"`
	Pool     dispatch.PoolConfig         `mapstructure:"pool"`
	Contexts execution.ManagerConfig     `mapstructure:"contexts"`
	Monitor  monitor.Config              `mapstructure:"monitor"`
	Metrics  observability.MetricsConfig `mapstructure:"metrics"`
	Tracing  observability.TracingConfig `mapstructure:"tracing"`
	Agent    AgentConfig                 `mapstructure:"agent"`
}

// Load reads the configuration. A non-empty path names a required config
// file; otherwise loom.yaml in the working directory is used when present.
func Load(path string) (*Config, error) {
	const op = "config.Load"

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Fatal(op, err)
		}
	} else {
		v.SetConfigName("loom")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !stderrors.As(err, &notFound) {
				return nil, errors.Fatal(op, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Fatal(op, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.snapshot_retention", 10)

	v.SetDefault("engine.snapshot_every", 5)
	v.SetDefault("engine.task_max_retries", 3)

	v.SetDefault("pool.workers", 4)
	v.SetDefault("pool.queue_size", 256)
	v.SetDefault("pool.retry.max_attempts", 3)
	v.SetDefault("pool.retry.base_delay", 500*time.Millisecond)
	v.SetDefault("pool.retry.max_delay", 10*time.Second)

	v.SetDefault("contexts.max_resident", 256)
	v.SetDefault("contexts.ttl", time.Hour)

	v.SetDefault("monitor.poll_interval", 30*time.Second)
	v.SetDefault("monitor.scan_interval", 5*time.Minute)
	v.SetDefault("monitor.idle_threshold", 2*time.Hour)
	v.SetDefault("monitor.max_attempts", 3)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.prometheus_port", 9090)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "loom")

	v.SetDefault("agent.mode", AgentModeMock)
	v.SetDefault("agent.openai.api_key", "")
	v.SetDefault("agent.openai.base_url", "")
	v.SetDefault("agent.openai.model", "")
}

func (c *Config) validate() error {
	const op = "config.validate"

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			return errors.Validation(op, "store.postgres.dsn is required for the postgres backend")
		}
	default:
		return errors.Validation(op, "unknown store backend "+c.Store.Backend)
	}

	switch c.Agent.Mode {
	case AgentModeMock, AgentModeHTTP:
	case AgentModeOpenAI:
		if c.Agent.OpenAI.APIKey == "" {
			return errors.Validation(op, "agent.openai.api_key is required for the openai invoker")
		}
	default:
		return errors.Validation(op, "unknown agent mode "+c.Agent.Mode)
	}
	return nil
}
