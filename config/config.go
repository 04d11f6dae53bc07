// Package config loads the node configuration of a workflow engine process
// from an optional YAML file and WORKFLOW_ prefixed environment variables.
package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// EnvPrefix prefixes every environment override, e.g. WORKFLOW_STORAGE_DRIVER.
const EnvPrefix = "WORKFLOW"

var validate = validator.New()

// Config holds the configuration of one engine node.
type Config struct {
	Node struct {
		// SystemID identifies this node in transition and batch ownership.
		SystemID    string `mapstructure:"system_id" validate:"required"`
		Environment string `mapstructure:"environment"`
		// MachineID seeds the snowflake id generator and must differ between nodes.
		MachineID uint16 `mapstructure:"machine_id"`
	} `mapstructure:"node"`
	Storage struct {
		Driver string `mapstructure:"driver" validate:"oneof=memory sqlite postgres redis"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"storage"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db" validate:"gte=0"`
		PoolSize int    `mapstructure:"pool_size" validate:"gte=0"`
	} `mapstructure:"redis"`
	Definitions struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"definitions"`
	Engine struct {
		MaxChainDepth int `mapstructure:"max_chain_depth" validate:"gte=1"`
	} `mapstructure:"engine"`
	Events struct {
		// BufferSize bounds the events queued for subscribers; more are dropped.
		BufferSize int `mapstructure:"buffer_size" validate:"gte=1"`
	} `mapstructure:"events"`
	Runner struct {
		Target     string        `mapstructure:"target"`
		Retries    int           `mapstructure:"retries" validate:"gte=0"`
		RetryDelay time.Duration `mapstructure:"retry_delay"`
	} `mapstructure:"runner"`
	Log struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=text json"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	v.SetDefault("node.system_id", hostname)
	v.SetDefault("node.environment", "")
	v.SetDefault("node.machine_id", 1)
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("definitions.dir", "definitions")
	v.SetDefault("engine.max_chain_depth", 100)
	v.SetDefault("events.buffer_size", 256)
	v.SetDefault("runner.target", "")
	v.SetDefault("runner.retries", 3)
	v.SetDefault("runner.retry_delay", time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. path may be empty, in which case only the
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the settings each storage driver needs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	switch c.Storage.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			return errors.Errorf("invalid config: storage.dsn is required for driver %s", c.Storage.Driver)
		}
	case DriverRedis:
		if c.Redis.Addr == "" {
			return errors.New("invalid config: redis.addr is required for driver redis")
		}
	}
	return nil
}

// LogLevel maps log.level to a slog level.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel()}
	var handler slog.Handler
	if c.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("system_id", c.Node.SystemID)
}
