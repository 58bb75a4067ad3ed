// Package config loads the daemon configuration from file, environment and flags.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/fentz26/tessera/internal/executor/localexec"
	"github.com/fentz26/tessera/internal/scheduler"
)

// EnvPrefix prefixes every environment override, e.g. TESSERA_SERVER_LISTEN.
const EnvPrefix = "TESSERA"

// Config is the complete daemon configuration.
type Config struct {
	Scheduler scheduler.Constraints `mapstructure:"scheduler"`
	Executor  ExecutorConfig        `mapstructure:"executor"`
	Server    ServerConfig          `mapstructure:"server"`
	Store     StoreConfig           `mapstructure:"store"`
	Logging   LoggingConfig         `mapstructure:"logging"`
}

type ExecutorConfig struct {
	Slots           int                     `mapstructure:"slots"`
	WorkDir         string                  `mapstructure:"workDir"`
	AllowedCommands map[string][]string     `mapstructure:"allowedCommands"`
	AcquireBackoff  scheduler.BackoffConfig `mapstructure:"acquireBackoff"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DataDir returns the directory holding the database and default config.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tessera"
	}
	return filepath.Join(home, ".tessera")
}

// New returns a viper instance carrying the defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()

	c := scheduler.DefaultConstraints()
	v.SetDefault("scheduler.maxParallelTenancies", c.MaxParallelTenancies)
	v.SetDefault("scheduler.tenancies", c.TenancyPattern)
	v.SetDefault("scheduler.groupInitCapacity", c.GroupInitCapacity)
	v.SetDefault("scheduler.groupMaxCapacity", c.GroupMaxCapacity)
	v.SetDefault("scheduler.groupMaxRunningJobs", c.GroupMaxRunningJobs)
	v.SetDefault("scheduler.groupIdleTimeout", time.Duration(0))

	b := scheduler.DefaultBackoff()
	v.SetDefault("executor.slots", 4)
	v.SetDefault("executor.workDir", ".")
	v.SetDefault("executor.allowedCommands", localexec.DefaultAllowedCommands)
	v.SetDefault("executor.acquireBackoff.initial", b.Initial)
	v.SetDefault("executor.acquireBackoff.max", b.Max)

	v.SetDefault("server.listen", "127.0.0.1:7466")
	v.SetDefault("store.path", filepath.Join(DataDir(), "tessera.db"))
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file, or tessera.yaml from the data dir or the working
// directory when file is empty, and unmarshals the result. A missing default
// config file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("tessera")
		v.SetConfigType("yaml")
		v.AddConfigPath(DataDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config")
		}
	} else {
		log.WithField("file", v.ConfigFileUsed()).Debug("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if err := c.Scheduler.Validate(); err != nil {
		return errors.Wrap(err, "scheduler")
	}
	if c.Executor.Slots < 1 {
		return errors.Errorf("executor.slots must be positive, got %d", c.Executor.Slots)
	}
	if c.Executor.AcquireBackoff.Initial <= 0 || c.Executor.AcquireBackoff.Max < c.Executor.AcquireBackoff.Initial {
		return errors.Errorf("executor.acquireBackoff needs 0 < initial <= max, got %s and %s",
			c.Executor.AcquireBackoff.Initial, c.Executor.AcquireBackoff.Max)
	}
	if c.Server.Listen == "" {
		return errors.New("server.listen must be set")
	}
	if c.Store.Path == "" {
		return errors.New("store.path must be set")
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, "logging.level")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return errors.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// Apply configures the standard logrus logger.
func (l LoggingConfig) Apply() error {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return errors.Wrap(err, "logging.level")
	}
	log.SetLevel(level)
	if l.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stdout)
	return nil
}
