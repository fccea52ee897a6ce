// Package config loads orchestrator configuration from defaults, an
// optional yaml file, and CONDUCTOR_* environment variables, in that
// precedence order (env wins).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the merged runtime configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type ArtifactsConfig struct {
	Root string `mapstructure:"root"`
}

type SupervisorConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	AbortGrace       time.Duration `mapstructure:"abort_grace"`
	MaxWorkers       int           `mapstructure:"max_workers"`
}

type WorkerConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration. configFile may be empty; when set the file must
// exist and parse.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8323)
	v.SetDefault("store.path", "data/conductor.db")
	v.SetDefault("artifacts.root", "data/artifacts")
	v.SetDefault("supervisor.tick_interval", "1s")
	v.SetDefault("supervisor.heartbeat_timeout", "30s")
	v.SetDefault("supervisor.abort_grace", "5s")
	v.SetDefault("supervisor.max_workers", 2)
	v.SetDefault("worker.heartbeat_interval", "2s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if strings.TrimSpace(c.Artifacts.Root) == "" {
		return fmt.Errorf("artifacts.root is required")
	}
	if c.Supervisor.TickInterval <= 0 {
		return fmt.Errorf("supervisor.tick_interval must be > 0")
	}
	if c.Supervisor.HeartbeatTimeout <= 0 {
		return fmt.Errorf("supervisor.heartbeat_timeout must be > 0")
	}
	if c.Supervisor.MaxWorkers <= 0 {
		return fmt.Errorf("supervisor.max_workers must be > 0")
	}
	return nil
}
