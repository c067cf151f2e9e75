// Package config loads server and client settings from a YAML file and
// PEERCOLLAB_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/peercollab/peercollab/server/log"
)

// Config is the full configuration tree.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Document  DocumentConfig  `mapstructure:"document"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Client    ClientConfig    `mapstructure:"client"`
	Log       log.Config      `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig configures the websocket server.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	CORSOrigins    []string `mapstructure:"cors_origins"` // "*" allows any origin
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DocumentConfig configures documents served by the authority.
type DocumentConfig struct {
	DefaultID string `mapstructure:"default_id"`
	Seed      string `mapstructure:"seed"` // initial text of every new document
}

// StorageConfig selects the update log backend.
type StorageConfig struct {
	Type string `mapstructure:"type"` // memory | bolt | postgres
	Path string `mapstructure:"path"` // bolt file, type=bolt
	DSN  string `mapstructure:"dsn"`  // Postgres connection string, type=postgres
}

// BroadcastConfig configures fan-out across server processes.
type BroadcastConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"` // empty keeps fan-out in process
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// ClientConfig holds the client library tunables.
type ClientConfig struct {
	ServerURL        string        `mapstructure:"server_url"`
	PushDelay        time.Duration `mapstructure:"push_delay"`
	PullTimeout      time.Duration `mapstructure:"pull_timeout"`
	TooltipHideDelay time.Duration `mapstructure:"tooltip_hide_delay"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enable bool `mapstructure:"enable"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173"})
	v.SetDefault("server.rate_limit_rps", 200)
	v.SetDefault("server.rate_limit_burst", 400)
	v.SetDefault("document.default_id", "default")
	v.SetDefault("document.seed", "")
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.path", "peercollab.db")
	v.SetDefault("client.server_url", "ws://localhost:4000/ws")
	v.SetDefault("client.push_delay", 100*time.Millisecond)
	v.SetDefault("client.pull_timeout", 3*time.Second)
	v.SetDefault("client.tooltip_hide_delay", time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.enable", true)
}

// LoadConfig reads configPath, if not empty, on top of the defaults.
// Environment variables override file values, e.g. PEERCOLLAB_SERVER_PORT.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("peercollab")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case "memory", "bolt":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for storage.type=postgres")
		}
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	if c.Client.PushDelay < 0 || c.Client.PullTimeout <= 0 {
		return fmt.Errorf("client.push_delay must be >= 0 and client.pull_timeout > 0")
	}
	return nil
}
