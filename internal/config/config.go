// Package config loads the controller configuration: YAML file selected
// by CONFIG_ENV, overridable through CONFAB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"` // debug | release
	HTTP HTTP   `mapstructure:"http"`

	Storage  Storage  `mapstructure:"storage"`
	Exchange Exchange `mapstructure:"exchange"`

	Session Session           `mapstructure:"session"`
	Modules Modules           `mapstructure:"modules"`
	Tariffs map[string]Tariff `mapstructure:"tariffs"`
	Auth    Auth              `mapstructure:"auth"`
	Janitor Janitor           `mapstructure:"janitor"`
}

type HTTP struct {
	Addr string `mapstructure:"addr"`
}

type Storage struct {
	Backend  string `mapstructure:"backend"` // memory | redis
	RedisURL string `mapstructure:"redis_url"`
}

type Exchange struct {
	Backend  string `mapstructure:"backend"` // memory | redis
	RedisURL string `mapstructure:"redis_url"`
	// QueueLen bounds the per-subscriber delivery queue; overflow drops
	// the oldest message with a warning.
	QueueLen int `mapstructure:"queue_len"`
}

type Session struct {
	TicketTTL     time.Duration `mapstructure:"ticket_ttl"`
	ResumptionTTL time.Duration `mapstructure:"resumption_ttl"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	PongTimeout   time.Duration `mapstructure:"pong_timeout"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	// FrameLimit bounds client frames per FrameWindow; zero disables
	// the limiter.
	FrameLimit  int           `mapstructure:"frame_limit"`
	FrameWindow time.Duration `mapstructure:"frame_window"`
}

type Modules struct {
	Chat      ChatConfig      `mapstructure:"chat"`
	Timer     ModuleFlag      `mapstructure:"timer"`
	Automod   ModuleFlag      `mapstructure:"automod"`
	LegalVote ModuleFlag      `mapstructure:"legal_vote"`
	Breakout  ModuleFlag      `mapstructure:"breakout"`
	Recording RecordingConfig `mapstructure:"recording"`
}

type ModuleFlag struct {
	Enabled bool `mapstructure:"enabled"`
}

type ChatConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	HistoryCap int  `mapstructure:"history_cap"`
}

type RecordingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Queue is the asynq queue the external recorder fleet consumes.
	Queue string `mapstructure:"queue"`
}

type Tariff struct {
	EnabledModules []string `mapstructure:"enabled_modules"`
}

type Auth struct {
	// StaticUsers maps bearer tokens to dev/test identities. Production
	// deployments plug a real verifier in at construction time instead.
	StaticUsers map[string]StaticUser `mapstructure:"static_users"`
	// GuestsAllowed admits unauthenticated guests through guest links.
	GuestsAllowed bool `mapstructure:"guests_allowed"`
}

type StaticUser struct {
	ID          string `mapstructure:"id"`
	DisplayName string `mapstructure:"display_name"`
	Tariff      string `mapstructure:"tariff"`
}

type Janitor struct {
	// Sweep is a cron spec ("@every 30s") for the memory-backend TTL
	// sweep and the metrics snapshot.
	Sweep string `mapstructure:"sweep"`
}

func Load() (*Config, error) {
	// A local .env is developer convenience only; absence is fine.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigFile(fmt.Sprintf("config/config.%s.yaml", env))
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CONFAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("http.addr", ":11311")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.redis_url", "redis://localhost:6379/0")
	v.SetDefault("exchange.backend", "memory")
	v.SetDefault("exchange.redis_url", "redis://localhost:6379/0")
	v.SetDefault("exchange.queue_len", 64)

	v.SetDefault("session.ticket_ttl", "30s")
	v.SetDefault("session.resumption_ttl", "120s")
	v.SetDefault("session.ping_interval", "15s")
	v.SetDefault("session.pong_timeout", "20s")
	v.SetDefault("session.read_limit", 65536)
	v.SetDefault("session.frame_limit", 60)
	v.SetDefault("session.frame_window", "10s")

	v.SetDefault("modules.chat.enabled", true)
	v.SetDefault("modules.chat.history_cap", 128)
	v.SetDefault("modules.timer.enabled", true)
	v.SetDefault("modules.automod.enabled", true)
	v.SetDefault("modules.legal_vote.enabled", true)
	v.SetDefault("modules.breakout.enabled", true)
	v.SetDefault("modules.recording.enabled", false)
	v.SetDefault("modules.recording.queue", "recording")

	v.SetDefault("auth.guests_allowed", true)
	v.SetDefault("janitor.sweep", "@every 30s")
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Exchange.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown exchange backend %q", c.Exchange.Backend)
	}
	if c.Session.PongTimeout <= c.Session.PingInterval {
		return fmt.Errorf("config: pong_timeout %v must exceed ping_interval %v",
			c.Session.PongTimeout, c.Session.PingInterval)
	}
	if c.Exchange.QueueLen < 1 {
		return fmt.Errorf("config: exchange.queue_len must be positive")
	}
	if c.Session.FrameLimit > 0 && c.Session.FrameWindow <= 0 {
		return fmt.Errorf("config: frame_window must be positive when frame_limit is set")
	}
	if c.Modules.Chat.HistoryCap < 0 {
		return fmt.Errorf("config: chat.history_cap must not be negative")
	}
	return nil
}
