// Package config loads picowidget configuration: defaults, then an optional
// YAML file, then PICOWIDGET_* environment overrides.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Gateway     GatewayConfig     `yaml:"gateway" envPrefix:"GATEWAY_"`
	Log         LogConfig         `yaml:"log" envPrefix:"LOG_"`
	Store       StoreConfig       `yaml:"store" envPrefix:"STORE_"`
	Push        PushConfig        `yaml:"push" envPrefix:"PUSH_"`
	Exclusivity ExclusivityConfig `yaml:"exclusivity" envPrefix:"EXCLUSIVITY_"`
	Inactivity  InactivityConfig  `yaml:"inactivity" envPrefix:"INACTIVITY_"`
	Refresh     RefreshConfig     `yaml:"refresh" envPrefix:"REFRESH_"`
	Janitor     JanitorConfig     `yaml:"janitor" envPrefix:"JANITOR_"`
	Widgets     WidgetsConfig     `yaml:"widgets" envPrefix:"WIDGETS_"`
}

type GatewayConfig struct {
	Host           string   `yaml:"host" env:"HOST"`
	Port           int      `yaml:"port" env:"PORT"`
	APIKey         string   `yaml:"api_key" env:"API_KEY"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type StoreConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// PushConfig selects the transport carrying mobile session events between
// gateway instances. "memory" keeps them in-process.
type PushConfig struct {
	Backend       string `yaml:"backend" env:"BACKEND"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisGroup    string `yaml:"redis_group" env:"REDIS_GROUP"`
	RedisConsumer string `yaml:"redis_consumer" env:"REDIS_CONSUMER"`
}

type ExclusivityConfig struct {
	FallbackTimeout time.Duration `yaml:"fallback_timeout" env:"FALLBACK_TIMEOUT"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

type InactivityConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Warning time.Duration `yaml:"warning" env:"WARNING"`
}

type RefreshConfig struct {
	Threshold  time.Duration `yaml:"threshold" env:"THRESHOLD"`
	Cooldown   time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	ClientID   string        `yaml:"client_id" env:"CLIENT_ID"`
	AccessTTL  time.Duration `yaml:"access_ttl" env:"ACCESS_TTL"`
	RefreshTTL time.Duration `yaml:"refresh_ttl" env:"REFRESH_TTL"`
}

type JanitorConfig struct {
	Schedule        string        `yaml:"schedule" env:"SCHEDULE"`
	ConversationTTL time.Duration `yaml:"conversation_ttl" env:"CONVERSATION_TTL"`
}

type WidgetsConfig struct {
	Dir string `yaml:"dir" env:"DIR"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18800,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Store: StoreConfig{
			Path: filepath.Join(homeDir(), ".picowidget", "picowidget.db"),
		},
		Push: PushConfig{
			Backend:       "memory",
			RedisAddr:     "localhost:6379",
			RedisGroup:    "picowidget",
			RedisConsumer: "gateway-1",
		},
		Exclusivity: ExclusivityConfig{
			FallbackTimeout: 6 * time.Minute,
			PollInterval:    3 * time.Second,
		},
		Inactivity: InactivityConfig{
			Timeout: 180 * time.Second,
			Warning: 10 * time.Second,
		},
		Refresh: RefreshConfig{
			Threshold:  3 * time.Minute,
			Cooldown:   10 * time.Second,
			ClientID:   "picowidget",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 24 * time.Hour,
		},
		Janitor: JanitorConfig{
			Schedule:        "* * * * *",
			ConversationTTL: 24 * time.Hour,
		},
		Widgets: WidgetsConfig{
			Dir: "widgets",
		},
	}
}

// Load reads path (if non-empty and present) over the defaults and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrapf(err, "parse config %s", path)
			}
		case os.IsNotExist(err):
		default:
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "PICOWIDGET_"}); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the coordinators cannot run with.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return errors.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Exclusivity.FallbackTimeout <= 0 || c.Exclusivity.PollInterval <= 0 {
		return errors.New("exclusivity timeouts must be positive")
	}
	if c.Inactivity.Warning <= 0 || c.Inactivity.Warning >= c.Inactivity.Timeout {
		return errors.Errorf("inactivity.warning (%s) must be positive and below inactivity.timeout (%s)",
			c.Inactivity.Warning, c.Inactivity.Timeout)
	}
	if c.Refresh.Threshold < 0 || c.Refresh.Cooldown < 0 {
		return errors.New("refresh threshold and cooldown must not be negative")
	}
	switch c.Push.Backend {
	case "memory", "redis":
	default:
		return errors.Errorf("push.backend %q: want memory or redis", c.Push.Backend)
	}
	return nil
}

// Addr returns host:port of the gateway.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Gateway.Host, strconv.Itoa(c.Gateway.Port))
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "."
}
