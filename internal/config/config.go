// Package config loads the broker process configuration.
// Precedence: environment (SHAREDWS_*) > config file > defaults.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/sonirico/sharedws"
)

const envPrefix = "SHAREDWS"

// Config is the whole broker process configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Target    TargetConfig    `mapstructure:"target"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	KeepAlive KeepAliveConfig `mapstructure:"keepalive"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig is where consumers reach the broker.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

// TargetConfig is the shared socket target, assembled into scheme://host/path.
type TargetConfig struct {
	Scheme    string   `mapstructure:"scheme"`
	Host      string   `mapstructure:"host"`
	Path      string   `mapstructure:"path"`
	Protocols []string `mapstructure:"protocols"`
	// Eager connects the shared socket at startup instead of on the first consumer request.
	Eager bool `mapstructure:"eager"`
}

type ReconnectConfig struct {
	Base   time.Duration `mapstructure:"base"`
	Max    time.Duration `mapstructure:"max"`
	Jitter bool          `mapstructure:"jitter"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type KeepAliveConfig struct {
	// Interval of the application ping probe; zero disables it.
	Interval     time.Duration `mapstructure:"interval"`
	ReplyToPings bool          `mapstructure:"reply_to_pings"`
}

// LoggingConfig selects the log level (debug, info, warn, error) and format (json, text).
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:7420")
	v.SetDefault("server.path", "/consumers")

	v.SetDefault("target.scheme", "ws")
	v.SetDefault("target.host", "localhost:8080")
	v.SetDefault("target.path", "/ws")
	v.SetDefault("target.protocols", []string{})
	v.SetDefault("target.eager", false)

	v.SetDefault("reconnect.base", sharedws.DefaultReconnectBaseDelay)
	v.SetDefault("reconnect.max", sharedws.DefaultReconnectMaxDelay)
	v.SetDefault("reconnect.jitter", true)

	v.SetDefault("heartbeat.interval", sharedws.DefaultHeartbeatInterval)
	v.SetDefault("heartbeat.timeout", sharedws.DefaultHeartbeatTimeout)

	v.SetDefault("keepalive.interval", sharedws.DefaultKeepAliveInterval)
	v.SetDefault("keepalive.reply_to_pings", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads the configuration. An empty path skips the config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "cannot read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "cannot decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the cross-field invariants.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Target.Host == "" {
		return errors.New("target.host is required")
	}
	if c.Reconnect.Base <= 0 || c.Reconnect.Max < c.Reconnect.Base {
		return errors.Errorf("reconnect.base (%s) must be positive and not above reconnect.max (%s)",
			c.Reconnect.Base, c.Reconnect.Max)
	}
	return c.Broker().Validate()
}

// OpenConnectionParams returns the shared socket target.
func (c *Config) OpenConnectionParams() sharedws.OpenConnectionParams {
	return sharedws.OpenConnectionParams{
		Scheme:    c.Target.Scheme,
		Host:      c.Target.Host,
		Path:      c.Target.Path,
		Protocols: c.Target.Protocols,
	}
}

// Broker returns the broker settings.
func (c *Config) Broker() sharedws.BrokerConfig {
	return sharedws.BrokerConfig{
		HeartbeatInterval: c.Heartbeat.Interval,
		HeartbeatTimeout:  c.Heartbeat.Timeout,
		Reconnect: sharedws.ReconnectPolicy{
			BaseDelay:  c.Reconnect.Base,
			MaxDelay:   c.Reconnect.Max,
			Multiplier: sharedws.DefaultReconnectMultiplier,
			Jitter:     c.Reconnect.Jitter,
		},
		KeepAliveInterval: c.KeepAlive.Interval,
		ReplyToPings:      c.KeepAlive.ReplyToPings,
	}
}
