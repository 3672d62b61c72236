// Package config loads smartmark settings from defaults, an optional config
// file and SMARTMARK_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/smartmark/smartmark/internal/logging"
)

// EnvPrefix prefixes environment overrides: server.addr is read from
// SMARTMARK_SERVER_ADDR.
const EnvPrefix = "SMARTMARK"

// Config holds every setting.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Client ClientConfig `mapstructure:"client"`
	Log    LogConfig    `mapstructure:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// ServerConfig configures `smartmark serve`.
type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	DBPath string `mapstructure:"db_path"`
}

// AuthConfig configures session tokens.
type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// ClientConfig configures the commands that talk to a server.
type ClientConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Token           string        `mapstructure:"token"`
	MutationTimeout time.Duration `mapstructure:"mutation_timeout"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	ImportDir       string        `mapstructure:"import_dir"`
}

// LogConfig configures log output.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Stderr     bool   `mapstructure:"stderr"`
}

// Options converts the log settings for the logging package.
func (c LogConfig) Options() logging.Options {
	return logging.Options{
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
		Stderr:     c.Stderr,
	}
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:   ":8080",
			DBPath: "smartmark.db",
		},
		Auth: AuthConfig{
			TokenTTL: 30 * 24 * time.Hour,
		},
		Client: ClientConfig{
			BaseURL:         "http://localhost:8080",
			MutationTimeout: 10 * time.Second,
			ReconnectDelay:  2 * time.Second,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Stderr:     true,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.db_path", d.Server.DBPath)
	v.SetDefault("auth.secret", d.Auth.Secret)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)
	v.SetDefault("client.base_url", d.Client.BaseURL)
	v.SetDefault("client.token", d.Client.Token)
	v.SetDefault("client.mutation_timeout", d.Client.MutationTimeout)
	v.SetDefault("client.reconnect_delay", d.Client.ReconnectDelay)
	v.SetDefault("client.import_dir", d.Client.ImportDir)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("log.stderr", d.Log.Stderr)
}

// Load reads the configuration. An explicit path must exist; otherwise
// smartmark.{yaml,toml,json} is looked up in the working directory and
// $HOME/.config/smartmark, and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("smartmark")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "smartmark"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("auth.token_ttl must not be negative")
	}
	if c.Client.MutationTimeout <= 0 {
		return fmt.Errorf("client.mutation_timeout must be positive")
	}
	if c.Client.ReconnectDelay <= 0 {
		return fmt.Errorf("client.reconnect_delay must be positive")
	}
	return nil
}
