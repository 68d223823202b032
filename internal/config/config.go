// Package config loads staking-engine settings from a config file,
// STAKING_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultGenesis anchors slot numbering when no genesis is configured. It is
// fixed so slot numbers survive restarts.
const DefaultGenesis = "2024-01-01T00:00:00Z"

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Port         string
	DatabaseURL  string
	RedisURL     string
	CacheTTL     time.Duration
	BoltPath     string
	LogLevel     string
	SlotDuration time.Duration
	Genesis      time.Time
	AuthSecret   string
	AuthIssuer   string
	Faucet       bool
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STAKING")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("cache-ttl", 30*time.Second)
	v.SetDefault("log-level", "info")
	v.SetDefault("slot-duration", 400*time.Millisecond)
	v.SetDefault("genesis", DefaultGenesis)
	v.SetDefault("faucet", false)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("staking")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	genesis, err := time.Parse(time.RFC3339, v.GetString("genesis"))
	if err != nil {
		return Config{}, fmt.Errorf("genesis: %w", err)
	}

	cfg := Config{
		Port:         v.GetString("port"),
		DatabaseURL:  v.GetString("database-url"),
		RedisURL:     v.GetString("redis-url"),
		CacheTTL:     v.GetDuration("cache-ttl"),
		BoltPath:     v.GetString("bolt-path"),
		LogLevel:     v.GetString("log-level"),
		SlotDuration: v.GetDuration("slot-duration"),
		Genesis:      genesis,
		AuthSecret:   v.GetString("auth-secret"),
		AuthIssuer:   v.GetString("auth-issuer"),
		Faucet:       v.GetBool("faucet"),
	}
	if cfg.SlotDuration <= 0 {
		return Config{}, fmt.Errorf("slot-duration must be positive, got %s", cfg.SlotDuration)
	}
	if cfg.RedisURL != "" && cfg.DatabaseURL == "" {
		return Config{}, errors.New("redis-url requires database-url")
	}
	return cfg, nil
}

// Level parses the configured log level.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log-level: %w", err)
	}
	return level, nil
}
