package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, 30*time.Second, cfg.CacheTTL)
	require.Equal(t, 400*time.Millisecond, cfg.SlotDuration)
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), cfg.Genesis.UTC())
	require.False(t, cfg.Faucet)

	level, err := cfg.Level()
	require.NoError(t, err)
	require.Equal(t, slog.LevelInfo, level)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "staking.yaml")
	require.NoError(t, os.WriteFile(file, []byte("port: \"9000\"\nlog-level: warn\nfaucet: true\n"), 0o600))

	t.Setenv("STAKING_LOG_LEVEL", "debug")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("port", "8080", "")
	require.NoError(t, flags.Parse([]string{"--port", "7000"}))

	cfg, err := Load(file, flags)
	require.NoError(t, err)
	require.Equal(t, "7000", cfg.Port, "explicit flag wins")
	require.Equal(t, "debug", cfg.LogLevel, "env beats file")
	require.True(t, cfg.Faucet, "file beats default")
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("STAKING_GENESIS", "yesterday")
	_, err := Load("", nil)
	require.Error(t, err)

	t.Setenv("STAKING_GENESIS", DefaultGenesis)
	t.Setenv("STAKING_REDIS_URL", "redis://localhost:6379")
	_, err = Load("", nil)
	require.ErrorContains(t, err, "requires database-url")
}

func TestLevel_Invalid(t *testing.T) {
	_, err := Config{LogLevel: "loud"}.Level()
	require.Error(t, err)
}
