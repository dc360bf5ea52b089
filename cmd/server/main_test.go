package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
)

func TestConfigOptionsStopTimeout(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{ShutdownTimeout: 45 * time.Second}}

	var got *config.Config
	app := fx.New(
		fx.NopLogger,
		configOptions(cfg),
		fx.Invoke(func(c *config.Config) { got = c }),
	)
	require.NoError(t, app.Err())
	assert.Same(t, cfg, got)
	assert.Equal(t, 45*time.Second, app.StopTimeout())
}

func TestConfigOptionsDefaultStopTimeout(t *testing.T) {
	app := fx.New(fx.NopLogger, configOptions(&config.Config{}))
	require.NoError(t, app.Err())
	assert.Equal(t, fx.DefaultTimeout, app.StopTimeout())
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}
