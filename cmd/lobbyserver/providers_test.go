package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/game/match"
)

func TestProvideConfig_DevFile(t *testing.T) {
	cfg, err := provideConfig("../../configs/dev.yaml")
	require.NoError(t, err)
	assert.Equal(t, "lobby-dev", cfg.Server.Name)
	assert.Equal(t, config.MatchModeLoopback, cfg.Match.Mode)
	assert.False(t, cfg.Database.Enabled)
}

func TestProvideConfig_MissingFile(t *testing.T) {
	_, err := provideConfig("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestProvideMatchBackend(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("loopback", func(t *testing.T) {
		backend, cleanup := provideMatchBackend(config.Config{Match: config.MatchConfig{Mode: config.MatchModeLoopback}}, logger)
		defer cleanup()
		assert.NotNil(t, backend.loopback)
		assert.Nil(t, backend.manager)
		assert.Equal(t, match.Service(backend.loopback), backend.service)
	})

	t.Run("process", func(t *testing.T) {
		cfg := config.Config{
			Admin: config.AdminConfig{Host: "0.0.0.0", Port: 9000},
			Match: config.MatchConfig{Mode: config.MatchModeProcess, Executable: "/bin/true", PortMin: 7000, PortMax: 7001, MaxServers: 1},
		}
		backend, cleanup := provideMatchBackend(cfg, logger)
		defer cleanup()
		assert.NotNil(t, backend.manager)
		assert.Nil(t, backend.loopback)
	})
}

func TestProvideMetricsRegistry(t *testing.T) {
	registry, err := provideMetricsRegistry(&database{})
	require.NoError(t, err)
	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestProvideDatabase_Disabled(t *testing.T) {
	db, cleanup, err := provideDatabase(context.Background(), config.Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer cleanup()
	assert.False(t, db.enabled())
}

func TestProvideProfiles_Default(t *testing.T) {
	profiles, err := provideProfiles(config.Config{})
	require.NoError(t, err)
	assert.Equal(t, match.DefaultProfiles(), profiles)
}

func TestProvideScripts_Disabled(t *testing.T) {
	scripts, cleanup, err := provideScripts(config.Config{}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer cleanup()
	assert.Nil(t, scripts)
}
