package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/lobby/internal/config"
)

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		for _, level := range []string{"debug", "info", "warn", "error"} {
			logger, err := NewLogger(config.LoggingConfig{Level: level, Format: format})
			require.NoError(t, err, "%s/%s", format, level)
			assert.True(t, logger.Core().Enabled(mustLevel(t, level)))
		}
	}
}

func TestNewLogger_Rejects(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "trace", Format: "json"})
	assert.ErrorContains(t, err, "log level")

	_, err = NewLogger(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.ErrorContains(t, err, "log format")
}

func TestNewLogger_LevelFilters(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "warn", Format: "console"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(mustLevel(t, "info")))
	assert.True(t, logger.Core().Enabled(mustLevel(t, "error")))
}

func TestNewLogger_CountsEntries(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "info", Format: "json"})
	require.NoError(t, err)

	before := testutil.ToFloat64(LogMessages.WithLabelValues("warn"))
	logger.Warn("counted")
	logger.Debug("filtered")
	assert.Equal(t, before+1, testutil.ToFloat64(LogMessages.WithLabelValues("warn")))
}

func mustLevel(t *testing.T, s string) zapcore.Level {
	t.Helper()
	l, err := zapcore.ParseLevel(s)
	require.NoError(t, err)
	return l
}
