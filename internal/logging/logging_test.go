package logging_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracely/internal/config"
	"tracely/internal/logging"
)

func TestNewLogger(t *testing.T) {
	t.Run("level follows configuration", func(t *testing.T) {
		cfg, err := config.FromMap(map[string]any{"apiKey": "phc_test", "debug": true})
		require.NoError(t, err)

		logger, level := logging.NewLogger(cfg)
		require.NotNil(t, logger)
		assert.Equal(t, slog.LevelDebug, level.Level())
	})

	t.Run("level var flips at runtime", func(t *testing.T) {
		cfg, err := config.FromMap(map[string]any{"apiKey": "phc_test"})
		require.NoError(t, err)

		logger, level := logging.NewLogger(cfg)
		assert.Equal(t, slog.LevelInfo, level.Level())
		assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))

		level.Set(slog.LevelDebug)
		assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
	})

	t.Run("file sink uses the configured directory", func(t *testing.T) {
		dir := t.TempDir()
		cfg, err := config.FromMap(map[string]any{"apiKey": "phc_test", "logsDir": dir})
		require.NoError(t, err)

		logger, _ := logging.NewLogger(cfg)
		logger.Info("hello from the rotating sink")
	})
}
