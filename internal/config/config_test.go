package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracely/internal/config"
)

func TestFromMap(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		cfg, err := config.FromMap(map[string]any{"apiKey": "phc_test"})
		require.NoError(t, err)

		assert.Equal(t, "phc_test", cfg.APIKey)
		assert.Equal(t, config.DefaultHost, cfg.Host)
		assert.Equal(t, 20, cfg.FlushAt)
		assert.Equal(t, 1000, cfg.MaxQueueSize)
		assert.Equal(t, 50, cfg.MaxBatchSize)
		assert.Equal(t, 30, cfg.FlushIntervalSeconds)
		assert.False(t, cfg.Debug)
		assert.False(t, cfg.OptOut)
		assert.True(t, cfg.PreloadFeatureFlags)
		assert.False(t, cfg.SessionReplay)
		assert.Equal(t, 75, cfg.SessionReplayConfig.CompressionQuality)
		assert.Equal(t, 10, cfg.SessionReplayConfig.BatchSize)
		assert.Equal(t, 5000, cfg.SessionReplayConfig.BatchIntervalMs)
		assert.Equal(t, 0, cfg.SessionReplayConfig.MaxImageDimension)
	})

	t.Run("rejects missing api key", func(t *testing.T) {
		_, err := config.FromMap(map[string]any{})
		require.Error(t, err)

		_, err = config.FromMap(map[string]any{"apiKey": "  "})
		require.Error(t, err)
	})

	t.Run("strips trailing slash from host", func(t *testing.T) {
		cfg, err := config.FromMap(map[string]any{
			"apiKey": "phc_test",
			"host":   "http://localhost:8000/",
		})
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8000", cfg.Host)
	})

	t.Run("reads nested session replay config", func(t *testing.T) {
		cfg, err := config.FromMap(map[string]any{
			"apiKey":        "phc_test",
			"sessionReplay": true,
			"sessionReplayConfig": map[string]any{
				"compressionQuality": 50,
				"batchSize":          3,
				"batchIntervalMs":    1000,
				"maxImageDimension":  800,
			},
		})
		require.NoError(t, err)
		assert.True(t, cfg.SessionReplay)
		assert.Equal(t, 50, cfg.SessionReplayConfig.CompressionQuality)
		assert.Equal(t, 3, cfg.SessionReplayConfig.BatchSize)
		assert.Equal(t, 1000, cfg.SessionReplayConfig.BatchIntervalMs)
		assert.Equal(t, 800, cfg.SessionReplayConfig.MaxImageDimension)
	})

	t.Run("debug raises log level", func(t *testing.T) {
		cfg, err := config.FromMap(map[string]any{"apiKey": "phc_test", "debug": true})
		require.NoError(t, err)
		assert.Equal(t, config.LogLevelDebug, cfg.LogLevel)
	})

	t.Run("rejects non-positive tuning values", func(t *testing.T) {
		_, err := config.FromMap(map[string]any{"apiKey": "phc_test", "flushAt": 0})
		require.Error(t, err)

		_, err = config.FromMap(map[string]any{"apiKey": "phc_test", "flushInterval": -1})
		require.Error(t, err)
	})
}

func TestDefaultDataDir(t *testing.T) {
	t.Run("uses HOME when set", func(t *testing.T) {
		t.Setenv("HOME", "/home/tester")
		assert.Equal(t, "/home/tester/.local/share/posthog_flutter", config.DefaultDataDir())
	})
}
