package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/ecoscan/pkg/llm"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ECOSCAN_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "scan", cfg.Domain)
	assert.Equal(t, 4, cfg.Shards)
	assert.Equal(t, int64(10000), cfg.StreamMaxLen)
	assert.Equal(t, 2*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, time.Hour, cfg.WALStuckTimeout)
	assert.Equal(t, 100, cfg.WALSyncBatch)
	assert.True(t, cfg.RewardEnabled)
	assert.Equal(t, llm.ProviderOllama, cfg.LLMProvider)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ECOSCAN_SHARDS", "8")
	t.Setenv("ECOSCAN_STREAM_MAXLEN", "500")
	t.Setenv("ECOSCAN_IDEMPOTENCY_TTL", "30m")
	t.Setenv("REWARD_FEATURE_ENABLED", "false")
	t.Setenv("ECOSCAN_LLM_PROVIDER", "OpenAI")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ECOSCAN_LOG_LEVEL", "debug")
	t.Setenv("SERPAPI_API_KEY", "serp-test")
	t.Setenv("ECOSCAN_SEARCH_RADIUS_M", "500")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Shards)
	assert.Equal(t, int64(500), cfg.StreamMaxLen)
	assert.Equal(t, 30*time.Minute, cfg.IdempotencyTTL)
	assert.False(t, cfg.RewardEnabled)
	assert.Equal(t, llm.ProviderOpenAI, cfg.LLMProvider)
	assert.Equal(t, "sk-test", cfg.LLM().OpenAIAPIKey)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "serp-test", cfg.SerpAPIKey)
	assert.Equal(t, 500, cfg.SearchRadiusM)
}

func TestLoad_InvalidNumber(t *testing.T) {
	t.Setenv("ECOSCAN_SHARDS", "many")
	t.Setenv("ECOSCAN_WAL_SYNC_INTERVAL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ECOSCAN_SHARDS")
	assert.Contains(t, err.Error(), "ECOSCAN_WAL_SYNC_INTERVAL")
}

func TestLoad_RejectsZeroShards(t *testing.T) {
	t.Setenv("ECOSCAN_SHARDS", "0")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecoscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
domain: chat
shards: 2
wal_sync_interval: 3s
reward_enabled: false
`), 0o600))
	t.Setenv("ECOSCAN_CONFIG", path)
	t.Setenv("ECOSCAN_SHARDS", "6")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "chat", cfg.Domain)
	assert.Equal(t, 6, cfg.Shards, "environment wins over the file")
	assert.Equal(t, 3*time.Second, cfg.WALSyncInterval)
	assert.False(t, cfg.RewardEnabled)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr, "unset keys keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("ECOSCAN_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("verbose"))
}

func TestSetupLoggerWithWriters_FansOut(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Info("stage completed", "job_id", "job-1")
	logger.Debug("hidden")

	assert.Contains(t, stderr.String(), "job_id=job-1")
	assert.Contains(t, file.String(), `"job_id":"job-1"`)
	assert.NotContains(t, file.String(), "hidden")
}

func TestSetupLogger_FallsBackToStderr(t *testing.T) {
	logger, cleanup := SetupLogger(filepath.Join(t.TempDir(), "missing", "dir", "x.log"), slog.LevelInfo)
	require.NotNil(t, logger)
	assert.NoError(t, cleanup())
}
