package app

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("CSRF_SECRET", "c")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("STOCKCOUNT_BLOCK_KIT_PARENTS", "true")
	t.Setenv("STOCKCOUNT_ADJUSTMENT_LOCATION_ID", "99")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, "stockcount.posted", cfg.KafkaTopicStockCount)
	require.True(t, cfg.StockCount.BlockKitParents)
	require.Equal(t, int64(99), cfg.StockCount.AdjustmentLocationID)
	require.Equal(t, 30*time.Second, cfg.StockCount.LockTTL)
	require.Equal(t, 72*time.Hour, cfg.IdempotencyRetention)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	t.Setenv("SESSION_SECRET", "")
	t.Setenv("CSRF_SECRET", "c")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestInTestMode(t *testing.T) {
	t.Setenv(TestModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(TestModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())
}

func TestNewLoggerHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{AppEnv: "test", LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", slog.Int64("adjustment_id", 7))

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"msg":"shown"`)
	require.Contains(t, out, `"adjustment_id":7`)
	require.Contains(t, out, `"env":"test"`)
}
