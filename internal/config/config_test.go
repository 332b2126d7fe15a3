package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "sqlite")
	t.Setenv("BILLING_CURRENCY", "eur")
	t.Setenv("SCHEDULER_ENABLED", "off")
	t.Setenv("SNOWFLAKE_NODE", "7")
	t.Setenv("SCHEDULER_INTERVAL", "30s")
	t.Setenv("SCHEDULER_JOBS", "expire_entitlements, ,refresh_draft_bills")
	t.Setenv("METRICS_PUSH_EXPORTER", " Prometheus_Remote_Write ")
	t.Setenv("METRICS_PUSH_INTERVAL", "bogus")

	cfg := Load()

	assert.Equal(t, "sqlite", cfg.DBType)
	assert.Equal(t, "EUR", cfg.BillingCurrency)
	assert.False(t, cfg.SchedulerEnabled)
	assert.Equal(t, int64(7), cfg.SnowflakeNode)
	assert.Equal(t, 30*time.Second, cfg.SchedulerInterval)
	assert.Equal(t, []string{"expire_entitlements", "refresh_draft_bills"}, cfg.SchedulerJobs)
	assert.Equal(t, "prometheus_remote_write", cfg.MetricsPushExporter)
	assert.Equal(t, 30*time.Second, cfg.MetricsPushInterval)
}

func TestEngineConfigHolderFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	holder, err := NewEngineConfigHolder(Config{}, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	defaults := DefaultEngineConfig()
	assert.Equal(t, defaults.DefaultModules, cfg.DefaultModules)
	assert.Equal(t, defaults.Catalog, cfg.Catalog)
	assert.Equal(t, 8, cfg.Batch.Concurrency)
}

func TestEngineConfigHolderReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yml")
	content := `engine:
  defaultModules: ["ai-writer"]
  catalog:
    - key: ai-writer
      name: AI Writer
      category: ai
      unitAmount: 10000
  batch:
    concurrency: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	holder, err := NewEngineConfigHolder(Config{EngineConfigPath: path}, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, []string{"ai-writer"}, cfg.DefaultModules)
	require.Len(t, cfg.Catalog, 1)
	assert.Equal(t, int64(10000), cfg.Catalog[0].UnitAmount)
	assert.Equal(t, 3, cfg.Batch.Concurrency)
	assert.Equal(t, 500, cfg.Sweep.BatchSize)
}

func TestEngineConfigRejectsDuplicateCatalogKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yml")
	content := `engine:
  catalog:
    - key: scraper
      name: Scraper
    - key: scraper
      name: Scraper Again
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := NewEngineConfigHolder(Config{EngineConfigPath: path}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key")
}
