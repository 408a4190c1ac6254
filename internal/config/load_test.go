package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ortelius/pdvd-vulncorr/alerts"
	"github.com/ortelius/pdvd-vulncorr/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vulncorr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, feed.DefaultListingURL, cfg.Feed.Source)
	assert.Equal(t, 5, cfg.Feed.SchemaVersion)
	assert.Equal(t, 0.05, cfg.Feed.MaxInvalidRatio)
	assert.Equal(t, 10*time.Minute, cfg.Feed.Timeout)
	assert.Equal(t, time.Hour, cfg.Refresh.Interval)
	assert.Equal(t, 30*time.Second, cfg.Refresh.InitialBackoff)
	assert.Equal(t, 4, cfg.Refresh.Workers)
	assert.Equal(t, "full", cfg.Alerts.Mode)
	assert.Equal(t, 8, cfg.Alerts.Workers)
	assert.Equal(t, "fail-open", cfg.Alerts.Unparseable)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "snapshot-events", cfg.Kafka.SnapshotTopic)
	assert.Equal(t, "3000", cfg.Server.Port)
	assert.Equal(t, "http://localhost:8529", cfg.Database().URL)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, `
feed:
  source: /var/lib/vulncorr/vulnerability-db.tar.gz
  max_invalid_ratio: 0.1
refresh:
  interval: 15m
alerts:
  mode: incremental
  unparseable: fail-closed
store:
  backend: arango
  arango:
    database: vulns
kafka:
  enabled: true
  brokers: "b1:9092, b2:9092"
`)
	t.Setenv("VULNCORR_ALERTS_WORKERS", "2")
	t.Setenv("ARANGO_HOST", "arangodb")
	t.Setenv("ARANGO_PASS", "secret")
	t.Setenv("MS_PORT", "8080")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/vulncorr/vulnerability-db.tar.gz", cfg.Feed.Source)
	assert.Equal(t, 0.1, cfg.Feed.MaxInvalidRatio)
	assert.Equal(t, 15*time.Minute, cfg.Refresh.Interval)
	assert.Equal(t, 2, cfg.Alerts.Workers)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "8080", cfg.Server.Port)

	db := cfg.Database()
	assert.Equal(t, "http://arangodb:8529", db.URL)
	assert.Equal(t, "secret", db.Password)
	assert.Equal(t, "vulns", db.Database)

	opts := cfg.AlertOptions(nil)
	assert.Equal(t, alerts.ModeIncremental, opts.Mode)
	assert.Equal(t, alerts.FailClosed, opts.Unparseable)
	assert.Equal(t, 15*time.Minute, cfg.SchedulerOptions().Interval)
	assert.Equal(t, 0.1, cfg.FeedOptions().MaxInvalidRatio)
}

func TestPrefixedEnvironmentWinsOverLegacy(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ARANGO_URL", "http://legacy:8529")
	t.Setenv("VULNCORR_STORE_ARANGO_URL", "https://arango.internal:8529")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://arango.internal:8529", cfg.Database().URL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, `
alerts:
  mode: sometimes
  workers: 0
store:
  backend: postgres
refresh:
  interval: -1s
`)

	_, err := Load(path)
	require.Error(t, err)
	for _, key := range []string{"alerts.mode", "alerts.workers", "store.backend", "refresh.interval"} {
		assert.Contains(t, err.Error(), key)
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestZeroInvalidRatioIsKept(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, `
feed:
  max_invalid_ratio: 0
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.FeedOptions().MaxInvalidRatio)
}
