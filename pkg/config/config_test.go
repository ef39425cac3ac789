package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localfs", cfg.Ingestion.Fetcher)
	assert.Equal(t, 256, cfg.Ingestion.Queue.Capacity)
	assert.Equal(t, 8, cfg.Ingestion.Concurrency.Workers)
	assert.Equal(t, 2*time.Second, cfg.Ingestion.Poll.FixedDelay)
	assert.Equal(t, "./data/ready", cfg.Ingestion.LocalFS.ReadyDir)
	assert.False(t, cfg.Ingestion.Ack.Enabled)
	assert.Equal(t, int64(25*1024*1024), cfg.Ingestion.Staging.SizeThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Soap.InflightTTL)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ingestion:
  fetcher: soap
  queue:
    capacity: 16
  concurrency:
    workers: 2
soap:
  downloadConcurrency: 5
  mode: search
`), 0o644))

	t.Setenv("CI_INGESTION_ACK_ENABLED", "true")
	t.Setenv("CI_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "soap", cfg.Ingestion.Fetcher)
	assert.Equal(t, 16, cfg.Ingestion.Queue.Capacity)
	assert.Equal(t, 2, cfg.Ingestion.Concurrency.Workers)
	assert.Equal(t, 8, cfg.Ingestion.Concurrency.BurstSize)
	assert.Equal(t, 5, cfg.Soap.DownloadConcurrency)
	assert.Equal(t, "search", cfg.Soap.Mode)
	assert.True(t, cfg.Ingestion.Ack.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestValidateRejectsUnknownFetcher(t *testing.T) {
	cfg := defaultConfig()
	cfg.Ingestion.Fetcher = "ftp"
	assert.Error(t, cfg.Validate())
}

func TestValidateDefaultsBurstToWorkers(t *testing.T) {
	cfg := defaultConfig()
	cfg.Ingestion.Concurrency.Workers = 3
	cfg.Ingestion.Concurrency.BurstSize = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Ingestion.Concurrency.BurstSize)
}

func TestDSNIncludesSearchPath(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable", Schema: "claims"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=d sslmode=disable search_path=claims", p.DSN())
}
