package staging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/metrics"
)

func newStore(t *testing.T, cfg config.StagingConfig) (*Store, *metrics.Metrics) {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	return New(cfg, config.LocalFSConfig{}, m), m
}

func TestStageInMemoryBelowThresholds(t *testing.T) {
	s, m := newStore(t, config.StagingConfig{SizeThreshold: 1024, LatencyThreshold: 8 * time.Second})
	item, err := s.Stage("FAC1", "42", "a.xml", []byte("<x/>"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("<x/>"), item.Content)
	assert.Empty(t, item.Path)
	assert.Equal(t, ingestion.SourceSOAP, item.Source)
	assert.Equal(t, "FAC1", item.SourceID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StagedTotal.WithLabelValues("memory")))
}

func TestStageToDisk(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StagingConfig
		data    []byte
		latency time.Duration
	}{
		{"forced", config.StagingConfig{ForceDisk: true}, []byte("<x/>"), 0},
		{"large", config.StagingConfig{SizeThreshold: 4}, []byte("<xml/>"), 0},
		{"slow", config.StagingConfig{LatencyThreshold: 8 * time.Second}, []byte("<x/>"), 9 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newStore(t, tt.cfg)
			item, err := s.Stage("FAC1", "42", "a.xml", tt.data, tt.latency)
			require.NoError(t, err)
			assert.Nil(t, item.Content)
			require.NotEmpty(t, item.Path)
			assert.Equal(t, "a.xml", filepath.Base(item.Path))

			got, err := item.Bytes()
			require.NoError(t, err)
			assert.Equal(t, tt.data, got)
			_, err = os.Stat(item.Path + ".tmp")
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestSafeName(t *testing.T) {
	data := []byte("<x/>")
	assert.Equal(t, "claims.xml", SafeName("claims.xml", data))
	assert.Equal(t, "CLAIMS.XML", SafeName("CLAIMS.XML", data))

	hashed := SafeName("../../etc/passwd.xml", data)
	assert.Len(t, hashed, 64+4)
	assert.Equal(t, hashed, SafeName(`a\b.xml`, data))
	assert.Equal(t, hashed, SafeName("report.txt", data))
}

func TestNormalize(t *testing.T) {
	got, err := Normalize([]byte("\xEF\xBB\xBF<a/>"))
	require.NoError(t, err)
	assert.Equal(t, []byte("<a/>"), got)

	_, err = Normalize([]byte("  \n"))
	assert.ErrorIs(t, err, ErrEmpty)
	_, err = Normalize([]byte{0xFF, 0xFE, '<', 0})
	assert.ErrorIs(t, err, ErrNotXML)
	_, err = Normalize([]byte("PK\x03\x04"))
	assert.ErrorIs(t, err, ErrNotXML)
}

func TestSweepRemovesExpired(t *testing.T) {
	s, _ := newStore(t, config.StagingConfig{ForceDisk: true, Retention: time.Hour})
	old, err := s.Stage("FAC1", "1", "old.xml", []byte("<x/>"), 0)
	require.NoError(t, err)
	fresh, err := s.Stage("FAC1", "2", "fresh.xml", []byte("<x/>"), 0)
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old.Path, past, past))

	n, err := s.Sweep(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, old.Path)
	assert.FileExists(t, fresh.Path)
}

func TestArchiveMovesLocalFiles(t *testing.T) {
	ready := t.TempDir()
	okDir := filepath.Join(t.TempDir(), "ok")
	path := filepath.Join(ready, "F1.xml")
	require.NoError(t, os.WriteFile(path, []byte("<x/>"), 0o644))

	s := New(config.StagingConfig{}, config.LocalFSConfig{Archive: true, ArchiveOK: okDir}, nil)
	s.Archive(ingestion.WorkItem{FileID: "F1.xml", Source: ingestion.SourceLocal, Path: path}, true)

	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(okDir, "F1.xml"))
}

func TestArchiveDisabledLeavesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "F1.xml")
	require.NoError(t, os.WriteFile(path, []byte("<x/>"), 0o644))

	s := New(config.StagingConfig{}, config.LocalFSConfig{ArchiveErr: t.TempDir()}, nil)
	s.Archive(ingestion.WorkItem{FileID: "F1.xml", Source: ingestion.SourceLocal, Path: path}, false)
	assert.FileExists(t, path)
}
