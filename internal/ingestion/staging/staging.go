// Package staging hands downloaded files to the pipeline, either in memory
// or through an atomically renamed file on disk, and owns the retention
// sweep and the local archive.
package staging

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/metrics"
)

var (
	// ErrEmpty is returned for a download with no content.
	ErrEmpty = errors.New("empty file")
	// ErrNotXML is returned for content that cannot be an XML document.
	ErrNotXML = errors.New("content is not xml")
)

var (
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
	utf16LEBOM = []byte{0xFF, 0xFE}
	utf16BEBOM = []byte{0xFE, 0xFF}
)

// Store stages downloads and archives processed local files.
type Store struct {
	cfg     config.StagingConfig
	localfs config.LocalFSConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Store. m may be nil.
func New(cfg config.StagingConfig, localfs config.LocalFSConfig, m *metrics.Metrics) *Store {
	return &Store{
		cfg:     cfg,
		localfs: localfs,
		metrics: m,
		logger:  slog.Default().With("component", "staging"),
	}
}

// Normalize strips a UTF-8 byte order mark and rejects empty or UTF-16
// content.
func Normalize(data []byte) ([]byte, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmpty
	}
	if bytes.HasPrefix(data, utf16LEBOM) || bytes.HasPrefix(data, utf16BEBOM) {
		return nil, ErrNotXML
	}
	if bytes.TrimSpace(data)[0] != '<' {
		return nil, ErrNotXML
	}
	return data, nil
}

// SafeName returns name when it is a plain .xml file name, otherwise the
// content hash of data with an .xml suffix.
func SafeName(name string, data []byte) string {
	if strings.HasSuffix(strings.ToLower(name), ".xml") &&
		!strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..") {
		return name
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) + ".xml"
}

// Stage turns one download into a work item. Large or slow downloads, or all
// of them when forceDisk is set, are written to disk so that the queue does
// not pin their bytes.
func (s *Store) Stage(facility, fileID, fileName string, data []byte, latency time.Duration) (ingestion.WorkItem, error) {
	item := ingestion.WorkItem{
		SourceID: facility,
		FileID:   fileID,
		FileName: fileName,
		Source:   ingestion.SourceSOAP,
	}
	if !s.toDisk(int64(len(data)), latency) {
		item.Content = data
		s.count("memory")
		return item, nil
	}

	dir := filepath.Join(s.cfg.Dir, facilityDir(facility))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ingestion.WorkItem{}, fmt.Errorf("creating staging dir: %w", err)
	}
	name := SafeName(fileName, data)
	final := filepath.Join(dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ingestion.WorkItem{}, fmt.Errorf("writing staged file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return ingestion.WorkItem{}, fmt.Errorf("renaming staged file: %w", err)
	}
	item.Path = final
	s.count("disk")
	s.logger.Debug("file staged to disk",
		"facility", facility,
		"file_id", fileID,
		"path", final,
		"bytes", len(data),
		"latency", latency,
	)
	return item, nil
}

func facilityDir(facility string) string {
	if facility == "" || strings.ContainsAny(facility, `/\`) || strings.Contains(facility, "..") {
		sum := sha256.Sum256([]byte(facility))
		return hex.EncodeToString(sum[:8])
	}
	return facility
}

func (s *Store) toDisk(size int64, latency time.Duration) bool {
	if s.cfg.ForceDisk {
		return true
	}
	if s.cfg.SizeThreshold > 0 && size >= s.cfg.SizeThreshold {
		return true
	}
	return s.cfg.LatencyThreshold > 0 && latency >= s.cfg.LatencyThreshold
}

func (s *Store) count(mode string) {
	if s.metrics != nil {
		s.metrics.StagedTotal.WithLabelValues(mode).Inc()
	}
}

// Sweep removes staged files older than the retention period and returns
// how many were deleted. Temporary files are swept too.
func (s *Store) Sweep(now time.Time) (int, error) {
	if s.cfg.Dir == "" || s.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.cfg.Retention)
	removed := 0
	err := filepath.WalkDir(s.cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("failed to remove staged file", "path", path, "error", err)
				return nil
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweeping staging dir: %w", err)
	}
	return removed, nil
}

// RunSweeper sweeps on every interval tick until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.Sweep(now)
			if err != nil {
				s.logger.Error("staging sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("staging sweep completed", "removed", n)
			}
		}
	}
}

// Archive moves a processed local file into the ok or fail archive
// directory. It is best-effort: failures are logged and the file stays in
// place.
func (s *Store) Archive(item ingestion.WorkItem, ok bool) {
	if !s.localfs.Archive || item.Source != ingestion.SourceLocal || item.Path == "" {
		return
	}
	dir := s.localfs.ArchiveErr
	if ok {
		dir = s.localfs.ArchiveOK
	}
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("failed to create archive dir", "dir", dir, "error", err)
		return
	}
	dst := filepath.Join(dir, filepath.Base(item.Path))
	if err := os.Rename(item.Path, dst); err != nil {
		s.logger.Warn("failed to archive file",
			"file_id", item.FileID,
			"from", item.Path,
			"to", dst,
			"error", err,
		)
		return
	}
	s.logger.Debug("file archived", "file_id", item.FileID, "to", dst)
}
