package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
)

// LocalDirectoryFetcher lists *.xml files in a ready directory. Files are
// never removed by the fetcher. A file handed out is not returned again
// until it is released, and once processed it is only returned again if its
// modification time changes.
type LocalDirectoryFetcher struct {
	pauser
	dir      string
	limit    int
	mu       sync.Mutex
	inflight map[string]bool
	seen     map[string]time.Time
	logger   *slog.Logger
}

// NewLocalDirectoryFetcher creates a fetcher over dir, creating it when
// missing.
func NewLocalDirectoryFetcher(dir string) (*LocalDirectoryFetcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating ready dir: %w", err)
	}
	return &LocalDirectoryFetcher{
		dir:      dir,
		inflight: make(map[string]bool),
		seen:     make(map[string]time.Time),
		logger:   slog.Default().With("component", "localfs-fetcher", "dir", dir),
	}, nil
}

func (f *LocalDirectoryFetcher) Name() string { return "localfs" }

// SetBatchLimit caps the number of files returned by one Fetch. Zero means
// no cap.
func (f *LocalDirectoryFetcher) SetBatchLimit(n int) {
	f.mu.Lock()
	f.limit = n
	f.mu.Unlock()
}

// Dir returns the watched ready directory.
func (f *LocalDirectoryFetcher) Dir() string { return f.dir }

func (f *LocalDirectoryFetcher) Fetch(ctx context.Context) ([]ingestion.WorkItem, error) {
	if f.Paused() {
		return nil, nil
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("listing ready dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	f.mu.Lock()
	defer f.mu.Unlock()
	var items []ingestion.WorkItem
	for _, e := range entries {
		if f.limit > 0 && len(items) >= f.limit {
			break
		}
		if ctx.Err() != nil {
			return items, ctx.Err()
		}
		name := e.Name()
		if e.IsDir() || !strings.EqualFold(filepath.Ext(name), ".xml") || f.inflight[name] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mod, ok := f.seen[name]; ok && mod.Equal(info.ModTime()) {
			continue
		}
		f.inflight[name] = true
		items = append(items, ingestion.WorkItem{
			SourceID: f.dir,
			FileID:   name,
			FileName: name,
			Source:   ingestion.SourceLocal,
			Path:     filepath.Join(f.dir, name),
		})
	}
	if len(items) > 0 {
		f.logger.Debug("files discovered", "count", len(items))
	}
	return items, nil
}

// Release frees item for later fetches. A processed item is remembered by
// modification time so it is not picked up again while unchanged.
func (f *LocalDirectoryFetcher) Release(item ingestion.WorkItem, processed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, item.FileID)
	if !processed {
		return
	}
	info, err := os.Stat(item.Path)
	if err != nil {
		delete(f.seen, item.FileID)
		return
	}
	f.seen[item.FileID] = info.ModTime()
}
