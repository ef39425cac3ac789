package ack

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/redis"
)

// FileRegistry remembers which facility a downloaded file came from so it
// can be acknowledged after the pipeline verified it.
type FileRegistry interface {
	Register(ctx context.Context, fileID, facility string)
	Lookup(ctx context.Context, fileID string) (string, bool)
	Forget(ctx context.Context, fileID string)
}

// NewRegistry returns a Redis-backed registry, or a process-local one when
// client is nil.
func NewRegistry(client *redis.Client, ttl time.Duration) FileRegistry {
	if client == nil {
		return NewMemoryRegistry(ttl)
	}
	return &RedisRegistry{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "file-registry"),
	}
}

// RedisRegistry stores one expiring key per file.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func (r *RedisRegistry) key(fileID string) string {
	return r.client.Key("file-facility", fileID)
}

func (r *RedisRegistry) Register(ctx context.Context, fileID, facility string) {
	if err := r.client.Set(ctx, r.key(fileID), facility, r.ttl); err != nil {
		r.logger.Warn("failed to register file", "file_id", fileID, "facility", facility, "error", err)
	}
}

func (r *RedisRegistry) Lookup(ctx context.Context, fileID string) (string, bool) {
	facility, err := r.client.Get(ctx, r.key(fileID))
	if err != nil {
		if !redis.IsNilError(err) {
			r.logger.Warn("failed to look up file", "file_id", fileID, "error", err)
		}
		return "", false
	}
	return facility, true
}

func (r *RedisRegistry) Forget(ctx context.Context, fileID string) {
	if err := r.client.Del(ctx, r.key(fileID)); err != nil {
		r.logger.Warn("failed to forget file", "file_id", fileID, "error", err)
	}
}

type registryEntry struct {
	facility string
	expires  time.Time
}

// MemoryRegistry is the single-process fallback.
type MemoryRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]registryEntry
	now     func() time.Time
}

func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		ttl:     ttl,
		entries: make(map[string]registryEntry),
		now:     time.Now,
	}
}

func (r *MemoryRegistry) Register(_ context.Context, fileID, facility string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[fileID] = registryEntry{facility: facility, expires: r.now().Add(r.ttl)}
}

func (r *MemoryRegistry) Lookup(_ context.Context, fileID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[fileID]
	if !ok {
		return "", false
	}
	if r.ttl > 0 && r.now().After(e.expires) {
		delete(r.entries, fileID)
		return "", false
	}
	return e.facility, true
}

func (r *MemoryRegistry) Forget(_ context.Context, fileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, fileID)
}
