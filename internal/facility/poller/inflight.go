package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/redis"
)

// Inflight marks a facility file while it is being downloaded so that an
// overlapping poll does not fetch it twice. Marks expire after a TTL in
// case the holder dies.
type Inflight interface {
	Mark(ctx context.Context, facility, fileID string) bool
	Unmark(ctx context.Context, facility, fileID string)
}

// NewInflight returns Redis-backed marks shared by every replica, or
// process-local ones when client is nil.
func NewInflight(client *redis.Client, ttl time.Duration) Inflight {
	if client == nil {
		return newMemoryInflight(ttl)
	}
	return &redisInflight{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "inflight"),
	}
}

type redisInflight struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func (r *redisInflight) key(facility, fileID string) string {
	return r.client.Key("inflight", facility, fileID)
}

// Mark fails open: when Redis is unreachable the download proceeds, relying
// on the pipeline's idempotency.
func (r *redisInflight) Mark(ctx context.Context, facility, fileID string) bool {
	ok, err := r.client.SetNX(ctx, r.key(facility, fileID), "1", r.ttl)
	if err != nil {
		r.logger.Warn("inflight mark failed", "facility", facility, "file_id", fileID, "error", err)
		return true
	}
	return ok
}

func (r *redisInflight) Unmark(ctx context.Context, facility, fileID string) {
	if err := r.client.Del(ctx, r.key(facility, fileID)); err != nil {
		r.logger.Warn("inflight unmark failed", "facility", facility, "file_id", fileID, "error", err)
	}
}

type memoryInflight struct {
	mu    sync.Mutex
	ttl   time.Duration
	marks map[string]time.Time
	now   func() time.Time
}

func newMemoryInflight(ttl time.Duration) *memoryInflight {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &memoryInflight{ttl: ttl, marks: make(map[string]time.Time), now: time.Now}
}

func (m *memoryInflight) Mark(ctx context.Context, facility, fileID string) bool {
	key := facility + "|" + fileID
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.marks[key]; ok && now.Before(exp) {
		return false
	}
	m.marks[key] = now.Add(m.ttl)
	return true
}

func (m *memoryInflight) Unmark(ctx context.Context, facility, fileID string) {
	m.mu.Lock()
	delete(m.marks, facility+"|"+fileID)
	m.mu.Unlock()
}
