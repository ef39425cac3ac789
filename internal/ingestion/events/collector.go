// Package events publishes one file-processed event per pipeline result to
// Kafka. Events are buffered and flushed in batches either when the buffer
// fills or on a timer.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/metrics"
)

// TypeFileProcessed is the event-type header of every event.
const TypeFileProcessed = "ingestion.file.processed"

// FileProcessed is the JSON payload of a file-processed event.
type FileProcessed struct {
	RunID           string                  `json:"run_id,omitempty"`
	FileID          string                  `json:"file_id"`
	IngestionFileID int64                   `json:"ingestion_file_id,omitempty"`
	Source          ingestion.Source        `json:"source"`
	Root            ingestion.RootKind      `json:"root"`
	Outcome         string                  `json:"outcome"`
	State           ingestion.State         `json:"state"`
	Stage           string                  `json:"stage,omitempty"`
	ErrorCode       string                  `json:"error_code,omitempty"`
	Persisted       ingestion.PersistCounts `json:"persisted"`
	DurationMS      int64                   `json:"duration_ms"`
	At              time.Time               `json:"at"`
}

// FromResult builds the event for one pipeline result.
func FromResult(runID string, r ingestion.Result) FileProcessed {
	ev := FileProcessed{
		RunID:           runID,
		FileID:          r.FileID,
		IngestionFileID: r.IngestionFileID,
		Source:          r.Source,
		Root:            r.Root,
		Outcome:         r.Outcome(),
		State:           r.State,
		Stage:           r.Stage,
		Persisted:       r.Persisted,
		DurationMS:      r.Duration.Milliseconds(),
		At:              r.StartedAt.Add(r.Duration),
	}
	if r.Err != nil {
		_, ev.ErrorCode = apperrors.StageOf(r.Err, r.Stage, apperrors.CodePipelineFail)
	}
	return ev
}

// Collector buffers events and flushes them to a kafka.Publisher.
type Collector struct {
	publisher     kafka.Publisher
	metrics       *metrics.Metrics
	mu            sync.Mutex
	buffer        []kafka.Event
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}
}

func NewCollector(publisher kafka.Publisher, m *metrics.Metrics, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		publisher:     publisher,
		metrics:       m,
		buffer:        make([]kafka.Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        slog.Default().With("component", "event-collector"),
		done:          make(chan struct{}),
	}
}

// Start launches the flush loop. The buffer is flushed one last time when
// ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				c.flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	c.logger.Info("event collector started",
		"batch_size", c.batchSize,
		"flush_interval", c.flushInterval,
	)
}

// Track buffers the event for r, keyed by file id so all events of one file
// land on the same partition.
func (c *Collector) Track(runID string, r ingestion.Result) {
	c.mu.Lock()
	c.buffer = append(c.buffer, kafka.Event{
		Key:   r.FileID,
		Type:  TypeFileProcessed,
		Value: FromResult(runID, r),
	})
	full := len(c.buffer) >= c.batchSize
	c.mu.Unlock()
	if full {
		go c.flush(context.Background())
	}
}

// Close waits for the flush loop to exit.
func (c *Collector) Close() {
	<-c.done
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Flush publishes everything buffered so far.
func (c *Collector) Flush(ctx context.Context) {
	c.flush(ctx)
}

func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]kafka.Event, 0, c.batchSize)
	c.mu.Unlock()

	if err := c.publisher.PublishBatch(ctx, batch); err != nil {
		c.count("failed", len(batch))
		c.logger.Error("event flush failed", "events", len(batch), "error", err)
		c.mu.Lock()
		c.buffer = append(batch, c.buffer...)
		if limit := c.batchSize * 3; len(c.buffer) > limit {
			c.logger.Warn("event buffer overflow, events dropped", "dropped", len(c.buffer)-limit)
			c.buffer = c.buffer[:limit]
		}
		c.mu.Unlock()
		return
	}
	c.count("ok", len(batch))
	c.logger.Debug("events flushed", "events", len(batch))
}

func (c *Collector) count(result string, n int) {
	if c.metrics != nil {
		c.metrics.EventsPublishedTotal.WithLabelValues(result).Add(float64(n))
	}
}
