package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/metrics"
)

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	err     error
}

func (p *fakePublisher) PublishBatch(ctx context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, events)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

func TestFromResultCarriesErrorCode(t *testing.T) {
	start := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	ev := FromResult("run-1", ingestion.Result{
		FileID:    "a.xml",
		Source:    ingestion.SourceLocal,
		Root:      ingestion.RootSubmission,
		State:     ingestion.StateFailed,
		Stage:     apperrors.StageParse,
		Err:       apperrors.New(apperrors.ErrParse, apperrors.StageParse, apperrors.CodeParseFail, "bad"),
		StartedAt: start,
		Duration:  250 * time.Millisecond,
	})
	assert.Equal(t, "failed", ev.Outcome)
	assert.Equal(t, apperrors.CodeParseFail, ev.ErrorCode)
	assert.Equal(t, int64(250), ev.DurationMS)
	assert.Equal(t, start.Add(250*time.Millisecond), ev.At)
}

func TestFlushPublishesBufferedEvents(t *testing.T) {
	pub := &fakePublisher{}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	c := NewCollector(pub, m, 10, time.Hour)

	c.Track("run", ingestion.Result{FileID: "a.xml", State: ingestion.StateVerified})
	c.Track("run", ingestion.Result{FileID: "b.xml", State: ingestion.StateVerified})
	assert.Equal(t, 2, c.Len())

	c.Flush(context.Background())
	assert.Equal(t, 0, c.Len())
	require.Len(t, pub.batches, 1)
	assert.Equal(t, "a.xml", pub.batches[0][0].Key)
	assert.Equal(t, TypeFileProcessed, pub.batches[0][0].Type)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("ok")))
}

func TestFailedFlushRequeues(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	c := NewCollector(pub, m, 10, time.Hour)

	c.Track("run", ingestion.Result{FileID: "a.xml"})
	c.Flush(context.Background())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("failed")))
}

func TestFullBufferFlushesAndStopFlushesRemainder(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, nil, 2, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	c.Track("run", ingestion.Result{FileID: "a.xml"})
	c.Track("run", ingestion.Result{FileID: "b.xml"})
	assert.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, 10*time.Millisecond)

	c.Track("run", ingestion.Result{FileID: "c.xml"})
	cancel()
	c.Close()
	assert.Equal(t, 3, pub.count())
}
