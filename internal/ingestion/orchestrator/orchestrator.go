// Package orchestrator moves fetched work items through a bounded queue into
// a bounded pool of pipeline workers. A batch that does not fit the queue
// pauses the fetcher instead of being partly enqueued or dropped.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/audit"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/fetch"
	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/metrics"
)

// Processor runs one item through the pipeline.
type Processor interface {
	Process(ctx context.Context, runID int64, item ingestion.WorkItem) ingestion.Result
	AckerName() string
}

// RunAuditor records processing batches.
type RunAuditor interface {
	StartRun(ctx context.Context, info audit.RunInfo) int64
	EndRun(ctx context.Context, runID int64, counts audit.RunCounts)
}

// EventTracker receives every result, typically to publish it.
type EventTracker interface {
	Track(runID string, r ingestion.Result)
}

// Archiver moves a local file once it reached a terminal state.
type Archiver interface {
	Archive(item ingestion.WorkItem, ok bool)
}

type Config struct {
	Profile    string
	Capacity   int
	Workers    int
	BurstSize  int
	FixedDelay time.Duration
}

// Options are the optional collaborators. Any of them may be nil.
type Options struct {
	Auditor  RunAuditor
	Events   EventTracker
	Archiver Archiver
	Metrics  *metrics.Metrics
}

// Summary describes one fetch and drain cycle.
type Summary struct {
	RunID         int64              `json:"run_id,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Reason        string             `json:"reason"`
	Fetched       int                `json:"fetched"`
	Paused        bool               `json:"paused"`
	Counts        audit.RunCounts    `json:"counts"`
	Results       []ingestion.Result `json:"results,omitempty"`
}

// Orchestrator owns the queue between a fetcher and the pipeline.
type Orchestrator struct {
	cfg       Config
	fetcher   fetch.Fetcher
	processor Processor
	opts      Options
	queue     chan ingestion.WorkItem
	enqMu     sync.Mutex
	cycleMu   sync.Mutex
	logger    *slog.Logger
}

func New(cfg Config, fetcher fetch.Fetcher, processor Processor, opts Options) *Orchestrator {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = cfg.Workers
	}
	if cfg.FixedDelay <= 0 {
		cfg.FixedDelay = 2 * time.Second
	}
	if bl, ok := fetcher.(fetch.BatchLimiter); ok {
		bl.SetBatchLimit(cfg.Capacity)
	}
	if opts.Metrics != nil {
		opts.Metrics.QueueCapacity.Set(float64(cfg.Capacity))
	}
	return &Orchestrator{
		cfg:       cfg,
		fetcher:   fetcher,
		processor: processor,
		opts:      opts,
		queue:     make(chan ingestion.WorkItem, cfg.Capacity),
		logger:    slog.Default().With("component", "orchestrator", "fetcher", fetcher.Name()),
	}
}

// Len returns the number of queued items.
func (o *Orchestrator) Len() int {
	return len(o.queue)
}

// Enqueue adds the whole batch or nothing. When the batch does not fit the
// fetcher is paused, every item is released back to it and ErrQueueFull is
// returned.
func (o *Orchestrator) Enqueue(batch []ingestion.WorkItem) error {
	if len(batch) == 0 {
		return nil
	}
	o.enqMu.Lock()
	remaining := cap(o.queue) - len(o.queue)
	if len(batch) > remaining {
		o.enqMu.Unlock()
		o.fetcher.Pause()
		o.release(batch, false)
		if o.opts.Metrics != nil {
			o.opts.Metrics.FetcherPausesTotal.WithLabelValues(o.fetcher.Name()).Inc()
		}
		o.logger.Warn("queue full, fetcher paused",
			"batch", len(batch),
			"remaining", remaining,
		)
		return fmt.Errorf("enqueueing %d items with %d free: %w", len(batch), remaining, apperrors.ErrQueueFull)
	}
	for _, item := range batch {
		o.queue <- item
	}
	o.enqMu.Unlock()
	o.observeDepth()
	return nil
}

// Drain processes queued items in bursts of at most BurstSize, running at
// most Workers at a time, until the queue is empty. Each item is isolated:
// an error or panic only affects its own result.
func (o *Orchestrator) Drain(ctx context.Context, runID int64) []ingestion.Result {
	var all []ingestion.Result
	for ctx.Err() == nil {
		burst := o.take(o.cfg.BurstSize)
		if len(burst) == 0 {
			break
		}
		results := make([]ingestion.Result, len(burst))
		var g errgroup.Group
		g.SetLimit(o.cfg.Workers)
		for i, item := range burst {
			g.Go(func() error {
				results[i] = o.processOne(ctx, runID, item)
				return nil
			})
		}
		_ = g.Wait()
		all = append(all, results...)
	}
	if o.fetcher.Paused() && len(o.queue) < cap(o.queue) {
		o.fetcher.Resume()
		o.logger.Info("fetcher resumed", "queued", len(o.queue))
	}
	return all
}

func (o *Orchestrator) take(n int) []ingestion.WorkItem {
	burst := make([]ingestion.WorkItem, 0, n)
	for len(burst) < n {
		select {
		case item := <-o.queue:
			burst = append(burst, item)
		default:
			o.observeDepth()
			return burst
		}
	}
	o.observeDepth()
	return burst
}

func (o *Orchestrator) processOne(ctx context.Context, runID int64, item ingestion.WorkItem) (res ingestion.Result) {
	defer func() {
		if p := recover(); p != nil {
			logger.FromContext(ctx).Error("pipeline panic",
				"component", "orchestrator",
				"file_id", item.FileID,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			res = ingestion.Result{
				FileID:    item.FileID,
				Source:    item.Source,
				Root:      ingestion.RootUnknown,
				State:     ingestion.StateFailed,
				Stage:     apperrors.StagePipeline,
				Err:       apperrors.Newf(apperrors.ErrSystem, apperrors.StagePipeline, apperrors.CodePipelineFail, "panic: %v", p),
				StartedAt: time.Now(),
			}
		}
		o.after(ctx, item, res)
	}()
	return o.processor.Process(ctx, runID, item)
}

// after hands the item back to its fetcher and reports the result.
func (o *Orchestrator) after(ctx context.Context, item ingestion.WorkItem, res ingestion.Result) {
	if o.opts.Archiver != nil && item.Source == ingestion.SourceLocal && res.IngestionFileID != 0 {
		o.opts.Archiver.Archive(item, res.OK())
	}
	o.release([]ingestion.WorkItem{item}, true)
	if o.opts.Events != nil {
		o.opts.Events.Track(logger.RunID(ctx), res)
	}
}

func (o *Orchestrator) release(items []ingestion.WorkItem, processed bool) {
	r, ok := o.fetcher.(fetch.Releaser)
	if !ok {
		return
	}
	for _, item := range items {
		r.Release(item, processed)
	}
}

// Process runs one fetch, enqueue and drain cycle. Cycles never overlap; a
// call made while another cycle runs waits for it.
func (o *Orchestrator) Process(ctx context.Context, reason string) (Summary, error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	sum := Summary{Reason: reason}
	items, err := o.fetcher.Fetch(ctx)
	if err != nil {
		o.logger.Error("fetch failed", "error", err)
	}
	sum.Fetched = len(items)
	if len(items) == 0 && len(o.queue) == 0 {
		sum.Paused = o.fetcher.Paused()
		if sum.Paused {
			o.fetcher.Resume()
		}
		return sum, err
	}

	corr := uuid.New()
	sum.CorrelationID = corr.String()
	ctx = logger.WithRunID(ctx, sum.CorrelationID)
	if o.opts.Auditor != nil {
		sum.RunID = o.opts.Auditor.StartRun(ctx, audit.RunInfo{
			CorrelationID: corr,
			Profile:       o.cfg.Profile,
			Fetcher:       o.fetcher.Name(),
			Acker:         o.processor.AckerName(),
			Reason:        reason,
		})
	}

	if qerr := o.Enqueue(items); qerr != nil {
		sum.Paused = true
		sum.Fetched = 0
	}
	sum.Counts.Discovered = sum.Fetched
	sum.Results = o.Drain(ctx, sum.RunID)
	for _, r := range sum.Results {
		sum.Counts.Add(r)
	}

	if o.opts.Auditor != nil {
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		o.opts.Auditor.EndRun(endCtx, sum.RunID, sum.Counts)
		cancel()
	}
	logger.FromContext(ctx).Info("cycle complete",
		"component", "orchestrator",
		"reason", reason,
		"counts", sum.Counts.String(),
	)
	return sum, err
}

// Run repeats Process with a fixed delay between the end of one cycle and
// the start of the next, until ctx is cancelled. A receive on wake starts
// the next cycle early; wake may be nil.
func (o *Orchestrator) Run(ctx context.Context, wake <-chan struct{}) {
	o.logger.Info("orchestrator started",
		"capacity", o.cfg.Capacity,
		"workers", o.cfg.Workers,
		"burst", o.cfg.BurstSize,
		"fixed_delay", o.cfg.FixedDelay,
	)
	timer := time.NewTimer(0)
	defer timer.Stop()
	reason := "scheduled"
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopping", "queued", len(o.queue))
			return
		case <-timer.C:
		case <-wake:
			reason = "watch"
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		o.Process(ctx, reason)
		reason = "scheduled"
		timer.Reset(o.cfg.FixedDelay)
	}
}

func (o *Orchestrator) observeDepth() {
	if o.opts.Metrics != nil {
		o.opts.Metrics.QueueDepth.Set(float64(len(o.queue)))
	}
}
