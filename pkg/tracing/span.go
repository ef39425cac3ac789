// Package tracing times one work item through the pipeline stages. A root
// span per file collects one child span per stage and is logged as a single
// structured record when the file is done.
package tracing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type contextKey string

const spanKey contextKey = "trace_span"

// EndFunc observes every finished span, typically to feed a histogram.
type EndFunc func(name string, d time.Duration)

// Span represents a timed operation within a trace.
type Span struct {
	Name      string
	TraceID   string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Err       error
	Children  []*Span
	Attrs     map[string]any
	onEnd     EndFunc
	mu        sync.Mutex
}

// StartSpan creates a new root span and stores it in the returned context.
// onEnd may be nil.
func StartSpan(ctx context.Context, name string, traceID string, onEnd EndFunc) (context.Context, *Span) {
	span := &Span{
		Name:      name,
		TraceID:   traceID,
		StartTime: time.Now(),
		Attrs:     make(map[string]any),
		onEnd:     onEnd,
	}
	return context.WithValue(ctx, spanKey, span), span
}

// StartChildSpan creates a child span linked to the parent in ctx. Without a
// parent the span is detached but still usable.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent := SpanFromContext(ctx)
	child := &Span{
		Name:      name,
		StartTime: time.Now(),
		Attrs:     make(map[string]any),
	}

	if parent != nil {
		child.TraceID = parent.TraceID
		child.onEnd = parent.onEnd
		parent.mu.Lock()
		parent.Children = append(parent.Children, child)
		parent.mu.Unlock()
	}

	return context.WithValue(ctx, spanKey, child), child
}

// End records the span's end time, duration and outcome. Calling End more
// than once keeps the first result.
func (s *Span) End(err error) {
	s.mu.Lock()
	if !s.EndTime.IsZero() {
		s.mu.Unlock()
		return
	}
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
	s.Err = err
	onEnd := s.onEnd
	s.mu.Unlock()
	if onEnd != nil {
		onEnd(s.Name, s.Duration)
	}
}

// SetAttr attaches a key-value attribute to the span.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.Attrs[key] = value
	s.mu.Unlock()
}

// Timings returns the duration of each direct child by name.
func (s *Span) Timings() map[string]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Duration, len(s.Children))
	for _, c := range s.Children {
		out[c.Name] += c.Duration
	}
	return out
}

// SpanFromContext extracts the current Span from ctx, or nil if none.
func SpanFromContext(ctx context.Context) *Span {
	if span, ok := ctx.Value(spanKey).(*Span); ok {
		return span
	}
	return nil
}

// Log writes one record for the span: its total duration, the duration of
// each stage below it and the first stage that failed. Failed spans log at
// warn level, others at debug.
func (s *Span) Log(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs := []any{
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration_ms", s.Duration.Milliseconds(),
	}
	stages := make([]any, 0, len(s.Children))
	var failed string
	for _, c := range s.Children {
		stages = append(stages, slog.Int64(c.Name, c.Duration.Milliseconds()))
		if failed == "" && c.Err != nil {
			failed = c.Name
		}
	}
	if len(stages) > 0 {
		attrs = append(attrs, slog.Group("stages_ms", stages...))
	}
	if failed != "" {
		attrs = append(attrs, "failed_stage", failed)
	}
	keys := make([]string, 0, len(s.Attrs))
	for k := range s.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, s.Attrs[k])
	}

	if s.Err != nil {
		logger.Warn("file trace", append(attrs, "error", s.Err)...)
		return
	}
	logger.Debug("file trace", attrs...)
}
