// Package fetch provides the work sources of the orchestrator: a local ready
// directory and the per-facility SOAP poll.
package fetch

import (
	"context"
	"sync/atomic"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
)

// Fetcher produces the currently available batch of work. It never blocks
// waiting for work and returns an empty batch when there is nothing to do or
// when it is paused.
type Fetcher interface {
	Fetch(ctx context.Context) ([]ingestion.WorkItem, error)
	Pause()
	Resume()
	Paused() bool
	Name() string
}

// Releaser is implemented by fetchers that track handed-out items. The
// orchestrator releases every item it was given, processed or not.
type Releaser interface {
	Release(item ingestion.WorkItem, processed bool)
}

// BatchLimiter is implemented by fetchers that can cap one batch, so that a
// batch never exceeds what the orchestrator queue can hold.
type BatchLimiter interface {
	SetBatchLimit(n int)
}

// pauser is the pause flag shared by both fetchers.
type pauser struct {
	paused atomic.Bool
}

func (p *pauser) Pause()       { p.paused.Store(true) }
func (p *pauser) Resume()      { p.paused.Store(false) }
func (p *pauser) Paused() bool { return p.paused.Load() }
