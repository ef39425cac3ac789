package fetch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
)

// Inbox is the handoff between the facility poll coordinator, which runs on
// its own schedule, and the orchestrator's fetch loop.
type Inbox struct {
	mu    sync.Mutex
	items []ingestion.WorkItem
}

func NewInbox() *Inbox {
	return &Inbox{}
}

// Put appends staged items.
func (in *Inbox) Put(items []ingestion.WorkItem) {
	if len(items) == 0 {
		return
	}
	in.mu.Lock()
	in.items = append(in.items, items...)
	in.mu.Unlock()
}

// Drain removes and returns up to max waiting items, oldest first. A max of
// zero drains everything.
func (in *Inbox) Drain(max int) []ingestion.WorkItem {
	in.mu.Lock()
	defer in.mu.Unlock()
	if max <= 0 || max >= len(in.items) {
		items := in.items
		in.items = nil
		return items
	}
	items := make([]ingestion.WorkItem, max)
	copy(items, in.items)
	in.items = append(in.items[:0], in.items[max:]...)
	return items
}

// Len returns the number of waiting items.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.items)
}

// FacilityPollFetcher returns the work items staged by facility poll
// cycles. Items the orchestrator could not accept go back to the inbox.
type FacilityPollFetcher struct {
	pauser
	inbox *Inbox
	limit atomic.Int64
}

func NewFacilityPollFetcher(inbox *Inbox) *FacilityPollFetcher {
	return &FacilityPollFetcher{inbox: inbox}
}

func (f *FacilityPollFetcher) Name() string { return "soap" }

// SetBatchLimit caps the number of items returned by one Fetch. Zero means
// no cap.
func (f *FacilityPollFetcher) SetBatchLimit(n int) {
	f.limit.Store(int64(n))
}

func (f *FacilityPollFetcher) Fetch(ctx context.Context) ([]ingestion.WorkItem, error) {
	if f.Paused() {
		return nil, nil
	}
	return f.inbox.Drain(int(f.limit.Load())), nil
}

// Release returns an unprocessed item to the inbox so that it is offered
// again on a later fetch.
func (f *FacilityPollFetcher) Release(item ingestion.WorkItem, processed bool) {
	if !processed {
		f.inbox.Put([]ingestion.WorkItem{item})
	}
}
