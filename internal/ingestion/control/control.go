// Package control exposes the operator actions shared by the admin HTTP
// API and the Kafka command topic: run a cycle now, poll facilities now and
// re-verify a stored file.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/facility/poller"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/orchestrator"
	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
)

type Processor interface {
	Process(ctx context.Context, reason string) (orchestrator.Summary, error)
}

type Poller interface {
	PollFacilities(ctx context.Context) (poller.Report, error)
}

type ReVerifier interface {
	ReVerify(ctx context.Context, id int64) (ingestion.Result, error)
}

// Controller serves operator actions. Concurrent re-verifications of the
// same file share one execution.
type Controller struct {
	processor Processor
	poller    Poller
	verifier  ReVerifier
	group     singleflight.Group
	logger    *slog.Logger
}

// New creates a Controller. poll may be nil when facility polling is not
// configured.
func New(proc Processor, poll Poller, verifier ReVerifier) *Controller {
	return &Controller{
		processor: proc,
		poller:    poll,
		verifier:  verifier,
		logger:    slog.Default().With("component", "control"),
	}
}

// ProcessNow runs one fetch and drain cycle, waiting for a running one.
func (c *Controller) ProcessNow(ctx context.Context, reason string) (orchestrator.Summary, error) {
	if reason == "" {
		reason = "api"
	}
	c.logger.Info("process requested", "reason", reason)
	return c.processor.Process(ctx, reason)
}

// PollNow runs a facility poll cycle. The staged items are picked up by the
// next orchestrator cycle.
func (c *Controller) PollNow(ctx context.Context) (poller.Report, error) {
	if c.poller == nil {
		return poller.Report{}, fmt.Errorf("facility polling is not configured: %w", apperrors.ErrNotFound)
	}
	c.logger.Info("poll requested")
	return c.poller.PollFacilities(ctx)
}

// ReVerify re-runs verification for a stored file.
func (c *Controller) ReVerify(ctx context.Context, id int64) (ingestion.Result, error) {
	if id <= 0 {
		return ingestion.Result{}, fmt.Errorf("ingestion file id %d: %w", id, apperrors.ErrValidation)
	}
	v, err, shared := c.group.Do(strconv.FormatInt(id, 10), func() (any, error) {
		return c.verifier.ReVerify(ctx, id)
	})
	if shared {
		c.logger.Debug("re-verify shared with a concurrent request", "ingestion_file_id", id)
	}
	res, _ := v.(ingestion.Result)
	return res, err
}
