// Package ack acknowledges files to their source once the pipeline has
// verified them. Acknowledgement never fails the pipeline: every error is
// logged and counted.
package ack

import (
	"context"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/metrics"
)

// Acker is invoked once per file after its terminal state is known.
// Acknowledge reports whether the source was actually told; it never fails.
type Acker interface {
	Acknowledge(ctx context.Context, fileID string, success bool) bool
	Name() string
}

// NoopAcker is used for sources that have nothing to acknowledge.
type NoopAcker struct{}

func (NoopAcker) Acknowledge(context.Context, string, bool) bool { return false }

func (NoopAcker) Name() string { return "noop" }

// TransactionMarker tells the remote facility a file has been downloaded.
type TransactionMarker interface {
	MarkDownloaded(ctx context.Context, facilityCode, fileID string) error
}

// SoapAcker marks verified SOAP files as downloaded on the facility that
// produced them.
type SoapAcker struct {
	registry FileRegistry
	marker   TransactionMarker
	enabled  bool
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewSoapAcker(registry FileRegistry, marker TransactionMarker, enabled bool, m *metrics.Metrics) *SoapAcker {
	return &SoapAcker{
		registry: registry,
		marker:   marker,
		enabled:  enabled,
		metrics:  m,
		logger:   slog.Default().With("component", "soap-acker"),
	}
}

func (a *SoapAcker) Name() string { return "soap" }

func (a *SoapAcker) Acknowledge(ctx context.Context, fileID string, success bool) bool {
	log := logger.FromContext(ctx).With("component", "soap-acker")
	if !a.enabled || !success {
		a.count("skipped")
		return false
	}
	facility, ok := a.registry.Lookup(ctx, fileID)
	if !ok {
		log.Warn("no facility registered for file, ack skipped", "file_id", fileID)
		a.count("skipped")
		return false
	}
	if err := a.marker.MarkDownloaded(ctx, facility, fileID); err != nil {
		log.Error("ack failed",
			"file_id", fileID,
			"facility", facility,
			"error", err,
		)
		a.count("failed")
		return false
	}
	a.registry.Forget(ctx, fileID)
	a.count("ok")
	log.Info("file acknowledged", "file_id", fileID, "facility", facility)
	return true
}

func (a *SoapAcker) count(result string) {
	if a.metrics != nil {
		a.metrics.AcksTotal.WithLabelValues(result).Inc()
	}
}
