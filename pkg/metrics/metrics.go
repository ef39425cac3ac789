// Package metrics defines the Prometheus metric collectors used by the
// ingestion daemon and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the daemon.
type Metrics struct {
	QueueDepth           prometheus.Gauge
	QueueCapacity        prometheus.Gauge
	FetcherPausesTotal   *prometheus.CounterVec
	FilesTotal           *prometheus.CounterVec
	StageDuration        *prometheus.HistogramVec
	FileDuration         prometheus.Histogram
	ClaimsPersistedTotal *prometheus.CounterVec
	VerifyFailuresTotal  *prometheus.CounterVec
	AcksTotal            *prometheus.CounterVec
	PollCyclesTotal      *prometheus.CounterVec
	FacilityPollsTotal   *prometheus.CounterVec
	DownloadsInFlight    *prometheus.GaugeVec
	DownloadsTotal       *prometheus.CounterVec
	DownloadBytes        prometheus.Histogram
	StagedTotal          *prometheus.CounterVec
	SoapCallDuration     *prometheus.HistogramVec
	SoapRetriesTotal     *prometheus.CounterVec
	FacilityBreakerState *prometheus.GaugeVec
	EventsPublishedTotal *prometheus.CounterVec
	AdminRequestsTotal   *prometheus.CounterVec
	AdminRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates the collectors and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingestion_queue_depth",
				Help: "Work items currently waiting in the orchestrator queue.",
			},
		),
		QueueCapacity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingestion_queue_capacity",
				Help: "Configured capacity of the orchestrator queue.",
			},
		),
		FetcherPausesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_fetcher_pauses_total",
				Help: "Times a fetcher was paused because its batch did not fit the queue.",
			},
			[]string{"fetcher"},
		),
		FilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_files_total",
				Help: "Files processed by outcome (ok, already, failed) and root kind.",
			},
			[]string{"outcome", "root"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestion_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"stage"},
		),
		FileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingestion_file_duration_seconds",
				Help:    "End-to-end pipeline duration per file in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		ClaimsPersistedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_claims_persisted_total",
				Help: "Claims persisted by root kind.",
			},
			[]string{"root"},
		),
		VerifyFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_verify_failures_total",
				Help: "Verification predicate failures by predicate name.",
			},
			[]string{"predicate"},
		),
		AcksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_acks_total",
				Help: "Acknowledgement attempts by result (ok, failed, skipped).",
			},
			[]string{"result"},
		),
		PollCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facility_poll_cycles_total",
				Help: "Facility poll cycles by result (completed, skipped, disabled).",
			},
			[]string{"result"},
		),
		FacilityPollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facility_polls_total",
				Help: "Per-facility poll outcomes (ok, failed, breaker_open).",
			},
			[]string{"facility", "result"},
		),
		DownloadsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "facility_downloads_in_flight",
				Help: "Downloads currently in flight per facility.",
			},
			[]string{"facility"},
		),
		DownloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facility_downloads_total",
				Help: "Downloads per facility by result (ok, failed, empty, duplicate).",
			},
			[]string{"facility", "result"},
		),
		DownloadBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "facility_download_bytes",
				Help:    "Size of downloaded files in bytes.",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),
		StagedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "staging_files_total",
				Help: "Staged files by mode (memory, disk).",
			},
			[]string{"mode"},
		),
		SoapCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "soap_call_duration_seconds",
				Help:    "SOAP call latency by operation.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),
		SoapRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soap_retries_total",
				Help: "SOAP call attempts repeated after a retryable failure, by operation.",
			},
			[]string{"operation"},
		),
		FacilityBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "facility_breaker_state",
				Help: "Facility breaker state (0=closed, 1=open).",
			},
			[]string{"facility"},
		),
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_events_published_total",
				Help: "File events published to Kafka by result (ok, failed).",
			},
			[]string{"result"},
		),
		AdminRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admin_http_requests_total",
				Help: "Admin API requests by method, route and status code.",
			},
			[]string{"method", "route", "code"},
		),
		AdminRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "admin_http_request_duration_seconds",
				Help:    "Admin API request latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	reg.MustRegister(
		m.QueueDepth,
		m.QueueCapacity,
		m.FetcherPausesTotal,
		m.FilesTotal,
		m.StageDuration,
		m.FileDuration,
		m.ClaimsPersistedTotal,
		m.VerifyFailuresTotal,
		m.AcksTotal,
		m.PollCyclesTotal,
		m.FacilityPollsTotal,
		m.DownloadsInFlight,
		m.DownloadsTotal,
		m.DownloadBytes,
		m.StagedTotal,
		m.SoapCallDuration,
		m.SoapRetriesTotal,
		m.FacilityBreakerState,
		m.EventsPublishedTotal,
		m.AdminRequestsTotal,
		m.AdminRequestDuration,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
