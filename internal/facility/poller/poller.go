// Package poller runs the facility poll cycle: list each active facility's
// DHPO inbox, download new files with bounded concurrency, stage them and
// hand the resulting work items to the orchestrator's inbox.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/facility"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/facility/credentials"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/facility/soap"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/ack"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/staging"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/resilience"
)

const (
	ModeNew    = "new"
	ModeSearch = "search"

	searchDateLayout = "02/01/2006 15:04:05"
	healthName       = "facility-poller"
	lockName         = "facility-poll"
)

// DHPO is the subset of the SOAP client the coordinator uses.
type DHPO interface {
	GetNewTransactions(ctx context.Context, t soap.Target, login, pwd string) (soap.ListResult, error)
	SearchTransactions(ctx context.Context, t soap.Target, login, pwd string, req soap.SearchRequest) (soap.ListResult, error)
	DownloadTransactionFile(ctx context.Context, t soap.Target, login, pwd, fileID string) (soap.Download, error)
	SetTransactionDownloaded(ctx context.Context, t soap.Target, login, pwd, fileID string) error
}

// Facilities reads facility rows and stores the breaker state.
type Facilities interface {
	Active(ctx context.Context) ([]facility.Facility, error)
	Get(ctx context.Context, code string) (facility.Facility, error)
	RecordFailure(ctx context.Context, code, errCode string, policy resilience.CooldownPolicy, now time.Time) (*time.Time, error)
	RecordSuccess(ctx context.Context, code string, now time.Time) error
}

// Decrypter resolves the plaintext credentials of a facility.
type Decrypter interface {
	Decrypt(f facility.Facility) (credentials.Credentials, error)
}

// Stager turns downloaded bytes into a work item.
type Stager interface {
	Stage(facility, fileID, fileName string, data []byte, latency time.Duration) (ingestion.WorkItem, error)
}

// Sink receives staged items.
type Sink interface {
	Put(items []ingestion.WorkItem)
}

// Config are the coordinator settings.
type Config struct {
	Enabled             bool
	Mode                string
	PollInterval        time.Duration
	DownloadConcurrency int
	LockTTL             time.Duration
	Search              config.SearchConfig
	Breaker             resilience.CooldownPolicy
}

// ConfigFrom maps the soap config section.
func ConfigFrom(cfg config.SoapConfig) Config {
	return Config{
		Enabled:             cfg.Enabled,
		Mode:                cfg.Mode,
		PollInterval:        cfg.PollInterval,
		DownloadConcurrency: cfg.DownloadConcurrency,
		LockTTL:             cfg.PollInterval,
		Search:              cfg.Search,
		Breaker: resilience.CooldownPolicy{
			Threshold:   cfg.Breaker.Threshold,
			BaseBackoff: cfg.Breaker.BaseBackoff,
			MaxBackoff:  cfg.Breaker.MaxBackoff,
		},
	}
}

// Deps are the coordinator's collaborators. Lock, Health and Metrics may be
// nil; a nil Inflight or Registry gets the in-memory variant.
type Deps struct {
	Client      DHPO
	Facilities  Facilities
	Credentials Decrypter
	Stager      Stager
	Sink        Sink
	Registry    ack.FileRegistry
	Inflight    Inflight
	Lock        *redis.Client
	Health      *health.Checker
	Metrics     *metrics.Metrics
}

// FacilityReport is the outcome of one facility in a cycle.
type FacilityReport struct {
	Facility    string `json:"facility"`
	Listed      int    `json:"listed"`
	Staged      int    `json:"staged"`
	Failed      int    `json:"failed"`
	Duplicates  int    `json:"duplicates"`
	BreakerOpen bool   `json:"breaker_open,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Report is the outcome of one poll cycle.
type Report struct {
	Disabled   bool                 `json:"disabled,omitempty"`
	Skipped    bool                 `json:"skipped,omitempty"`
	Staged     int                  `json:"staged"`
	Facilities []FacilityReport     `json:"facilities"`
	Items      []ingestion.WorkItem `json:"-"`
}

// Coordinator polls every active facility. Cycles never overlap, within
// the process or, with a lock client, across replicas.
type Coordinator struct {
	cfg     Config
	deps    Deps
	policy  resilience.CooldownPolicy
	enabled atomic.Bool
	slot    chan struct{}
	now     func() time.Time
	logger  *slog.Logger
}

func New(cfg Config, deps Deps) *Coordinator {
	if cfg.Mode == "" {
		cfg.Mode = ModeNew
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Minute
	}
	if cfg.DownloadConcurrency <= 0 {
		cfg.DownloadConcurrency = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.PollInterval
	}
	if deps.Inflight == nil {
		deps.Inflight = newMemoryInflight(0)
	}
	if deps.Registry == nil {
		deps.Registry = ack.NewMemoryRegistry(24 * time.Hour)
	}
	c := &Coordinator{
		cfg:    cfg,
		deps:   deps,
		policy: resilience.NewCooldownPolicy(cfg.Breaker),
		slot:   make(chan struct{}, 1),
		now:    time.Now,
		logger: slog.Default().With("component", "facility-poller", "mode", cfg.Mode),
	}
	c.enabled.Store(cfg.Enabled)
	return c
}

// SetEnabled flips the runtime toggle.
func (c *Coordinator) SetEnabled(on bool) {
	c.enabled.Store(on)
	c.logger.Info("poller toggled", "enabled", on)
}

func (c *Coordinator) Enabled() bool {
	return c.enabled.Load()
}

// PollFacilities runs one cycle and returns what it staged. A cycle
// requested while another is running is skipped and returns
// ErrAlreadyRunning.
func (c *Coordinator) PollFacilities(ctx context.Context) (Report, error) {
	if !c.Enabled() {
		c.cycle("disabled")
		return Report{Disabled: true}, nil
	}
	select {
	case c.slot <- struct{}{}:
		defer func() { <-c.slot }()
	default:
		c.cycle("skipped")
		c.logger.Info("poll cycle skipped, previous cycle still running")
		return Report{Skipped: true}, fmt.Errorf("facility poll: %w", apperrors.ErrAlreadyRunning)
	}

	if c.deps.Lock != nil {
		locker := redis.NewLocker(c.deps.Lock, lockName, uuid.NewString())
		err := locker.Lock(ctx, c.cfg.LockTTL)
		switch {
		case errors.Is(err, redis.ErrLockHeld):
			c.cycle("skipped")
			c.logger.Info("poll cycle skipped, another replica holds the lock")
			return Report{Skipped: true}, fmt.Errorf("facility poll: %w", apperrors.ErrAlreadyRunning)
		case err != nil:
			c.logger.Warn("poll lock unavailable, polling without it", "error", err)
		default:
			defer func() {
				if err := locker.Unlock(context.WithoutCancel(ctx)); err != nil {
					c.logger.Warn("poll lock release failed", "error", err)
				}
			}()
		}
	}

	facilities, err := c.deps.Facilities.Active(ctx)
	if err != nil {
		c.cycle("failed")
		c.report(health.StatusDegraded, err.Error())
		return Report{}, fmt.Errorf("loading active facilities: %w", err)
	}

	reports := make([]FacilityReport, len(facilities))
	items := make([][]ingestion.WorkItem, len(facilities))
	var wg sync.WaitGroup
	for i, f := range facilities {
		if f.BreakerState(c.now()) == resilience.StateOpen {
			reports[i] = FacilityReport{Facility: f.Code, BreakerOpen: true}
			c.facilityResult(f.Code, "breaker_open")
			c.breakerGauge(f.Code, true)
			c.logger.Debug("facility breaker open, skipping", "facility", f.Code, "until", f.BreakerOpenUntil)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], items[i] = c.pollFacilityIsolated(ctx, f)
		}()
	}
	wg.Wait()

	rep := Report{Facilities: reports}
	for _, batch := range items {
		rep.Items = append(rep.Items, batch...)
	}
	rep.Staged = len(rep.Items)
	c.cycle("completed")
	c.report(health.StatusUp, "")
	c.logger.Info("poll cycle complete", "facilities", len(facilities), "staged", rep.Staged)
	return rep, nil
}

// pollFacilityIsolated turns a panic in one facility into a failure of
// that facility so its siblings finish the cycle.
func (c *Coordinator) pollFacilityIsolated(ctx context.Context, f facility.Facility) (rep FacilityReport, items []ingestion.WorkItem) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("facility poll panic",
				"facility", f.Code,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			rep, items = FacilityReport{Facility: f.Code}, nil
			c.fail(ctx, f, &rep, apperrors.Newf(apperrors.ErrSystem, apperrors.StageFetch, apperrors.CodePipelineFail, "panic: %v", p))
		}
	}()
	return c.pollFacility(ctx, f)
}

// pollFacility lists and downloads one facility's files. A listing or
// credential failure counts against the facility breaker; a single failed
// download does not.
func (c *Coordinator) pollFacility(ctx context.Context, f facility.Facility) (FacilityReport, []ingestion.WorkItem) {
	rep := FacilityReport{Facility: f.Code}
	logger := c.logger.With("facility", f.Code)

	creds, err := c.deps.Credentials.Decrypt(f)
	if err != nil {
		c.fail(ctx, f, &rep, err)
		return rep, nil
	}
	target := soap.Target{Facility: f.Code, Endpoint: f.EndpointURL}

	entries, err := c.list(ctx, target, creds)
	if err != nil {
		c.fail(ctx, f, &rep, err)
		return rep, nil
	}
	rep.Listed = len(entries)
	if len(entries) == 0 {
		logger.Debug("no new transactions")
	} else {
		logger.Info("facility listed files", "files", len(entries))
	}

	var (
		mu    sync.Mutex
		items []ingestion.WorkItem
		wg    sync.WaitGroup
	)
	sem := semaphore.NewWeighted(int64(c.cfg.DownloadConcurrency))
	for _, entry := range entries {
		if !c.deps.Inflight.Mark(ctx, f.Code, entry.FileID) {
			mu.Lock()
			rep.Duplicates++
			mu.Unlock()
			c.download(f.Code, "duplicate")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.deps.Inflight.Unmark(context.WithoutCancel(ctx), f.Code, entry.FileID)
			defer func() {
				if p := recover(); p != nil {
					logger.Error("download panic", "file_id", entry.FileID, "panic", p, "stack", string(debug.Stack()))
					c.download(f.Code, "failed")
					mu.Lock()
					rep.Failed++
					mu.Unlock()
				}
			}()
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				rep.Failed++
				mu.Unlock()
				return
			}
			defer sem.Release(1)

			item, ok := c.fetchOne(ctx, target, creds, entry)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				items = append(items, item)
				rep.Staged++
			} else {
				rep.Failed++
			}
		}()
	}
	wg.Wait()

	if err := c.deps.Facilities.RecordSuccess(ctx, f.Code, c.now()); err != nil {
		logger.Warn("failed to record facility success", "error", err)
	}
	c.breakerGauge(f.Code, false)
	c.facilityResult(f.Code, "ok")
	return rep, items
}

// list returns the files to download. Search mode runs one window for
// submissions and one for remittances and drops files already downloaded.
func (c *Coordinator) list(ctx context.Context, t soap.Target, creds credentials.Credentials) ([]soap.FileEntry, error) {
	if c.cfg.Mode != ModeSearch {
		res, err := c.deps.Client.GetNewTransactions(ctx, t, creds.Login, creds.Password)
		if err != nil {
			return nil, err
		}
		c.noteCode(t.Facility, soap.OpGetNewTransactions, res.Code, res.Message)
		return res.Files, nil
	}

	to := c.now()
	days := c.cfg.Search.DaysBack
	if days < 1 {
		days = 1
	}
	from := to.AddDate(0, 0, -days)
	windows := []struct{ direction, transaction int }{
		{1, 2}, // sent submissions
		{2, 8}, // received remittances
	}
	var out []soap.FileEntry
	for _, w := range windows {
		res, err := c.deps.Client.SearchTransactions(ctx, t, creds.Login, creds.Password, soap.SearchRequest{
			Direction:         w.direction,
			CallerLicense:     t.Facility,
			TransactionID:     w.transaction,
			TransactionStatus: 1,
			FromDate:          from.Format(searchDateLayout),
			ToDate:            to.Format(searchDateLayout),
			MinRecordCount:    c.cfg.Search.MinRecordCount,
			MaxRecordCount:    c.cfg.Search.MaxRecordCount,
		})
		if err != nil {
			return nil, err
		}
		c.noteCode(t.Facility, soap.OpSearchTransactions, res.Code, res.Message)
		for _, e := range res.Files {
			if !e.Downloaded() {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (c *Coordinator) fetchOne(ctx context.Context, t soap.Target, creds credentials.Credentials, entry soap.FileEntry) (ingestion.WorkItem, bool) {
	logger := c.logger.With("facility", t.Facility, "file_id", entry.FileID)
	if c.deps.Metrics != nil {
		g := c.deps.Metrics.DownloadsInFlight.WithLabelValues(t.Facility)
		g.Inc()
		defer g.Dec()
	}

	start := time.Now()
	d, err := c.deps.Client.DownloadTransactionFile(ctx, t, creds.Login, creds.Password, entry.FileID)
	latency := time.Since(start)
	if err != nil {
		logger.Error("download failed", "error", err)
		c.download(t.Facility, "failed")
		return ingestion.WorkItem{}, false
	}
	c.noteCode(t.Facility, soap.OpDownloadTransactionFile, d.Code, d.Message)

	data, err := staging.Normalize(d.Content)
	if errors.Is(err, staging.ErrEmpty) {
		logger.Warn("downloaded file is empty")
		c.download(t.Facility, "empty")
		return ingestion.WorkItem{}, false
	}
	if err != nil {
		logger.Error("downloaded file rejected", "error", err)
		c.download(t.Facility, "failed")
		return ingestion.WorkItem{}, false
	}

	name := d.FileName
	if name == "" {
		name = entry.FileName
	}
	item, err := c.deps.Stager.Stage(t.Facility, entry.FileID, name, data, latency)
	if err != nil {
		logger.Error("staging failed", "error", err)
		c.download(t.Facility, "failed")
		return ingestion.WorkItem{}, false
	}
	c.deps.Registry.Register(ctx, entry.FileID, t.Facility)
	c.deps.Sink.Put([]ingestion.WorkItem{item})

	c.download(t.Facility, "ok")
	if c.deps.Metrics != nil {
		c.deps.Metrics.DownloadBytes.Observe(float64(len(data)))
	}
	logger.Debug("file staged", "bytes", len(data), "latency", latency, "disk", item.Path != "")
	return item, true
}

func (c *Coordinator) fail(ctx context.Context, f facility.Facility, rep *FacilityReport, err error) {
	code := soap.ErrorCode(err)
	rep.Error = err.Error()
	until, recErr := c.deps.Facilities.RecordFailure(ctx, f.Code, code, c.policy, c.now())
	if recErr != nil {
		c.logger.Warn("failed to record facility failure", "facility", f.Code, "error", recErr)
	}
	c.breakerGauge(f.Code, until != nil)
	c.facilityResult(f.Code, "failed")
	c.logger.Error("facility poll failed",
		"facility", f.Code,
		"code", code,
		"error", err,
		"breaker_open_until", until,
	)
}

func (c *Coordinator) noteCode(facility, op string, code int, message string) {
	if code > 0 && message != "" {
		c.logger.Warn("dhpo returned a warning", "facility", facility, "operation", op, "code", code, "message", message)
	}
}

// MarkDownloaded tells DHPO that a file was ingested so it is not listed
// again.
func (c *Coordinator) MarkDownloaded(ctx context.Context, facilityCode, fileID string) error {
	f, err := c.deps.Facilities.Get(ctx, facilityCode)
	if err != nil {
		return err
	}
	creds, err := c.deps.Credentials.Decrypt(f)
	if err != nil {
		return err
	}
	return c.deps.Client.SetTransactionDownloaded(ctx,
		soap.Target{Facility: f.Code, Endpoint: f.EndpointURL}, creds.Login, creds.Password, fileID)
}

// Run polls on a fixed delay until ctx is cancelled, starting at once.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("facility poller started",
		"interval", c.cfg.PollInterval,
		"download_concurrency", c.cfg.DownloadConcurrency,
		"enabled", c.Enabled(),
	)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("facility poller stopping")
			return
		case <-timer.C:
		}
		if _, err := c.PollFacilities(ctx); err != nil && !errors.Is(err, apperrors.ErrAlreadyRunning) {
			c.logger.Error("poll cycle failed", "error", err)
		}
		timer.Reset(c.cfg.PollInterval)
	}
}

func (c *Coordinator) cycle(result string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.PollCyclesTotal.WithLabelValues(result).Inc()
	}
}

func (c *Coordinator) facilityResult(code, result string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.FacilityPollsTotal.WithLabelValues(code, result).Inc()
	}
}

func (c *Coordinator) download(code, result string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.DownloadsTotal.WithLabelValues(code, result).Inc()
	}
}

func (c *Coordinator) breakerGauge(code string, open bool) {
	if c.deps.Metrics == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	c.deps.Metrics.FacilityBreakerState.WithLabelValues(code).Set(v)
}

func (c *Coordinator) report(status health.Status, msg string) {
	if c.deps.Health != nil {
		c.deps.Health.Report(healthName, status, msg)
	}
}
