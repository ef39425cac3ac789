package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/facility"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/facility/credentials"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/facility/soap"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/ack"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/fetch"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/resilience"
)

const doc = `<Claim.Submission><Header/></Claim.Submission>`

type fakeDHPO struct {
	mu        sync.Mutex
	lists     map[string]soap.ListResult
	listErr   map[string]error
	searches  []soap.SearchRequest
	search    map[int]soap.ListResult
	downloads map[string]soap.Download
	gate      chan struct{}
	active    atomic.Int32
	maxActive atomic.Int32
	marked    []string
}

func (d *fakeDHPO) GetNewTransactions(ctx context.Context, t soap.Target, login, pwd string) (soap.ListResult, error) {
	if err := d.listErr[t.Facility]; err != nil {
		return soap.ListResult{}, err
	}
	return d.lists[t.Facility], nil
}

func (d *fakeDHPO) SearchTransactions(ctx context.Context, t soap.Target, login, pwd string, req soap.SearchRequest) (soap.ListResult, error) {
	d.mu.Lock()
	d.searches = append(d.searches, req)
	d.mu.Unlock()
	return d.search[req.TransactionID], nil
}

func (d *fakeDHPO) DownloadTransactionFile(ctx context.Context, t soap.Target, login, pwd, fileID string) (soap.Download, error) {
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		m := d.maxActive.Load()
		if n <= m || d.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if d.gate != nil {
		<-d.gate
	} else {
		time.Sleep(2 * time.Millisecond)
	}
	if dl, ok := d.downloads[fileID]; ok {
		return dl, nil
	}
	return soap.Download{FileName: fileID + ".xml", Content: []byte(doc)}, nil
}

func (d *fakeDHPO) SetTransactionDownloaded(ctx context.Context, t soap.Target, login, pwd, fileID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.marked = append(d.marked, t.Facility+"/"+t.Endpoint+"/"+login+"/"+fileID)
	return nil
}

type fakeFacilities struct {
	mu        sync.Mutex
	list      []facility.Facility
	failures  map[string]string
	successes []string
}

func (f *fakeFacilities) Active(ctx context.Context) ([]facility.Facility, error) {
	return f.list, nil
}

func (f *fakeFacilities) Get(ctx context.Context, code string) (facility.Facility, error) {
	for _, fac := range f.list {
		if fac.Code == code {
			return fac, nil
		}
	}
	return facility.Facility{}, apperrors.ErrNotFound
}

func (f *fakeFacilities) RecordFailure(ctx context.Context, code, errCode string, policy resilience.CooldownPolicy, now time.Time) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = make(map[string]string)
	}
	f.failures[code] = errCode
	until := now.Add(policy.BaseBackoff)
	return &until, nil
}

func (f *fakeFacilities) RecordSuccess(ctx context.Context, code string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, code)
	return nil
}

type plainCreds struct{}

func (plainCreds) Decrypt(f facility.Facility) (credentials.Credentials, error) {
	if string(f.LoginCT) == "" {
		return credentials.Credentials{}, apperrors.ErrCredentials
	}
	return credentials.Credentials{Login: string(f.LoginCT), Password: string(f.PwdCT)}, nil
}

type memStager struct{}

func (memStager) Stage(fac, fileID, fileName string, data []byte, latency time.Duration) (ingestion.WorkItem, error) {
	return ingestion.WorkItem{SourceID: fac, FileID: fileID, FileName: fileName, Source: ingestion.SourceSOAP, Content: data}, nil
}

func fac(code string) facility.Facility {
	return facility.Facility{Code: code, Active: true, LoginCT: []byte("user-" + code), PwdCT: []byte("pwd")}
}

func entries(ids ...string) soap.ListResult {
	res := soap.ListResult{}
	for _, id := range ids {
		res.Files = append(res.Files, soap.FileEntry{FileID: id})
	}
	return res
}

func searchCfg() config.SearchConfig {
	return config.SearchConfig{DaysBack: 10, MinRecordCount: 1, MaxRecordCount: 500}
}

type harness struct {
	coord      *Coordinator
	client     *fakeDHPO
	facilities *fakeFacilities
	inbox      *fetch.Inbox
	registry   *ack.MemoryRegistry
	metrics    *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config, client *fakeDHPO, list ...facility.Facility) *harness {
	t.Helper()
	h := &harness{
		client:     client,
		facilities: &fakeFacilities{list: list},
		inbox:      fetch.NewInbox(),
		registry:   ack.NewMemoryRegistry(time.Hour),
		metrics:    metrics.NewWithRegistry(prometheus.NewRegistry()),
	}
	cfg.Enabled = true
	h.coord = New(cfg, Deps{
		Client:      client,
		Facilities:  h.facilities,
		Credentials: plainCreds{},
		Stager:      memStager{},
		Sink:        h.inbox,
		Registry:    h.registry,
		Metrics:     h.metrics,
	})
	return h
}

func TestPollStagesFilesAndSkipsOpenBreaker(t *testing.T) {
	open := time.Now().Add(time.Hour)
	blocked := fac("FAC2")
	blocked.BreakerOpenUntil = &open
	blocked.ConsecutiveFailures = 3

	client := &fakeDHPO{lists: map[string]soap.ListResult{"FAC1": entries("F1", "F2"), "FAC2": entries("X")}}
	h := newHarness(t, Config{DownloadConcurrency: 2}, client, fac("FAC1"), blocked)

	rep, err := h.coord.PollFacilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Staged)
	require.Len(t, rep.Facilities, 2)
	assert.Equal(t, FacilityReport{Facility: "FAC1", Listed: 2, Staged: 2}, rep.Facilities[0])
	assert.True(t, rep.Facilities[1].BreakerOpen)

	assert.Equal(t, 2, h.inbox.Len())
	got, ok := h.registry.Lookup(context.Background(), "F2")
	assert.True(t, ok)
	assert.Equal(t, "FAC1", got)
	assert.Equal(t, []string{"FAC1"}, h.facilities.successes)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PollCyclesTotal.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.DownloadsTotal.WithLabelValues("FAC1", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FacilityBreakerState.WithLabelValues("FAC2")))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.DownloadsInFlight.WithLabelValues("FAC1")))
}

func TestPollDisabled(t *testing.T) {
	h := newHarness(t, Config{}, &fakeDHPO{}, fac("FAC1"))
	h.coord.SetEnabled(false)

	rep, err := h.coord.PollFacilities(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Disabled)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PollCyclesTotal.WithLabelValues("disabled")))
}

func TestOverlappingCycleIsSkipped(t *testing.T) {
	client := &fakeDHPO{lists: map[string]soap.ListResult{"FAC1": entries("F1")}, gate: make(chan struct{})}
	h := newHarness(t, Config{}, client, fac("FAC1"))

	done := make(chan struct{})
	go func() {
		h.coord.PollFacilities(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return client.active.Load() == 1 }, time.Second, time.Millisecond)

	rep, err := h.coord.PollFacilities(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAlreadyRunning)
	assert.True(t, rep.Skipped)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PollCyclesTotal.WithLabelValues("skipped")))

	close(client.gate)
	<-done
	assert.Equal(t, 1, h.inbox.Len())
}

func TestLockHeldByAnotherReplica(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	lockClient := redis.Wrap(rdb, "claims:")
	require.NoError(t, mr.Set("claims:lock:facility-poll", "other-replica"))

	client := &fakeDHPO{lists: map[string]soap.ListResult{"FAC1": entries("F1")}}
	h := newHarness(t, Config{}, client, fac("FAC1"))
	h.coord.deps.Lock = lockClient

	_, err := h.coord.PollFacilities(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAlreadyRunning)
	assert.Zero(t, h.inbox.Len())

	mr.Del("claims:lock:facility-poll")
	_, err = h.coord.PollFacilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.inbox.Len())
	assert.False(t, mr.Exists("claims:lock:facility-poll"))
}

func TestListingFailureCountsAgainstBreaker(t *testing.T) {
	client := &fakeDHPO{listErr: map[string]error{"FAC1": &soap.HTTPError{Status: 503, Body: "busy"}}}
	h := newHarness(t, Config{Breaker: resilience.CooldownPolicy{BaseBackoff: time.Minute}}, client, fac("FAC1"), facility.Facility{Code: "NOCREDS"})

	rep, err := h.coord.PollFacilities(context.Background())
	require.NoError(t, err)
	assert.Contains(t, rep.Facilities[0].Error, "503")
	assert.Equal(t, map[string]string{"FAC1": "HTTP_503", "NOCREDS": "CREDENTIALS"}, h.facilities.failures)
	assert.Empty(t, h.facilities.successes)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FacilityPollsTotal.WithLabelValues("FAC1", "failed")))
}

func TestSearchModeDropsDownloaded(t *testing.T) {
	client := &fakeDHPO{search: map[int]soap.ListResult{
		2: {Files: []soap.FileEntry{{FileID: "S1"}, {FileID: "S2", IsDownloaded: "true"}}},
		8: {Files: []soap.FileEntry{{FileID: "R1", IsDownloaded: "false"}}},
	}}
	h := newHarness(t, Config{Mode: ModeSearch, Search: searchCfg()}, client, fac("FAC1"))
	now := time.Date(2026, 4, 11, 9, 30, 0, 0, time.UTC)
	h.coord.now = func() time.Time { return now }

	rep, err := h.coord.PollFacilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Staged)
	require.Len(t, client.searches, 2)
	assert.Equal(t, 1, client.searches[0].Direction)
	assert.Equal(t, 2, client.searches[1].Direction)
	assert.Equal(t, "FAC1", client.searches[0].CallerLicense)
	assert.Equal(t, 1, client.searches[0].TransactionStatus)
	assert.Equal(t, "11/04/2026 09:30:00", client.searches[0].ToDate)
	assert.Equal(t, "01/04/2026 09:30:00", client.searches[0].FromDate)
	assert.Equal(t, 500, client.searches[0].MaxRecordCount)
}

func TestDownloadsAreBoundedPerFacility(t *testing.T) {
	client := &fakeDHPO{lists: map[string]soap.ListResult{"FAC1": entries("1", "2", "3", "4", "5", "6")}}
	h := newHarness(t, Config{DownloadConcurrency: 2}, client, fac("FAC1"))

	rep, err := h.coord.PollFacilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, rep.Staged)
	assert.LessOrEqual(t, client.maxActive.Load(), int32(2))
}

func TestInflightAndEmptyDownloads(t *testing.T) {
	client := &fakeDHPO{
		lists:     map[string]soap.ListResult{"FAC1": entries("F1", "F2", "F3")},
		downloads: map[string]soap.Download{"F3": {Code: 1, Message: "empty"}},
	}
	h := newHarness(t, Config{}, client, fac("FAC1"))
	require.True(t, h.coord.deps.Inflight.Mark(context.Background(), "FAC1", "F1"))

	rep, err := h.coord.PollFacilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FacilityReport{Facility: "FAC1", Listed: 3, Staged: 1, Failed: 1, Duplicates: 1}, rep.Facilities[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DownloadsTotal.WithLabelValues("FAC1", "empty")))
	assert.True(t, h.coord.deps.Inflight.Mark(context.Background(), "FAC1", "F2"), "mark released after download")
}

func TestMarkDownloaded(t *testing.T) {
	client := &fakeDHPO{}
	f := fac("FAC1")
	f.EndpointURL = "https://fac1.test/ws"
	h := newHarness(t, Config{}, client, f)

	require.NoError(t, h.coord.MarkDownloaded(context.Background(), "FAC1", "F7"))
	assert.Equal(t, []string{"FAC1/https://fac1.test/ws/user-FAC1/F7"}, client.marked)
	assert.ErrorIs(t, h.coord.MarkDownloaded(context.Background(), "NOPE", "F7"), apperrors.ErrNotFound)
}

func TestRedisInflightFailsOpen(t *testing.T) {
	db, mock := redismock.NewClientMock()
	in := NewInflight(redis.Wrap(db, "claims:"), time.Minute)

	mock.ExpectSetNX("claims:inflight:FAC1:F1", "1", time.Minute).SetVal(false)
	assert.False(t, in.Mark(context.Background(), "FAC1", "F1"))

	mock.ExpectSetNX("claims:inflight:FAC1:F2", "1", time.Minute).SetErr(errors.New("connection refused"))
	assert.True(t, in.Mark(context.Background(), "FAC1", "F2"))

	mock.ExpectDel("claims:inflight:FAC1:F2").SetVal(1)
	in.Unmark(context.Background(), "FAC1", "F2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunPollsUntilCancelled(t *testing.T) {
	client := &fakeDHPO{lists: map[string]soap.ListResult{"FAC1": entries("F1")}}
	h := newHarness(t, Config{PollInterval: time.Hour}, client, fac("FAC1"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.coord.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return h.inbox.Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestFailingFacilityDoesNotStopSiblings(t *testing.T) {
	client := &fakeDHPO{
		lists:   map[string]soap.ListResult{"FAC2": entries("F1", "F2", "F3")},
		listErr: map[string]error{"FAC1": &soap.HTTPError{Status: 503}},
	}
	h := newHarness(t, Config{DownloadConcurrency: 2}, client, fac("FAC1"), fac("FAC2"))

	rep, err := h.coord.PollFacilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Staged)
	require.Len(t, rep.Facilities, 2)
	assert.NotEmpty(t, rep.Facilities[0].Error)
	assert.Equal(t, 3, rep.Facilities[1].Staged)
	assert.Equal(t, "HTTP_503", h.facilities.failures["FAC1"])
	assert.Equal(t, []string{"FAC2"}, h.facilities.successes)
	assert.Len(t, h.inbox.Drain(10), 3)
}

type panickyCreds struct{ plainCreds }

func (c panickyCreds) Decrypt(f facility.Facility) (credentials.Credentials, error) {
	if f.Code == "FAC1" {
		panic("corrupt key material")
	}
	return c.plainCreds.Decrypt(f)
}

func TestFacilityPanicIsIsolated(t *testing.T) {
	client := &fakeDHPO{lists: map[string]soap.ListResult{"FAC2": entries("F1", "F2")}}
	h := newHarness(t, Config{DownloadConcurrency: 2}, client, fac("FAC1"), fac("FAC2"))
	h.coord.deps.Credentials = panickyCreds{}

	rep, err := h.coord.PollFacilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Staged)
	assert.Contains(t, rep.Facilities[0].Error, "corrupt key material")
	assert.Equal(t, "SYSTEM", h.facilities.failures["FAC1"])
	assert.Equal(t, 2, rep.Facilities[1].Staged)
}
