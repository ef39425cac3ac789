package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestRunAggregatesWorstStatus(t *testing.T) {
	c := NewChecker()
	c.Register("postgres", PingCheck(fakePinger{}))
	c.Report("poller", StatusDegraded, "2 facilities cooling down")

	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusUp, report.Components["postgres"].Status)
	assert.Equal(t, "2 facilities cooling down", report.Components["poller"].Message)

	c.Register("redis", PingCheck(fakePinger{err: errors.New("refused")}))
	report = c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Report("poller", StatusDegraded, "")

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	c.Register("postgres", PingCheck(fakePinger{err: errors.New("down")}))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOptionalCheckOnlyDegrades(t *testing.T) {
	c := NewChecker()
	c.Register("postgres", PingCheck(fakePinger{}))
	c.RegisterOptional("redis", PingCheck(fakePinger{err: errors.New("refused")}))

	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusDegraded, report.Components["redis"].Status)
	assert.Equal(t, "refused", report.Components["redis"].Message)
}

func TestReportKeepsSinceWhileStatusHolds(t *testing.T) {
	c := NewChecker()
	c.Report("poller", StatusUp, "")
	first := c.Run(context.Background()).Components["poller"].Since
	c.Report("poller", StatusUp, "cycle complete")
	again := c.Run(context.Background()).Components["poller"]
	assert.Equal(t, first, again.Since)
	assert.Equal(t, "cycle complete", again.Message)
}
