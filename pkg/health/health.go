// Package health merges dependency probes and self-reported component
// status into the liveness and readiness endpoints of the admin server.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// checkTimeout bounds a single probe inside Run.
const checkTimeout = 2 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) ComponentHealth

type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
	Since   string `json:"since,omitempty"`
}

// Report is the merged view served on /health/ready.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

// Pinger is implemented by the postgres and redis clients.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports down when p cannot be pinged.
func PingCheck(p Pinger) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := p.Ping(ctx); err != nil {
			return ComponentHealth{Status: StatusDown, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

type registered struct {
	check    Check
	optional bool
}

type reported struct {
	health ComponentHealth
	since  time.Time
}

// Checker holds the registered probes and the last status each
// long-running component reported.
type Checker struct {
	mu       sync.RWMutex
	checks   map[string]registered
	reported map[string]reported
	logger   *slog.Logger
}

func NewChecker() *Checker {
	return &Checker{
		checks:   make(map[string]registered),
		reported: make(map[string]reported),
		logger:   slog.Default().With("component", "health"),
	}
}

// Register adds a probe whose failure makes the service not ready.
func (c *Checker) Register(name string, check Check) {
	c.register(name, check, false)
}

// RegisterOptional adds a probe for a dependency the service can run
// without. Its failure only degrades the report.
func (c *Checker) RegisterOptional(name string, check Check) {
	c.register(name, check, true)
}

func (c *Checker) register(name string, check Check, optional bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registered{check: check, optional: optional}
}

// Report records the status of a component that cannot be probed on
// demand, such as the facility poll loop.
func (c *Checker) Report(name string, status Status, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, seen := c.reported[name]
	since := time.Now()
	if seen && prev.health.Status == status {
		since = prev.since
	}
	c.reported[name] = reported{health: ComponentHealth{Status: status, Message: message}, since: since}
	if seen && prev.health.Status != status {
		c.logger.Info("component status changed", "name", name, "from", prev.health.Status, "to", status)
	}
}

// Run probes every registered check concurrently and merges the results
// with the reported statuses. The overall status is the worst one.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]registered, len(c.checks))
	for name, r := range c.checks {
		checks[name] = r
	}
	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(checks)+len(c.reported)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	for name, r := range c.reported {
		h := r.health
		h.Since = r.since.UTC().Format(time.RFC3339)
		report.Components[name] = h
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, r := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			result := r.check(checkCtx)
			result.Latency = time.Since(start).Round(time.Millisecond).String()
			if r.optional && result.Status == StatusDown {
				result.Status = StatusDegraded
			}
			mu.Lock()
			report.Components[name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, comp := range report.Components {
		switch comp.Status {
		case StatusDown:
			report.Status = StatusDown
		case StatusDegraded:
			if report.Status == StatusUp {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

// LiveHandler answers liveness probes. It never touches dependencies.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadyHandler answers readiness probes. Degraded is still ready: the
// daemon keeps ingesting from healthy sources.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		report := c.Run(ctx)
		status := http.StatusOK
		if report.Status == StatusDown {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write health response", "error", err)
	}
}
