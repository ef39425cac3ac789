// Package soap is the DHPO web service client: envelope rendering, the
// HTTP transport with retry, per-facility rate limiting and response
// parsing under the DHPO result code policy.
package soap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/resilience"
)

const maxErrorBody = 512

// HTTPError is a non-2xx transport response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("soap http %d: %s", e.Status, e.Body)
}

func (e *HTTPError) Unwrap() error { return apperrors.ErrNetwork }

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ErrorCode condenses err into the value stored as a facility's
// last_error_code.
func ErrorCode(err error) string {
	var (
		httpErr   *HTTPError
		resultErr *ResultError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &resultErr):
		return strconv.Itoa(resultErr.Code)
	case errors.As(err, &httpErr):
		return "HTTP_" + strconv.Itoa(httpErr.Status)
	case errors.Is(err, apperrors.ErrCredentials):
		return apperrors.CodeCredentialsFail
	case errors.Is(err, ErrMissingResult):
		return "PROTOCOL"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.Is(err, apperrors.ErrSystem):
		return "SYSTEM"
	default:
		return "NETWORK"
	}
}

// Target addresses one facility. An empty Endpoint uses the client default.
type Target struct {
	Facility string
	Endpoint string
}

// Client calls the DHPO operations. It is safe for concurrent use.
type Client struct {
	http     *http.Client
	endpoint string
	soap12   bool
	timeout  time.Duration
	retry    resilience.RetryConfig
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewClient builds a client from the soap config. httpClient and m may be
// nil.
func NewClient(cfg config.SoapConfig, httpClient *http.Client, m *metrics.Metrics) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		http:     httpClient,
		endpoint: cfg.Endpoint,
		soap12:   cfg.Soap12,
		timeout:  cfg.RequestTimeout,
		retry:    resilience.RetryConfigFrom(cfg.Retry),
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		metrics:  m,
		logger:   slog.Default().With("component", "soap-client"),
	}
}

func (c *Client) limiter(facility string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[facility]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[facility] = l
	}
	return l
}

// GetNewTransactions lists the files not yet marked downloaded.
func (c *Client) GetNewTransactions(ctx context.Context, t Target, login, pwd string) (ListResult, error) {
	var res ListResult
	err := c.call(ctx, t, OpGetNewTransactions, credentialFields(login, pwd), func(body []byte) error {
		var err error
		res, err = parseList(OpGetNewTransactions, body)
		return err
	})
	return res, err
}

// SearchTransactions lists files matching the search window.
func (c *Client) SearchTransactions(ctx context.Context, t Target, login, pwd string, req SearchRequest) (ListResult, error) {
	var res ListResult
	err := c.call(ctx, t, OpSearchTransactions, searchFields(login, pwd, req), func(body []byte) error {
		var err error
		res, err = parseList(OpSearchTransactions, body)
		return err
	})
	return res, err
}

// DownloadTransactionFile fetches one file's content.
func (c *Client) DownloadTransactionFile(ctx context.Context, t Target, login, pwd, fileID string) (Download, error) {
	var res Download
	params := append(credentialFields(login, pwd), field{"fileId", fileID})
	err := c.call(ctx, t, OpDownloadTransactionFile, params, func(body []byte) error {
		var err error
		res, err = parseDownload(body)
		return err
	})
	return res, err
}

// SetTransactionDownloaded marks a file as downloaded so that it is not
// listed again.
func (c *Client) SetTransactionDownloaded(ctx context.Context, t Target, login, pwd, fileID string) error {
	params := append(credentialFields(login, pwd), field{"fieldId", fileID})
	return c.call(ctx, t, OpSetTransactionDownloaded, params, func(body []byte) error {
		_, _, err := parseAck(body)
		return err
	})
}

// call posts op and hands the body to parse. Retryable HTTP statuses,
// transport errors and the transient result code are retried; everything
// else is returned at once.
func (c *Client) call(ctx context.Context, t Target, op string, params []field, parse func([]byte) error) error {
	endpoint := t.Endpoint
	if endpoint == "" {
		endpoint = c.endpoint
	}
	envelope := Envelope(op, c.soap12, params...)
	logger := c.logger.With("operation", op, "facility", t.Facility)

	retry := c.retry
	if c.metrics != nil {
		retry.OnRetry = func(int, error) { c.metrics.SoapRetriesTotal.WithLabelValues(op).Inc() }
	}
	return resilience.Retry(ctx, "soap."+op, retry, func() error {
		if err := c.limiter(t.Facility).Wait(ctx); err != nil {
			return resilience.Permanent(fmt.Errorf("%s: rate limit wait: %w", op, err))
		}
		start := time.Now()
		body, err := resilience.Call(ctx, c.timeout, "soap."+op, func(ctx context.Context) ([]byte, error) {
			return c.post(ctx, endpoint, op, envelope)
		})
		if c.metrics != nil {
			c.metrics.SoapCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && !retryableStatus(httpErr.Status) {
				return resilience.Permanent(err)
			}
			return err
		}

		err = parse(body)
		var resultErr *ResultError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &resultErr) && resultErr.Transient():
			logger.Warn("transient result code", "code", resultErr.Code, "message", resultErr.Message)
			return err
		default:
			return resilience.Permanent(err)
		}
	})
}

func (c *Client) post(ctx context.Context, endpoint, op string, envelope []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", op, err)
	}
	if c.soap12 {
		req.Header.Set("Content-Type", `application/soap+xml; charset=utf-8; action="`+Action(op)+`"`)
	} else {
		req.Header.Set("Content-Type", "text/xml; charset=utf-8")
		req.Header.Set("SOAPAction", `"`+Action(op)+`"`)
	}
	req.Header.Set("Accept", "text/xml, application/soap+xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting %s: %w: %w", op, apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w: %w", op, apperrors.ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt := body
		if len(excerpt) > maxErrorBody {
			excerpt = excerpt[:maxErrorBody]
		}
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(excerpt)}
	}
	return body, nil
}
