// Package handler serves the admin HTTP API. Every route is a thin wrapper
// around an operator action.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/facility/poller"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/orchestrator"
	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/middleware"
)

// Controls are the operator actions behind the routes.
type Controls interface {
	ProcessNow(ctx context.Context, reason string) (orchestrator.Summary, error)
	PollNow(ctx context.Context) (poller.Report, error)
	ReVerify(ctx context.Context, id int64) (ingestion.Result, error)
}

type Handler struct {
	controls Controls
	logger   *slog.Logger
}

func New(controls Controls) *Handler {
	return &Handler{
		controls: controls,
		logger:   slog.Default().With("component", "admin-handler"),
	}
}

// Routes builds the admin HTTP handler.
//
//	POST /api/v1/ingestion/process             run a fetch and drain cycle
//	POST /api/v1/ingestion/poll                run a facility poll cycle
//	POST /api/v1/ingestion/files/{id}/reverify re-run verification
//	GET  /health/live
//	GET  /health/ready
//
// Middleware chain (outermost first): RequestID → Metrics → mux. A
// non-zero timeout bounds the action routes.
func Routes(h *Handler, checker *health.Checker, m *metrics.Metrics, timeout time.Duration) http.Handler {
	actionMux := http.NewServeMux()
	actionMux.HandleFunc("POST /api/v1/ingestion/process", h.Process)
	actionMux.HandleFunc("POST /api/v1/ingestion/poll", h.Poll)
	actionMux.HandleFunc("POST /api/v1/ingestion/files/{id}/reverify", h.ReVerify)
	var actions http.Handler = actionMux
	if timeout > 0 {
		actions = pkgmw.Timeout(timeout)(actions)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/ingestion/", actions)

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	if m != nil {
		chain = pkgmw.Metrics(m)(chain)
	}
	return pkgmw.RequestID(chain)
}

func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	sum, err := h.controls.ProcessNow(r.Context(), reason)
	if err != nil {
		h.fail(w, r, "process failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	rep, err := h.controls.PollNow(r.Context())
	if err != nil {
		h.fail(w, r, "poll failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) ReVerify(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid ingestion file id")
		return
	}
	res, err := h.controls.ReVerify(r.Context(), id)
	if err != nil {
		h.fail(w, r, "reverify failed", err)
		return
	}
	status := http.StatusOK
	if res.State == ingestion.StateFailed {
		status = http.StatusUnprocessableEntity
	}
	h.writeJSON(w, status, reverifyResponse(res))
}

type reverifyBody struct {
	ingestion.Result
	Error string `json:"error,omitempty"`
}

func reverifyResponse(res ingestion.Result) reverifyBody {
	body := reverifyBody{Result: res}
	if res.Err != nil {
		body.Error = res.Err.Error()
	}
	return body
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := apperrors.HTTPStatusCode(err)
	logger.FromContext(r.Context()).Error(msg,
		"component", "admin-handler",
		"error", err,
		"status_code", status,
	)
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	h.writeError(w, status, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
