package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/logger"
)

// RequestIDHeader carries the correlation id of an admin request.
const RequestIDHeader = "X-Request-ID"

// RequestID propagates or assigns a request id and binds it to the request
// context as the run id, so a manual trigger's log lines share it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRunID(r.Context(), id)))
	})
}
