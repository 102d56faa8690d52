package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

const CorrelationHeader = "X-Correlation-Id"

// CorrelationId makes sure every request carries a correlation id and echoes
// it back on the response so callers can reference it in support tickets.
func CorrelationId() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(CorrelationHeader)
			if id == "" {
				id = uuid.NewString()
				r.Header.Set(CorrelationHeader, id)
			}
			w.Header().Set(CorrelationHeader, id)
			next.ServeHTTP(w, r)
		})
	}
}
