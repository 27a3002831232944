package server

import (
	"log/slog"
	"net/http"

	"github.com/gbarbosa99/dialects/internal/metrics"
)

// NewRouter creates the read-only status router. A nil m disables the
// /metrics route and request counting.
func NewRouter(h *Handlers, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /status", h.Status)
	mux.HandleFunc("GET /items", h.ListItems)
	mux.HandleFunc("GET /items/{stem}", h.GetItem)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	// Outermost first.
	var handler http.Handler = mux
	handler = MetricsMiddleware(m)(handler)
	handler = LoggingMiddleware(logger, h.runs)(handler)
	handler = RecoveryMiddleware(logger)(handler)
	return handler
}
