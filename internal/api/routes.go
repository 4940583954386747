package api

import (
	"net/http"

	"tether/internal/health"
)

// RouterConfig holds dependencies for the introspection router.
type RouterConfig struct {
	Session       SessionSource
	HealthChecker *health.Checker

	// MetricsHandler serves GET /metrics when set (the Prometheus
	// exporter's handler).
	MetricsHandler http.Handler
}

// NewRouter creates the introspection router. It binds no auth or CORS
// layers: the listener only ever serves loopback traffic.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Session, cfg.HealthChecker)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)
	mux.HandleFunc("GET /v1/session", handler.Session)

	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
