package api

import (
	"net/http"

	"taskrunner/internal/dispatcher"
	"taskrunner/internal/health"
	"taskrunner/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Repository    Repository
	Canceller     Canceller
	Dispatcher    dispatcher.Dispatcher
	HealthChecker *health.Checker
	Metrics       *observability.Metrics
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Repository, cfg.Canceller, cfg.Dispatcher, cfg.HealthChecker, cfg.Metrics)

	mux := http.NewServeMux()

	// Probes
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Batch job endpoints
	mux.HandleFunc("GET /batch/{$}", handler.ListBatchJobs)
	mux.HandleFunc("POST /batch/{$}", handler.CreateBatchJob)
	mux.HandleFunc("GET /batch/{jobID}", handler.GetBatchJob)
	mux.HandleFunc("DELETE /batch/{jobID}", handler.StopBatchJob)

	// Middleware chain, innermost first: each wrap goes around the previous
	// one, so Recovery ends up outermost.
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
