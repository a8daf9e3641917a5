// Package http provides the control API for attachq.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /jobs
//	GET    /jobs
//	PUT    /visible
//	PUT    /call-state
//	GET    /api/stats
//	GET    /dlq
//	POST   /dlq/replay
//	GET    /metrics
//	GET    /events        (websocket)
package http

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/attachq/internal/config"
	"github.com/snehjoshi/attachq/internal/dlq"
	"github.com/snehjoshi/attachq/internal/manager"
	"github.com/snehjoshi/attachq/internal/metrics"
	"github.com/snehjoshi/attachq/internal/storage"
	transportws "github.com/snehjoshi/attachq/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with attachq route wiring.
type Server struct {
	inner *http.Server
}

// Deps are the components the control API drives. Hub, Metrics and DLQ may
// be nil.
type Deps struct {
	NodeID  string
	Manager *manager.Manager
	Store   storage.JobStore
	// InCall is flipped by PUT /call-state and read by the manager's
	// hold-off predicate.
	InCall  *atomic.Bool
	Hub     *transportws.Hub
	Metrics *metrics.Registry
	DLQ     *dlq.Ledger
}

// New builds a Server. The caller is responsible for calling
// ListenAndServe / Shutdown.
func New(d Deps, cfg *config.Config) *Server {
	h := &Handler{
		nodeID:  d.NodeID,
		manager: d.Manager,
		store:   d.Store,
		inCall:  d.InCall,
		dlq:     d.DLQ,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Jobs
	mux.HandleFunc("POST /jobs", h.addJob)
	mux.HandleFunc("GET /jobs", h.listJobs)

	// Scheduler inputs
	mux.HandleFunc("PUT /visible", h.updateVisible)
	mux.HandleFunc("PUT /call-state", h.updateCallState)

	mux.HandleFunc("GET /api/stats", h.stats)

	// Dead-letter ledger
	if d.DLQ != nil {
		mux.HandleFunc("GET /dlq", h.listDropped)
		mux.HandleFunc("POST /dlq/replay", h.replayDropped)
	}

	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}
	if d.Hub != nil {
		mux.Handle("GET /events", d.Hub)
	}

	mw := []func(http.Handler) http.Handler{
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware,
		MetricsMiddleware(d.Metrics),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
	}
	if cfg.API.MaxRate > 0 {
		mw = append(mw, RateLimitMiddleware(float64(cfg.API.MaxRate), cfg.API.Burst))
	}

	return &Server{
		inner: &http.Server{
			Handler:      chain(mux, mw...),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
