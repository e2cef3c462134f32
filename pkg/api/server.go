// Package api serves the admin HTTP API and Prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nat64io/nat64d/pkg/bib"
	"github.com/nat64io/nat64d/pkg/joold"
	"github.com/nat64io/nat64d/pkg/logging"
	"github.com/nat64io/nat64d/pkg/pool4"
)

// Config configures the API server.
type Config struct {
	Addr     string
	DB       *bib.DB
	Pool4    *pool4.Pool
	EventBuf *logging.EventBuffer
	Sync     *joold.SessionSync // nil when session sync is off
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	db         *bib.DB
	pool4      *pool4.Pool
	eventBuf   *logging.EventBuffer
	sync       *joold.SessionSync
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		db:        cfg.DB,
		pool4:     cfg.Pool4,
		eventBuf:  cfg.EventBuf,
		sync:      cfg.Sync,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with an isolated registry.
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/counters", s.countersHandler)
	mux.HandleFunc("GET /api/v1/bib/{proto}", s.bibListHandler)
	mux.HandleFunc("POST /api/v1/bib/{proto}", s.bibAddHandler)
	mux.HandleFunc("DELETE /api/v1/bib/{proto}", s.bibRemoveHandler)
	mux.HandleFunc("GET /api/v1/sessions/{proto}", s.sessionListHandler)
	mux.HandleFunc("POST /api/v1/flush", s.flushAllHandler)
	mux.HandleFunc("POST /api/v1/flush/{proto}", s.flushHandler)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)
	mux.HandleFunc("GET /api/v1/sync/stats", s.syncStatsHandler)
	mux.HandleFunc("POST /api/v1/sync/advertise", s.syncAdvertiseHandler)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the mux; tests drive it directly.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
