package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/stakewatch/service/engine"
	"github.com/brojonat/stakewatch/service/ledger"
	"github.com/brojonat/stakewatch/service/metrics"
	"github.com/brojonat/stakewatch/service/watch"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP server for the staking service.
type Server struct {
	addr         string
	store        Store
	watcher      *watch.Watcher
	engine       *engine.Engine
	reader       *ledger.Reader
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The engine is optional - if nil, transaction endpoints won't be available
// and the server is a read-only position watcher.
// The ssePublisher is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, store Store, watcher *watch.Watcher, eng *engine.Engine, reader *ledger.Reader, ssePublisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:         addr,
		store:        store,
		watcher:      watcher,
		engine:       eng,
		reader:       reader,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Watch session routes
	s.handle(mux, "POST /api/v1/sessions", handleStartSession(s.watcher, s.logger))
	s.handle(mux, "GET /api/v1/sessions", handleListSessions(s.watcher, s.logger))
	s.handle(mux, "DELETE /api/v1/sessions/{wallet}", handleStopSession(s.watcher, s.logger))

	// Position routes
	s.handle(mux, "GET /api/v1/positions/{wallet}", handleGetPosition(s.watcher, s.reader, s.logger))
	s.handle(mux, "POST /api/v1/positions/{wallet}/refresh", handleRefreshPosition(s.watcher, s.reader, s.logger))

	// Transaction routes (if an engine with a wallet signer is configured)
	if s.engine != nil {
		s.handle(mux, "POST /api/v1/initialize", handleInitialize(s.engine, s.logger))
		s.handle(mux, "POST /api/v1/stake", handleStake(s.engine, s.logger))
		s.handle(mux, "POST /api/v1/unstake", handleUnstake(s.engine, s.logger))
		s.handle(mux, "POST /api/v1/claim", handleClaim(s.engine, s.logger))
		s.logger.Info("transaction endpoints enabled", "wallet", s.engine.Wallet().String())
	} else {
		s.logger.Warn("no transaction engine configured, transaction endpoints disabled")
	}

	// Audit routes
	s.handle(mux, "GET /api/v1/operations/{id}", handleGetOperation(s.store, s.logger))
	s.handle(mux, "GET /api/v1/operations", handleListOperations(s.store, s.logger))
	s.handle(mux, "GET /api/v1/claims", handleListClaims(s.store, s.logger))

	// SSE streaming endpoints (if SSE publisher is configured)
	if s.ssePublisher != nil {
		mux.Handle("GET /api/v1/stream/snapshots/{wallet}", handleStreamSnapshots(s.ssePublisher, s.logger))
		mux.Handle("GET /api/v1/stream/snapshots", handleStreamSnapshots(s.ssePublisher, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	// Wrap mux with CORS middleware
	handler := corsMiddleware(mux)

	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: snapshot streams are long-lived SSE responses.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// handle registers pattern on mux, wrapping the handler with request metrics
// labeled by the route's path so cardinality stays bounded.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.Handler) {
	if s.metrics != nil {
		if _, path, ok := strings.Cut(pattern, " "); ok {
			h = metrics.HTTPMetricsMiddleware(s.metrics, path)(h)
		}
	}
	mux.Handle(pattern, h)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	// Then shutdown HTTP server
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers for all requests
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Pass through to next handler
		next.ServeHTTP(w, r)
	})
}
