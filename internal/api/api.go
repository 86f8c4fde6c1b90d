// Package api provides HTTP handlers and the main API server logic for SendPipe.
//
// It exposes RESTful endpoints for scheduling and tracking outbound WhatsApp
// messages, inspecting and revoking per-user sessions, and controlling the
// delivery scheduler. The API integrates with the store, scheduler, session,
// and compose modules.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"sendpipe/internal/cache"
	"sendpipe/internal/compose"
	"sendpipe/internal/scheduler"
	"sendpipe/internal/session"
	"sendpipe/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// Composer generates message content for schedule requests that carry
	// prompts instead of literal content. Optional.
	Composer compose.Generator
	// StatusCache serves message status lookups before the store is
	// consulted. Optional.
	StatusCache cache.MessageCache
}

// Option defines a functional option for configuring the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithComposer enables prompt-based content generation for schedule requests.
func WithComposer(g compose.Generator) Option {
	return func(o *Opts) {
		o.Composer = g
	}
}

// WithStatusCache enables cache read-through for message status lookups.
func WithStatusCache(c cache.MessageCache) Option {
	return func(o *Opts) {
		o.StatusCache = c
	}
}

// Server hosts the SendPipe HTTP API.
type Server struct {
	store    store.MessageRepo
	sched    *scheduler.Scheduler
	sessions *session.Manager
	composer compose.Generator
	cache    cache.MessageCache

	httpServer *http.Server
}

// NewServer creates an API server over the given store, scheduler, and
// session manager.
func NewServer(repo store.MessageRepo, sched *scheduler.Scheduler, sessions *session.Manager, opts ...Option) (*Server, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if repo == nil {
		return nil, errors.New("api: store is required")
	}
	if sched == nil {
		return nil, errors.New("api: scheduler is required")
	}
	if sessions == nil {
		return nil, errors.New("api: session manager is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	s := &Server{
		store:    repo,
		sched:    sched,
		sessions: sessions,
		composer: cfg.Composer,
		cache:    cfg.StatusCache,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// routes wires every endpoint onto a ServeMux. Method patterns let the mux
// reject mismatched methods with 405 and a correct Allow header.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /messages", s.scheduleMessageHandler)
	mux.HandleFunc("GET /messages", s.listMessagesHandler)
	mux.HandleFunc("GET /messages/{id}", s.getMessageHandler)
	mux.HandleFunc("DELETE /messages/{id}", s.cancelMessageHandler)

	mux.HandleFunc("GET /sessions/{userID}", s.getSessionHandler)
	mux.HandleFunc("DELETE /sessions/{userID}", s.revokeSessionHandler)

	mux.HandleFunc("GET /scheduler/status", s.schedulerStatusHandler)
	mux.HandleFunc("POST /scheduler/start", s.schedulerStartHandler)
	mux.HandleFunc("POST /scheduler/stop", s.schedulerStopHandler)

	mux.HandleFunc("GET /health", s.healthHandler)

	return loggingMiddleware(mux)
}

// statusRecorder captures the response code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs one line per handled request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// Handler returns the server's HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	slog.Info("Server.Run: SendPipe API listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server, waiting for active requests up
// to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: stopping API server")
	return s.httpServer.Shutdown(ctx)
}
