// Package web provides the HTTP ops API of the sales pipeline: on-demand
// runs, the last run report, run metadata, store history, daily summaries,
// health and Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/JonMunkholm/salesetl/internal/config"
	"github.com/JonMunkholm/salesetl/internal/core"
	"github.com/JonMunkholm/salesetl/internal/pipeline"
	"github.com/JonMunkholm/salesetl/internal/web/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Pipeline is the part of the orchestrator the API drives.
type Pipeline interface {
	Run(ctx context.Context) (*pipeline.Report, error)
	LastReport() *pipeline.Report
	Metadata(ctx context.Context) (core.RunMetadata, error)
	Guard() *pipeline.RunGuard
}

// Warehouse is the read side of the warehouse used by the API.
type Warehouse interface {
	StoreHistory(ctx context.Context, storeID string) ([]core.DimensionRecord, error)
	Summaries(ctx context.Context) (core.Summaries, error)
	DailySales(ctx context.Context, from, to time.Time) ([]core.DailySales, error)
	FactCount(ctx context.Context) (int64, error)
}

// Pinger reports database reachability. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server for the ops API.
type Server struct {
	pipeline  Pipeline
	warehouse Warehouse
	db        Pinger
	metrics   http.Handler
	security  config.SecurityConfig

	// baseCtx parents on-demand runs, so a run outlives the request that
	// triggered it but not the process.
	baseCtx context.Context
	started time.Time

	router *chi.Mux
	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithDatabase adds a database check to /healthz.
func WithDatabase(db Pinger) Option {
	return func(s *Server) { s.db = db }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithSecurity enables API key auth and trusted proxy handling.
func WithSecurity(cfg config.SecurityConfig) Option {
	return func(s *Server) { s.security = cfg }
}

// WithBaseContext sets the context on-demand runs derive from.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.baseCtx = ctx }
}

// NewServer creates a new Server instance.
func NewServer(p Pipeline, wh Warehouse, opts ...Option) *Server {
	s := &Server{
		pipeline:  p,
		warehouse: wh,
		baseCtx:   context.Background(),
		started:   time.Now(),
		router:    chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)

	s.router.Use(securityHeaders)

	// Rate limiting: 100 requests per minute per IP
	limiter := newRateLimiter(100, time.Minute)
	s.router.Use(limiter.middleware)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(&s.security))

		// A run can outlast any sensible request timeout.
		r.Post("/runs", s.handleTriggerRun)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(30 * time.Second))

			r.Get("/runs/last", s.handleLastRun)
			r.Get("/runs/status", s.handleRunStatus)
			r.Get("/metadata", s.handleMetadata)
			r.Get("/stores/{storeID}/history", s.handleStoreHistory)
			r.Get("/summaries", s.handleSummaries)
			r.Get("/summaries/daily", s.handleDailySales)
		})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start(cfg config.ServerConfig) error {
	s.server = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     s.router,
		ReadTimeout: cfg.ReadTimeout,
		// Disabled: POST /api/runs answers when the run finishes.
		WriteTimeout: 0,
		IdleTimeout:  cfg.IdleTimeout,
	}

	slog.Info("starting ops server", "addr", cfg.Addr())
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// rateLimiter implements a simple fixed-window limiter per IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests per window
	window   time.Duration // time window
	now      func() time.Time
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

// newRateLimiter creates a rate limiter with the specified rate per window.
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		now:      time.Now,
	}
}

// allow checks if the request should be allowed and consumes a token if so.
// Stale visitors are dropped on the way so the map stays bounded.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if len(rl.visitors) > 1024 {
		for k, v := range rl.visitors {
			if now.Sub(v.lastReset) > rl.window*2 {
				delete(rl.visitors, k)
			}
		}
	}

	v, exists := rl.visitors[ip]
	if !exists || now.Sub(v.lastReset) > rl.window {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastReset: now}
		return true
	}
	if v.tokens <= 0 {
		return false
	}
	v.tokens--
	return true
}

// middleware returns an HTTP middleware that rate limits by client IP.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(middleware.ClientIP(r)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
