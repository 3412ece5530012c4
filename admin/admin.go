// Package admin exposes the orchestration core over a small REST API: the
// module table, lifecycle actions, shutdown requests, event history and
// Prometheus metrics.
//
// Routes:
//
//	GET  /api/modules                   module table
//	GET  /api/modules/{name}            one module
//	POST /api/modules/{name}/{action}   enable, disable, restart, load, unload, reload, reset
//	POST /api/shutdown                  request a full shutdown
//	GET  /api/events?type=&source=&limit=  event history as CloudEvents
//	GET  /api/order                     load and shutdown order
//	GET  /api/services                  registered services
//	GET  /api/stats                     event bus counters
//	GET  /api/schedules                 cron entries, when a scheduler is attached
//	GET  /api/health                    health report, 503 when not ready
//	GET  /metrics                       Prometheus exposition, when enabled
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoCodeAlone/modcore"
	"github.com/GoCodeAlone/modcore/eventbus"
	"github.com/GoCodeAlone/modcore/health"
	"github.com/GoCodeAlone/modcore/scheduler"
)

// DefaultShutdownReason is recorded when a shutdown request carries no
// reason.
const DefaultShutdownReason = "admin request"

var (
	ErrAlreadyStarted = errors.New("admin: server already started")
	ErrAddressEmpty   = errors.New("admin: listen address cannot be empty")
)

// Backend is the part of *modcore.Server the API drives.
type Backend interface {
	Modules() []modcore.ModuleView
	Module(name string) (modcore.ModuleView, bool)
	Execute(ctx context.Context, action modcore.Action, name string) modcore.ActionResult
	RequestShutdown(reason string)
	LoadOrder() []string
	ShutdownOrder() []string
	Services() []modcore.ServiceEntry
	Bus() *eventbus.Bus
}

// ScheduleLister is implemented by *scheduler.Scheduler.
type ScheduleLister interface {
	Entries() []scheduler.Entry
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and lifecycle logger.
func WithLogger(logger modcore.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithSchedules serves the scheduler entries at /api/schedules.
func WithSchedules(l ScheduleLister) Option {
	return func(s *Server) {
		s.schedules = l
	}
}

// WithHealth serves the aggregated health report at /api/health.
func WithHealth(a *health.Aggregator) Option {
	return func(s *Server) {
		s.health = a
	}
}

// WithReadTimeout sets the HTTP server read and write timeouts.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.timeout = d
	}
}

// Server is the admin HTTP boundary. It implements modcore.Service so it
// can be attached to a modcore.Server.
type Server struct {
	addr      string
	backend   Backend
	logger    modcore.Logger
	metrics   http.Handler
	schedules ScheduleLister
	health    *health.Aggregator
	timeout   time.Duration
	router    chi.Router

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

var _ modcore.Service = (*Server)(nil)

// New creates an admin server listening on addr once started.
func New(addr string, backend Backend, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		backend: backend,
		logger:  nopLogger{},
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the bound address while started, or the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return ErrAlreadyStarted
	}
	if s.addr == "" {
		return ErrAddressEmpty
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin: listening on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.timeout,
		ReadTimeout:       s.timeout,
		WriteTimeout:      s.timeout,
	}
	s.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server failed", "error", err)
		}
	}(s.srv, s.done)

	s.logger.Info("Admin server listening", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts the HTTP server down. Stopping a server that is
// not running is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.listener = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("Stopping admin server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin: shutting down: %w", err)
	}
	<-done
	return nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/modules", s.listModules)
		r.Get("/modules/{name}", s.getModule)
		r.Post("/modules/{name}/{action}", s.executeAction)
		r.Post("/shutdown", s.requestShutdown)
		r.Get("/events", s.listEvents)
		r.Get("/order", s.getOrder)
		r.Get("/services", s.listServices)
		r.Get("/stats", s.getStats)
		if s.schedules != nil {
			r.Get("/schedules", s.listSchedules)
		}
		if s.health != nil {
			r.Get("/health", s.getHealth)
		}
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestId", middleware.GetReqID(r.Context()))
	})
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
