package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/labrun/internal/bridge"
	"github.com/seantiz/labrun/internal/plan"
	"github.com/seantiz/labrun/internal/store"
	"github.com/seantiz/labrun/internal/worker"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithPauseDefer sets the defer flag used when a pause request omits it.
func WithPauseDefer(deferred bool) Option {
	return func(s *Server) { s.pauseDefer = deferred }
}

// WithRelay sets the buffer size and drop wait of event stream relays.
func WithRelay(buffer int, dropAfter time.Duration) Option {
	return func(s *Server) {
		s.relayBuffer = buffer
		s.dropAfter = dropAfter
	}
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	worker   *worker.Worker
	registry *plan.Registry
	store    store.Store
	logger   *slog.Logger
	addr     string

	pauseDefer  bool
	relayBuffer int
	dropAfter   time.Duration
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, w *worker.Worker, reg *plan.Registry, s store.Store, logger *slog.Logger, opts ...Option) *Server {
	srv := &Server{
		router:      chi.NewRouter(),
		worker:      w,
		registry:    reg,
		store:       s,
		logger:      logger,
		addr:        addr,
		relayBuffer: bridge.DefaultRelayBuffer,
		dropAfter:   bridge.DefaultDropAfter,
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Location"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/plans", s.handleListPlans)
	s.router.Get("/plans/{name}", s.handleGetPlan)
	s.router.Get("/stats", s.handleGetStats)
	s.router.Get("/events", s.handleStreamEvents)

	s.router.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Delete("/{id}", s.handleDeleteTask)
	})

	s.router.Route("/worker", func(r chi.Router) {
		r.Get("/task", s.handleGetActiveTask)
		r.Get("/state", s.handleGetWorkerState)
		r.Put("/state", s.handleSetWorkerState)
		r.Post("/clear", s.handleClearError)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
