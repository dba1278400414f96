// Package api serves a read-mostly status view of the environments a
// controller manages: health, metrics, lifecycle records and worker output.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/seantiz/tarn/internal/logbroker"
	"github.com/seantiz/tarn/internal/manager"
	"github.com/seantiz/tarn/internal/model"
	"github.com/seantiz/tarn/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// ErrNotLoopback is returned by Run when the address is not a loopback
// address.
var ErrNotLoopback = errors.New("status api must bind to a loopback address")

// Controller is the part of the environment manager the API drives.
type Controller interface {
	Environments() []model.Environment
	Exit(ctx context.Context, name string) error
}

var _ Controller = (*manager.Manager)(nil)

// Server wraps the chi router and application dependencies.
type Server struct {
	router     *chi.Mux
	controller Controller
	store      store.Store
	broker     *logbroker.Broker
	logger     *slog.Logger
	addr       string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, c Controller, s store.Store, b *logbroker.Broker, logger *slog.Logger) *Server {
	srv := &Server{
		router:     chi.NewRouter(),
		controller: c,
		store:      s,
		broker:     b,
		logger:     logger,
		addr:       addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/v1/environments", func(r chi.Router) {
		r.Get("/", s.handleListEnvironments)
		r.Get("/{name}", s.handleGetEnvironment)
		r.Get("/{name}/events", s.handleListEvents)
		r.Get("/{name}/logs", s.handleStreamLogs)
		r.Get("/{name}/logs/history", s.handleGetLogHistory)
		r.Delete("/{name}", s.handleExitEnvironment)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := checkLoopback(s.addr); err != nil {
		return err
	}

	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	httpServer := &http.Server{
		Handler:           otelhttp.NewHandler(s.router, "tarn.status"),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status api listening", "addr", l.Addr().String())
		if err := httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down status api")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("status api stopped")
	return nil
}

// checkLoopback rejects addresses whose host is not a loopback IP or
// "localhost".
func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("parse address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%w: %q", ErrNotLoopback, addr)
	}
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

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
