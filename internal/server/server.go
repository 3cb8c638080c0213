// Package server hosts the HTTP surface: health probes, version, metrics,
// the task and terminal API and the terminal WebSocket endpoint.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/godispatch/internal/errors"
	"github.com/3leaps/godispatch/internal/observability"
	"github.com/3leaps/godispatch/internal/server/handlers"
	"github.com/3leaps/godispatch/internal/server/middleware"
)

// AdminTokenEnv enables POST /admin/signal when set.
const AdminTokenEnv = "GODISPATCH_ADMIN_TOKEN"

// Timeouts configures the underlying http.Server.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// DefaultTimeouts matches the server.* config defaults.
var DefaultTimeouts = Timeouts{
	Read:     30 * time.Second,
	Write:    30 * time.Second,
	Idle:     120 * time.Second,
	Shutdown: 10 * time.Second,
}

// Server is the HTTP server.
type Server struct {
	host     string
	port     int
	timeouts Timeouts
	router   chi.Router

	httpServer *http.Server

	shutdownOnce sync.Once
	shutdownReq  chan struct{}
}

// New creates a server with the core routes registered.
func New(host string, port int) *Server {
	s := &Server{
		host:        host,
		port:        port,
		timeouts:    DefaultTimeouts,
		router:      chi.NewRouter(),
		shutdownReq: make(chan struct{}),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// WithTimeouts replaces the http.Server timeouts. Zero fields keep their
// defaults.
func (s *Server) WithTimeouts(t Timeouts) *Server {
	if t.Read > 0 {
		s.timeouts.Read = t.Read
	}
	if t.Write > 0 {
		s.timeouts.Write = t.Write
	}
	if t.Idle > 0 {
		s.timeouts.Idle = t.Idle
	}
	if t.Shutdown > 0 {
		s.timeouts.Shutdown = t.Shutdown
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recovery)
	s.router.Use(middleware.AccessLog)
	s.router.Use(chimw.CleanPath)
}

func (s *Server) setupRoutes() {
	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewNotFoundError("route", r.URL.Path))
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewMethodNotAllowedError(r.Method, r.URL.Path))
	})

	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)
	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", handlers.MetricsHandler)

	s.registerAdminEndpoint()
}

// Mount registers the task and terminal API.
func (s *Server) Mount(api *handlers.API) {
	api.Routes(s.router)
}

// EnableProfiler mounts the pprof handlers under /debug.
func (s *Server) EnableProfiler() {
	s.router.Mount("/debug", chimw.Profiler())
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// ShutdownRequested is closed when an admin shutdown signal is received.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownReq
}

// Start serves until Shutdown is called. It returns nil after a graceful
// shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.timeouts.Read,
		ReadHeaderTimeout: s.timeouts.Read,
		WriteTimeout:      s.timeouts.Write,
		IdleTimeout:       s.timeouts.Idle,
	}

	observability.ServerLogger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Shutdown)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type signalRequest struct {
	Signal string `json:"signal"`
}

func (s *Server) registerAdminEndpoint() {
	token := strings.TrimSpace(os.Getenv(AdminTokenEnv))
	if token == "" {
		return
	}

	s.router.Post("/admin/signal", func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			apperrors.RespondWithError(w, r, &apperrors.AppError{
				Code:    "UNAUTHORIZED",
				Status:  http.StatusUnauthorized,
				Message: "invalid admin token",
			})
			return
		}

		var req signalRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			apperrors.RespondWithError(w, r, apperrors.NewValidationError("invalid JSON body", nil))
			return
		}
		switch strings.ToLower(req.Signal) {
		case "shutdown", "term", "sigterm":
			observability.ServerLogger.Warn("Shutdown requested via admin endpoint")
			s.shutdownOnce.Do(func() { close(s.shutdownReq) })
			w.WriteHeader(http.StatusAccepted)
		default:
			apperrors.RespondWithError(w, r, apperrors.NewValidationError("unsupported signal",
				map[string]any{"signal": req.Signal}))
		}
	})
}
