// Package server exposes the HTTP surface of dx: a placeholder root route and
// a health route backed by the database pool.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kinto-dx/dx/internal/config"
	"github.com/kinto-dx/dx/internal/database/pool"
	"github.com/kinto-dx/dx/internal/logger"
)

const healthCheckTimeout = 5 * time.Second

// Database is the part of the pool the HTTP layer depends on.
type Database interface {
	Ping(ctx context.Context) error
	Stats() pool.Stats
}

// NewRouter builds the routing table.
func NewRouter(db Database, log *logger.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"service": "dx",
			"status":  "running",
		})
	})
	r.Get("/healthz", healthHandler(db, log))
	return r
}

type healthResponse struct {
	Status   string     `json:"status"`
	Error    string     `json:"error,omitempty"`
	Database pool.Stats `json:"database"`
}

func healthHandler(db Database, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			log.WarnWith("health check failed", map[string]interface{}{
				"request_id": middleware.GetReqID(r.Context()),
				"error":      err.Error(),
			})
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{
				Status:   "unavailable",
				Error:    err.Error(),
				Database: db.Stats(),
			})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: db.Stats()})
	}
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			log.DebugWith("request", map[string]interface{}{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"remote":     r.RemoteAddr,
				"duration":   time.Since(start).String(),
			})
		})
	}
}

// Server owns the listening HTTP server.
type Server struct {
	http *http.Server
	log  *logger.Logger
}

func New(cfg config.ServerConfig, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout.Duration(),
			WriteTimeout: cfg.WriteTimeout.Duration(),
		},
		log: log,
	}
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.InfoWith("http server listening", map[string]interface{}{"addr": ln.Addr().String()})
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds the configured address and serves on it.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http server")
	return s.http.Shutdown(ctx)
}
