// Package server wires the HTTP surface: the token download endpoint and the
// health check.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/viddrop/viddrop/internal/file"
	"github.com/viddrop/viddrop/internal/httputil"
	"github.com/viddrop/viddrop/internal/ratelimit"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Pinger      Pinger
	FileHandler *file.Handler
	KeyPresent  bool
	BaseURL     string
}

type Server struct {
	router      chi.Router
	pinger      Pinger
	fileHandler *file.Handler
	keyPresent  bool
}

func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders(cfg.BaseURL))

	s := &Server{
		router:      r,
		pinger:      cfg.Pinger,
		fileHandler: cfg.FileHandler,
		keyPresent:  cfg.KeyPresent,
	}

	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)

	if s.fileHandler != nil {
		downloadLimiter := ratelimit.NewLimiter(2, 10)
		s.router.Group(func(r chi.Router) {
			r.Use(downloadLimiter.Middleware)
			r.Get("/api/download/{token}", s.fileHandler.Download)
			// Bare path kept for links issued before the /api prefix.
			r.Get("/download/{token}", s.fileHandler.Download)
		})
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleHealth reports the two preconditions the service needs: a reachable
// record store and a configured link key.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Checks: map[string]string{
			"database":       "connected",
			"encryption_key": "configured",
		},
	}

	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Checks["database"] = "unreachable"
		}
	}
	if !s.keyPresent {
		resp.Status = "unhealthy"
		resp.Checks["encryption_key"] = "missing"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}
