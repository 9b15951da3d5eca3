// Package server is the inbound HTTP surface: JSON-RPC ingress, auth,
// and the health/readiness/status adapters over the core's status view.
package server

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/O-tero/rpcproxy/backend"
	"github.com/O-tero/rpcproxy/cache"
	"github.com/O-tero/rpcproxy/pkg/middleware"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 8 << 20

// Server routes inbound traffic to the driver and the status adapters.
type Server struct {
	driver   *Driver
	registry *backend.Registry
	cache    *cache.Cache
	token    string // empty = open access
	log      *zap.Logger
}

// New assembles the HTTP surface.
func New(driver *Driver, registry *backend.Registry, c *cache.Cache, token string, log *zap.Logger) *Server {
	return &Server{
		driver:   driver,
		registry: registry,
		cache:    c,
		token:    token,
		log:      log,
	}
}

// Handler returns the fully wired handler: routes plus request logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readiness", s.handleReadiness).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", s.protect(promhttp.Handler())).Methods(http.MethodGet)
	r.HandleFunc("/{token}", s.handleRPCPath).Methods(http.MethodPost)

	return middleware.RequestLogger(s.log, r)
}

// handleRPC serves POST / with bearer auth when a token is configured.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !middleware.BearerAuthorized(r, s.token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.serveRPC(w, r)
}

// handleRPCPath serves POST /<token>, the path-segment auth variant. When
// no token is configured the path answers 404.
func (s *Server) handleRPCPath(w http.ResponseWriter, r *http.Request) {
	if s.token == "" {
		http.NotFound(w, r)
		return
	}
	if !middleware.TokenMatches(mux.Vars(r)["token"], s.token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.serveRPC(w, r)
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	reply := s.driver.Handle(r.Context(), body)
	if reply == nil {
		// All notifications: nothing is owed.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(reply)
}

// handleHealth is the unauthenticated liveness check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.registry.Healthy() {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

// protect wraps a handler with bearer auth when a token is configured.
func (s *Server) protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !middleware.BearerAuthorized(r, s.token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
