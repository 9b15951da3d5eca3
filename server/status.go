// Status and readiness views: read-only snapshots combining registry
// state with cache metrics.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/O-tero/rpcproxy/backend"
	"github.com/O-tero/rpcproxy/pkg/middleware"
)

// StatusResponse is the GET /status body.
type StatusResponse struct {
	HealthyBackends int              `json:"healthy_backends"`
	TotalBackends   int              `json:"total_backends"`
	CacheEntries    int              `json:"cache_entries"`
	CacheHits       int64            `json:"cache_hits"`
	CacheMisses     int64            `json:"cache_misses"`
	Backends        []backend.Status `json:"backends"`
}

// ReadinessResponse is the GET /readiness body.
type ReadinessResponse struct {
	Status          string `json:"status"`
	HealthyBackends int    `json:"healthy_backends"`
	TotalBackends   int    `json:"total_backends"`
}

func (s *Server) buildStatus() StatusResponse {
	hits, misses, _ := s.cache.Stats()
	return StatusResponse{
		HealthyBackends: s.registry.HealthyCount(),
		TotalBackends:   s.registry.Len(),
		CacheEntries:    s.cache.Len(),
		CacheHits:       hits,
		CacheMisses:     misses,
		Backends:        s.registry.Snapshot(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !middleware.BearerAuthorized(r, s.token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, s.buildStatus())
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !middleware.BearerAuthorized(r, s.token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	resp := ReadinessResponse{
		Status:          "ready",
		HealthyBackends: s.registry.HealthyCount(),
		TotalBackends:   s.registry.Len(),
	}
	code := http.StatusOK
	if !s.registry.Healthy() {
		resp.Status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
