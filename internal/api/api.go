// Package api exposes a lightweight HTTP API for external integrations.
//
// Endpoints
//
//	POST /api/health/run      Trigger an immediate health-check pass.
//	GET  /api/pool            List all proxies and their current state.
//	GET  /api/cache/stats     Return cache tier hit/miss/eviction counters.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/drsoft-oss/proxyrotator/internal/pool"
	"github.com/drsoft-oss/proxyrotator/internal/proxytypes"
	"github.com/drsoft-oss/proxyrotator/internal/rotator"
)

// Server is the API HTTP server.
type Server struct {
	pool   *pool.Pool
	rot    *rotator.Rotator
	log    *zap.Logger
	server *http.Server
}

// New creates and configures the API server.
func New(addr string, p *pool.Pool, r *rotator.Rotator, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{pool: p, rot: r, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health/run", s.handleHealthRun)
	mux.HandleFunc("/api/pool", s.handlePool)
	mux.HandleFunc("/api/cache/stats", s.handleCacheStats)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop shuts down the server gracefully.
func (s *Server) Stop() error {
	return s.server.Close()
}

// -----------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------

// ProxyInfo is a serialisable snapshot of a single proxy's state.
type ProxyInfo struct {
	ID             string  `json:"id"`
	Address        string  `json:"address"`
	Scheme         string  `json:"scheme"`
	HealthStatus   string  `json:"health_status"`
	InFlight       int64   `json:"in_flight"`
	TotalRequests  int64   `json:"total_requests"`
	TotalSuccesses int64   `json:"total_successes"`
	TotalFailures  int64   `json:"total_failures"`
	EMALatencyMs   float64 `json:"ema_latency_ms"`
	LastError      string  `json:"last_error,omitempty"`
}

// -----------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------

// handleHealthRun triggers an immediate, synchronous health-check pass
// over the whole pool, bypassing the interval ticker.
//
//	POST /api/health/run
func (s *Server) handleHealthRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.rot.RunHealthCheckNow(r.Context())
	s.log.Info("manual health-check pass triggered")
	jsonOK(w, map[string]any{"ok": true})
}

// handlePool returns the full proxy pool state.
//
//	GET /api/pool
func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	proxies := s.pool.All()
	infos := make([]ProxyInfo, 0, len(proxies))
	for _, px := range proxies {
		infos = append(infos, proxyToInfo(px))
	}
	jsonOK(w, infos)
}

// handleCacheStats returns the cache manager's hit/miss/eviction counters.
//
//	GET /api/cache/stats
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jsonOK(w, s.rot.Cache().GetStatistics(r.Context()))
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func proxyToInfo(px *proxytypes.Proxy) ProxyInfo {
	ema, _ := px.EMAResponseTimeMs()
	return ProxyInfo{
		ID:             px.ID.String(),
		Address:        px.String(),
		Scheme:         schemeOf(px),
		HealthStatus:   string(px.HealthStatus()),
		InFlight:       px.InFlight.Load(),
		TotalRequests:  px.TotalRequests.Load(),
		TotalSuccesses: px.TotalSuccesses.Load(),
		TotalFailures:  px.TotalFailures.Load(),
		EMALatencyMs:   ema,
		LastError:      px.LastError(),
	}
}

func schemeOf(px *proxytypes.Proxy) string {
	if px.URL == nil {
		return ""
	}
	return px.URL.Scheme
}
