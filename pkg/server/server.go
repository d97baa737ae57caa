// Package server provides the HTTP REST API for SuplementDB.
// It fronts the resolution pipeline (through the compatibility shim),
// the admin record operations, and the discovery queue.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/latisnere77/SuplementIA-sub012/pkg/compat"
	"github.com/latisnere77/SuplementIA-sub012/pkg/discovery"
	"github.com/latisnere77/SuplementIA-sub012/pkg/index"
	"github.com/latisnere77/SuplementIA-sub012/pkg/resolver"
	"github.com/latisnere77/SuplementIA-sub012/pkg/supplement"
)

// Errors for HTTP operations.
var (
	ErrServerClosed     = fmt.Errorf("server closed")
	ErrBadRequest       = fmt.Errorf("bad request")
	ErrNotFound         = fmt.Errorf("not found")
	ErrMethodNotAllowed = fmt.Errorf("method not allowed")
	ErrInternalError    = fmt.Errorf("internal server error")
)

// Config holds HTTP server configuration.
type Config struct {
	// Address to bind to (default: "0.0.0.0")
	Address string
	// Port to listen on (default: 8470)
	Port int
	// ReadTimeout for requests
	ReadTimeout time.Duration
	// WriteTimeout for responses
	WriteTimeout time.Duration
	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration
	// MaxRequestSize in bytes (default: 1MB)
	MaxRequestSize int64
	// EnableCORS for cross-origin requests
	EnableCORS bool
	// CORSOrigins allowed (default: "*")
	CORSOrigins []string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:        "0.0.0.0",
		Port:           8470,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxRequestSize: 1 * 1024 * 1024, // 1MB
		EnableCORS:     true,
		CORSOrigins:    []string{"*"},
	}
}

// Deps are the pipeline components the server exposes.
type Deps struct {
	// Shim serves GET /search with legacy fallback
	Shim *compat.Shim
	// Resolver serves the admin record and invalidation endpoints
	Resolver *resolver.Resolver
	// Store for status counts
	Store *index.Store
	// Queue for discovery inspection. Optional.
	Queue *discovery.Queue
	// Worker for discovery processing stats. Optional.
	Worker *discovery.Worker
}

// Server is the HTTP API server for SuplementDB.
type Server struct {
	config *Config
	deps   Deps

	httpServer *http.Server
	listener   net.Listener

	closed  atomic.Bool
	started time.Time

	// Metrics
	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// New creates a new HTTP server.
func New(deps Deps, config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if deps.Shim == nil || deps.Resolver == nil || deps.Store == nil {
		return nil, fmt.Errorf("shim, resolver and store required")
	}

	return &Server{
		config: config,
		deps:   deps,
	}, nil
}

// Start begins listening for HTTP connections.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.started = time.Now()

	s.httpServer = &http.Server{
		Handler:      s.buildRouter(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			fmt.Printf("HTTP server error: %v\n", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Uptime:         time.Since(s.started),
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
	}
}

// ServerStats holds server metrics.
type ServerStats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
}

// =============================================================================
// Router Setup
// =============================================================================

func (s *Server) buildRouter() http.Handler {
	mux := http.NewServeMux()

	// Query path
	mux.HandleFunc("/search", s.handleSearch)

	// Record management
	mux.HandleFunc("/supplements", s.handleSupplements)
	mux.HandleFunc("/supplements/", s.handleSupplementByID)

	// Cache invalidation
	mux.HandleFunc("/invalidate", s.handleInvalidate)

	// Discovery inspection
	mux.HandleFunc("/discovery/stats", s.handleDiscoveryStats)
	mux.HandleFunc("/discovery/items/", s.handleDiscoveryItem)

	// Health/status
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	// Wrap with middleware
	handler := s.corsMiddleware(mux)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	handler = s.metricsMiddleware(handler)

	return handler
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.EnableCORS {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}

			allowed := false
			for _, o := range s.config.CORSOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			// Handle preflight
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Log request (skip health checks for noise reduction)
		if r.URL.Path != "/health" {
			duration := time.Since(start)
			fmt.Printf("[HTTP] %s %s %d %v\n", r.Method, r.URL.Path, wrapped.status, duration)
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				fmt.Printf("PANIC: %v\n%s\n", err, buf[:n])

				s.errorCount.Add(1)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)

		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Query Endpoint
// =============================================================================

// handleSearch serves GET /search?q=...&min_similarity=...&limit=...
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	query := r.URL.Query().Get("q")
	opts := resolver.Options{
		MinSimilarity: parseFloatQuery(r, "min_similarity", 0),
		Limit:         parseIntQuery(r, "limit", 0),
	}

	resp, err := s.deps.Shim.Search(r.Context(), query, opts)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Record Endpoints
// =============================================================================

// handleSupplements serves POST /supplements
func (s *Server) handleSupplements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var in supplement.Input
	if err := s.readJSON(r, &in); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.deps.Resolver.Insert(r.Context(), &in)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, rec)
}

// handleSupplementByID serves GET/PATCH/DELETE /supplements/{id}
func (s *Server) handleSupplementByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/supplements/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := s.deps.Store.Get(r.Context(), id)
		if err != nil {
			s.writeResolveError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, rec)

	case http.MethodPatch:
		var in supplement.Input
		if err := s.readJSON(r, &in); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		rec, err := s.deps.Resolver.Update(r.Context(), id, &in)
		if err != nil {
			s.writeResolveError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, rec)

	case http.MethodDelete:
		if err := s.deps.Store.Delete(r.Context(), id); err != nil {
			s.writeResolveError(w, err)
			return
		}
		if err := s.deps.Resolver.InvalidateRecord(r.Context(), id); err != nil {
			s.writeResolveError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "GET, PATCH or DELETE required")
	}
}

// =============================================================================
// Invalidation Endpoint
// =============================================================================

// InvalidateRequest asks for cache invalidation by query or record ID.
type InvalidateRequest struct {
	Query    string `json:"query,omitempty"`
	RecordID string `json:"record_id,omitempty"`
}

// handleInvalidate serves POST /invalidate
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req InvalidateRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case req.Query != "":
		if err := s.deps.Resolver.InvalidateQuery(r.Context(), req.Query); err != nil {
			s.writeResolveError(w, err)
			return
		}
	case req.RecordID != "":
		if err := s.deps.Resolver.InvalidateRecord(r.Context(), req.RecordID); err != nil {
			s.writeResolveError(w, err)
			return
		}
	default:
		s.writeError(w, http.StatusBadRequest, "query or record_id required")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// =============================================================================
// Discovery Endpoints
// =============================================================================

// handleDiscoveryStats serves GET /discovery/stats
func (s *Server) handleDiscoveryStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	if s.deps.Queue == nil {
		s.writeError(w, http.StatusServiceUnavailable, "discovery not configured")
		return
	}

	queueStats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "queue stats unavailable")
		return
	}

	response := map[string]interface{}{
		"queue": queueStats,
	}
	if s.deps.Worker != nil {
		response["worker"] = s.deps.Worker.Stats()
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleDiscoveryItem serves GET /discovery/items/{id} for operational
// inspection of a query's discovery state.
func (s *Server) handleDiscoveryItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	if s.deps.Queue == nil {
		s.writeError(w, http.StatusServiceUnavailable, "discovery not configured")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/discovery/items/")
	item, err := s.deps.Queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, discovery.ErrItemNotFound) {
			s.writeError(w, http.StatusNotFound, "item not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, item)
}

// =============================================================================
// Health/Status Endpoints
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.Stats()
	response := map[string]interface{}{
		"status":          "online",
		"uptime_seconds":  int64(stats.Uptime.Seconds()),
		"request_count":   stats.RequestCount,
		"error_count":     stats.ErrorCount,
		"active_requests": stats.ActiveRequests,
		"record_count":    s.deps.Store.Count(),
		"dimensions":      s.deps.Store.Dimensions(),
		"memory_mb":       getMemoryUsageMB(),
	}
	s.writeJSON(w, http.StatusOK, response)
}

// =============================================================================
// Helper Functions
// =============================================================================

// writeResolveError maps pipeline errors to HTTP status codes. Raw
// internal error text is never echoed; only sentinel classifications.
func (s *Server) writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resolver.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, "invalid input")
	case errors.Is(err, resolver.ErrNotYetKnown):
		s.writeErrorDetail(w, http.StatusNotFound, "not yet known", "queued for discovery")
	case errors.Is(err, resolver.ErrValidationRejected):
		s.writeError(w, http.StatusUnprocessableEntity, "rejected by evidence validation")
	case errors.Is(err, resolver.ErrUpstreamUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "upstream unavailable")
	case errors.Is(err, index.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, index.ErrDuplicateName):
		s.writeError(w, http.StatusConflict, "duplicate name")
	case errors.Is(err, index.ErrDimensionMismatch):
		s.writeError(w, http.StatusBadRequest, "vector dimension mismatch")
	default:
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultVal
	}
	var val int
	fmt.Sscanf(valStr, "%d", &val)
	if val <= 0 {
		return defaultVal
	}
	return val
}

func parseFloatQuery(r *http.Request, key string, defaultVal float64) float64 {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultVal
	}
	var val float64
	fmt.Sscanf(valStr, "%f", &val)
	if val <= 0 {
		return defaultVal
	}
	return val
}

func getMemoryUsageMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Alloc) / 1024 / 1024
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// JSON helpers

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	// Limit body size
	body := io.LimitReader(r.Body, s.config.MaxRequestSize)
	return json.NewDecoder(body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeErrorDetail(w, status, message, "")
}

func (s *Server) writeErrorDetail(w http.ResponseWriter, status int, message, detail string) {
	s.errorCount.Add(1)

	response := map[string]interface{}{
		"error":   true,
		"message": message,
		"code":    status,
	}
	if detail != "" {
		response["detail"] = detail
	}

	s.writeJSON(w, status, response)
}
