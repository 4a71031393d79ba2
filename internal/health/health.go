package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-bridge/internal/telemetry"
	"github.com/selivandex/telemetry-bridge/pkg/logger"
)

// Checker probes one dependency
type Checker = func(ctx context.Context) error

// Source feeds the server the checks and buffer sizes to report
type Source interface {
	HealthChecks() map[string]Checker
	Pending() map[string]int
}

// Server provides health check HTTP endpoints for K8s
type Server struct {
	server       *http.Server
	source       Source
	checkTimeout time.Duration
	ready        bool
	readyMu      sync.RWMutex
	startTime    time.Time
}

// HealthStatus represents system health
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ReadinessStatus represents system readiness
type ReadinessStatus struct {
	Ready     bool              `json:"ready"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Pending   map[string]int    `json:"pending"`
}

// NewServer creates new health check server
func NewServer(addr string, source Source) *Server {
	mux := http.NewServeMux()

	s := &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		source:       source,
		checkTimeout: 3 * time.Second,
		startTime:    time.Now(),
	}

	// Health endpoints for K8s probes only
	mux.HandleFunc("/health", s.handleHealth)    // Liveness probe
	mux.HandleFunc("/ready", s.handleReadiness)  // Readiness probe
	mux.HandleFunc("/healthz", s.handleHealth)   // Alias
	mux.HandleFunc("/readyz", s.handleReadiness) // Alias
	mux.HandleFunc("/metrics", s.handleMetrics)

	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the health check server
func (s *Server) Start() error {
	logger.Info("health check server starting",
		zap.String("addr", s.server.Addr),
	)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("stopping health check server...")
	return s.server.Shutdown(ctx)
}

// SetReady marks the service as ready
func (s *Server) SetReady(ready bool) {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	s.ready = ready

	if ready {
		logger.Info("✅ service marked as READY")
	} else {
		logger.Warn("⚠️ service marked as NOT READY")
	}
}

// runChecks probes every sink concurrently with a shared deadline
func (s *Server) runChecks(ctx context.Context) (map[string]string, bool) {
	checks := s.source.HealthChecks()
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, s.checkTimeout)
	defer cancel()

	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, check Checker) {
			defer wg.Done()
			errs[i] = check(ctx)
		}(i, checks[name])
	}
	wg.Wait()

	out := make(map[string]string, len(names))
	allHealthy := true
	for i, name := range names {
		if errs[i] != nil {
			out[name] = "unhealthy: " + errs[i].Error()
			allHealthy = false
		} else {
			out[name] = "healthy"
		}
	}
	return out, allHealthy
}

// handleHealth handles liveness probe - /health
// Returns 200 if process is alive (even if sinks are down)
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}

	if r.URL.Query().Get("verbose") == "true" {
		status.Checks, _ = s.runChecks(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// handleReadiness handles readiness probe - /ready
// Returns 200 only once startup completed and every sink is healthy
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.readyMu.RLock()
	ready := s.ready
	s.readyMu.RUnlock()

	checks, allHealthy := s.runChecks(r.Context())
	isReady := ready && allHealthy

	status := ReadinessStatus{
		Ready:     isReady,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Pending:   s.source.Pending(),
	}

	w.Header().Set("Content-Type", "application/json")

	if isReady {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}

// handleMetrics dumps the bridge's own in-memory metrics - /metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	summary, err := telemetry.Default().Inmem().DisplayMetrics(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(summary)
}
