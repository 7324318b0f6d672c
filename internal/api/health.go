// =============================================================================
// HEALTH CHECK ENDPOINTS
// =============================================================================
//
//   GET /health      - Overall health with every check (backward compatible)
//   GET /healthz     - Liveness: is the process alive?
//   GET /readyz      - Readiness: has the node registered with the cluster?
//
// A node is READY once its startup registration finished. Readiness also
// fails while the node's live marker is missing, which is the case between
// a session expiry and the end of the reconnect that follows it:
//
//   start ──► register cores ──► SetReady(true) ──► /readyz 200
//                                      │
//                 session expired ─────┤ live marker gone ──► /readyz 503
//                 reconnected ─────────┘ live marker back ──► /readyz 200
//
// =============================================================================

package api

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"searchcoord/internal/cluster"
)

// =============================================================================
// HEALTH CHECK STATE
// =============================================================================

// HealthState tracks the node's health status for probes.
type HealthState struct {
	// ready is set once startup registration is complete.
	ready atomic.Bool

	// live is true unless a fatal error was recorded.
	live atomic.Bool

	startTime time.Time

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// HealthCheck is a function that checks a specific component's health.
type HealthCheck func(ctx context.Context) HealthCheckResult

// HealthCheckResult contains the result of a health check.
type HealthCheckResult struct {
	Status  string `json:"status"`            // "pass", "warn", "fail"
	Message string `json:"message,omitempty"` // Human-readable message
	Latency string `json:"latency,omitempty"` // Time taken for check
}

// NewHealthState creates a new health state tracker.
func NewHealthState() *HealthState {
	h := &HealthState{
		startTime: time.Now(),
		checks:    make(map[string]HealthCheck),
	}
	h.live.Store(true)
	return h
}

// SetReady marks the node as ready to receive traffic.
func (h *HealthState) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetLive marks the node as alive.
func (h *HealthState) SetLive(live bool) {
	h.live.Store(live)
}

// AddCheck registers a named health check.
func (h *HealthState) AddCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// IsReady returns whether the node is ready for traffic.
func (h *HealthState) IsReady() bool {
	return h.ready.Load()
}

// IsLive returns whether the node is alive.
func (h *HealthState) IsLive() bool {
	return h.live.Load()
}

// Uptime returns how long the node has been running.
func (h *HealthState) Uptime() time.Duration {
	return time.Since(h.startTime)
}

// =============================================================================
// HEALTH CHECK HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.runHealthChecks(r.Context())
	status, code := "ok", http.StatusOK
	for _, name := range sortedKeys(checks) {
		if checks[name].Status == "fail" {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"node_name": s.node.NodeName(),
		"ready":     s.health.IsReady(),
		"uptime":    s.health.Uptime().String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

// handleHealthz handles GET /healthz - liveness probe. It stays cheap and
// never touches the store: a store outage must not restart the node.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.health.IsLive() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "fail",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"uptime":    s.health.Uptime().String(),
			"message":   "node is not alive",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "pass",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    s.health.Uptime().String(),
	})
}

// handleReadyz handles GET /readyz - readiness probe.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !s.health.IsReady() {
		resp := map[string]interface{}{
			"status":    "fail",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"message":   "node has not finished registering",
		}
		if verbose {
			resp["checks"] = s.runHealthChecks(r.Context())
		}
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	live := s.checkLiveNode(r.Context())
	if live.Status == "fail" {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "fail",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"message":   live.Message,
		})
		return
	}

	resp := map[string]interface{}{
		"status":    "pass",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    s.health.Uptime().String(),
	}
	if verbose {
		resp["checks"] = s.runHealthChecks(r.Context())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// runHealthChecks executes the built-in and registered checks.
func (s *Server) runHealthChecks(ctx context.Context) map[string]HealthCheckResult {
	results := map[string]HealthCheckResult{
		"live_node":    s.checkLiveNode(ctx),
		"cluster_view": s.checkClusterView(),
	}

	s.health.mu.RLock()
	checks := make(map[string]HealthCheck, len(s.health.checks))
	for name, check := range s.health.checks {
		checks[name] = check
	}
	s.health.mu.RUnlock()

	for name, check := range checks {
		start := time.Now()
		result := check(ctx)
		result.Latency = time.Since(start).String()
		results[name] = result
	}
	return results
}

// checkLiveNode reads our live marker from the store, which proves both
// that the store answers and that our session registered us.
func (s *Server) checkLiveNode(ctx context.Context) HealthCheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	ok, err := s.node.Store().Exists(ctx, cluster.LiveNodePath(s.node.NodeName()))
	switch {
	case err != nil:
		return HealthCheckResult{Status: "fail", Message: "coordination store unreachable: " + err.Error(), Latency: time.Since(start).String()}
	case !ok:
		return HealthCheckResult{Status: "fail", Message: "live node not registered", Latency: time.Since(start).String()}
	}
	return HealthCheckResult{Status: "pass", Message: "registered as " + s.node.NodeName(), Latency: time.Since(start).String()}
}

// checkClusterView warns when the cached state does not list this node.
func (s *Server) checkClusterView() HealthCheckResult {
	start := time.Now()
	if !s.node.Reader().IsLive(s.node.NodeName()) {
		return HealthCheckResult{Status: "warn", Message: "cached cluster state does not list this node as live", Latency: time.Since(start).String()}
	}
	return HealthCheckResult{Status: "pass", Latency: time.Since(start).String()}
}

// =============================================================================
// VERSION & INFO ENDPOINT
// =============================================================================

// Version information (set at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	})
}
