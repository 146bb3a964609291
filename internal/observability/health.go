package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state for /healthz and /readyz.
// The service is ready once SetReady(true) was called and every registered
// dependency (postgres, nats, ...) reports healthy.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu         sync.RWMutex
	components map[string]bool
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime:  time.Now(),
		components: make(map[string]bool),
	}
}

// SetReady marks startup (recovery, stream setup) as finished.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetComponent records the health of a named dependency.
func (h *HealthChecker) SetComponent(name string, healthy bool) {
	h.mu.Lock()
	h.components[name] = healthy
	h.mu.Unlock()
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ok := range h.components {
		if !ok {
			return false
		}
	}
	return true
}

func (h *HealthChecker) componentStatus() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.components))
	for name := range h.components {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]string, len(names))
	for _, name := range names {
		if h.components[name] {
			out[name] = "ok"
		} else {
			out[name] = "down"
		}
	}
	return out
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 when ready, 503 otherwise, with the
// per-dependency status in the body.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status, code := "ready", http.StatusOK
	if !h.IsReady() {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     status,
		"components": h.componentStatus(),
	})
}
