package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
)

// deepCheckTimeout bounds each dependency probe in a deep readiness check.
const deepCheckTimeout = 2 * time.Second

// Pinger is implemented by any dependency that can report connectivity,
// such as the Redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker serves the startup, liveness, and readiness probes.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu     sync.RWMutex
	checks map[string]Pinger
}

// NewHealthChecker returns a checker that is neither started nor ready.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]Pinger)}
}

func (h *HealthChecker) SetStarted()     { h.started.Store(true) }
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }
func (h *HealthChecker) SetReady()       { h.ready.Store(true) }
func (h *HealthChecker) SetNotReady()    { h.ready.Store(false) }
func (h *HealthChecker) IsReady() bool   { return h.ready.Load() }

// SetCheck registers a named dependency probed by /readyz?deep=true.
// A nil Pinger removes the check.
func (h *HealthChecker) SetCheck(name string, p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p == nil {
		delete(h.checks, name)
		return
	}
	h.checks[name] = p
}

// StartzHandler returns 200 once startup has completed, 503 before.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if h.IsStarted() {
			writeProbe(w, http.StatusOK, jsonStarted)
			return
		}
		writeProbe(w, http.StatusServiceUnavailable, jsonNotStarted)
	}
}

// HealthzHandler returns 200 while the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, jsonAlive)
	}
}

// ReadyzHandler returns 200 when ready and 503 while draining. With
// ?deep=true every registered dependency is pinged and any failure turns the
// answer into 503 with a per-dependency breakdown.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeProbe(w, http.StatusServiceUnavailable, jsonNotReady)
			return
		}
		if r.URL.Query().Get("deep") != "true" {
			writeProbe(w, http.StatusOK, jsonReady)
			return
		}

		results, ok := h.probe(r.Context())
		body := map[string]any{"status": "ready"}
		status := http.StatusOK
		if !ok {
			body["status"] = "not_ready"
			status = http.StatusServiceUnavailable
		}
		for name, res := range results {
			body[name] = res
		}
		data, _ := json.Marshal(body)
		writeProbe(w, status, data)
	}
}

func (h *HealthChecker) probe(ctx context.Context) (map[string]string, bool) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	checks := make(map[string]Pinger, len(h.checks))
	for name, p := range h.checks {
		names = append(names, name)
		checks[name] = p
	}
	h.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, deepCheckTimeout)
		err := checks[name].Ping(pctx)
		cancel()
		if err != nil {
			results[name] = "unreachable"
			healthy = false
			continue
		}
		results[name] = "ok"
	}
	return results, healthy
}

func writeProbe(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
