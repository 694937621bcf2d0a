// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// Handler tracks readiness and the dependency checks behind it.
type Handler struct {
	ready   atomic.Bool
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]Check
}

// New returns a health handler whose checks share timeout; zero means two seconds.
func New(timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Handler{timeout: timeout, checks: map[string]Check{}}
}

// Add registers a readiness check under name.
func (h *Handler) Add(name string, check Check) {
	if check == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// SetReady marks the handler as ready.
func (h *Handler) SetReady() {
	h.ready.Store(true)
}

// SetNotReady marks the handler as not ready.
func (h *Handler) SetNotReady() {
	h.ready.Store(false)
}

// Healthz handles liveness probes.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Readyz reports ready only when the server started and every check passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{Status: "ready", Checks: h.run(r.Context())}
	code := http.StatusOK
	if !h.ready.Load() {
		rep.Status = "not ready"
		code = http.StatusServiceUnavailable
	}
	for _, result := range rep.Checks {
		if result != "ok" {
			rep.Status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}

func (h *Handler) run(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	out := make(map[string]string, len(names))
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			out[name] = err.Error()
			continue
		}
		out[name] = "ok"
	}
	return out
}
