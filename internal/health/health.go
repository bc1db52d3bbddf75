// Package health provides liveness and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cloudgate/gateway/internal/circuitbreaker"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// Prober checks a backend service's health endpoint.
type Prober interface {
	ServiceNames() []string
	HealthCheck(ctx context.Context, service string) error
}

// Pinger checks the rate-limit store connection. May be nil when the
// gateway runs on the in-memory store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides /health and /ready endpoints. Readiness results are
// cached briefly so probe storms don't hammer the backends.
type Handler struct {
	prober   Prober
	registry *circuitbreaker.Registry
	store    Pinger
	logger   *slog.Logger

	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health Handler. store may be nil.
func New(prober Prober, registry *circuitbreaker.Registry, store Pinger, logger *slog.Logger) *Handler {
	return &Handler{prober: prober, registry: registry, store: store, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Liveness)
	mux.HandleFunc("/ready", h.Readiness)
}

// Liveness reports that the gateway process itself is up.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

// Readiness reports whether the gateway can usefully serve traffic:
// every backend must be reachable (or probing through a half-open
// breaker). The rate-limit store is reported but never fails readiness,
// since the limiter degrades to a local fallback.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	h.cacheMu.RUnlock()

	status, body := h.check(r.Context())

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = status
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (h *Handler) check(ctx context.Context) (int, []byte) {
	type serviceResult struct {
		name   string
		status string
		ok     bool
	}

	services := h.prober.ServiceNames()
	ch := make(chan serviceResult, len(services))

	for _, name := range services {
		go func(name string) {
			// Fast path: an open breaker already knows the backend is down.
			if cb := h.registry.Get(name); cb != nil {
				switch cb.State() {
				case circuitbreaker.StateOpen:
					ch <- serviceResult{name: name, status: "circuit-open", ok: false}
					return
				case circuitbreaker.StateHalfOpen:
					ch <- serviceResult{name: name, status: "circuit-half-open", ok: true}
					return
				}
			}

			if err := h.prober.HealthCheck(ctx, name); err != nil {
				h.logger.Warn("backend unhealthy", "service", name, "error", err)
				ch <- serviceResult{name: name, status: "unreachable", ok: false}
				return
			}
			ch <- serviceResult{name: name, status: "ok", ok: true}
		}(name)
	}

	results := make(map[string]string, len(services))
	anyDown := false
	for range services {
		res := <-ch
		results[res.name] = res.status
		if !res.ok {
			anyDown = true
		}
	}

	storeStatus := "disabled"
	if h.store != nil {
		storeStatus = "ok"
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := h.store.Ping(pingCtx); err != nil {
			h.logger.Warn("rate-limit store unreachable", "error", err)
			storeStatus = "unreachable"
		}
		cancel()
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if anyDown {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":           statusStr,
		"services":         results,
		"rate_limit_store": storeStatus,
	})
	return httpStatus, append(body, '\n')
}
