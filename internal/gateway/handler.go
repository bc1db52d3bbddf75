// Package gateway is the public API surface: it maps /api/v1 paths onto
// backend services and exposes gateway introspection endpoints.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cloudgate/gateway/internal/apierror"
	"github.com/cloudgate/gateway/internal/circuitbreaker"
	"github.com/cloudgate/gateway/internal/proxy"
)

const apiPrefix = "/api/v1/"

// Handler routes public API traffic. Paths under /api/v1/<service>/ are
// forwarded with the full original path so backends see what the client
// sent; /api/v1/health and /api/v1/circuit-breakers are served locally.
type Handler struct {
	forwarder *proxy.Forwarder
	registry  *circuitbreaker.Registry
	health    http.HandlerFunc
	logger    *slog.Logger
}

// New creates the gateway Handler. health serves the aggregated health
// endpoint; it may be nil, in which case /api/v1/health falls through to
// service routing.
func New(forwarder *proxy.Forwarder, registry *circuitbreaker.Registry, health http.HandlerFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		forwarder: forwarder,
		registry:  registry,
		health:    health,
		logger:    logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if path == "/api/v1/health" && h.health != nil {
		h.health(w, r)
		return
	}
	if path == "/api/v1/circuit-breakers" {
		h.circuitBreakers(w, r)
		return
	}

	service, ok := serviceFor(path)
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
		return
	}

	h.forwarder.Forward(w, r, service, path)
}

// circuitBreakers reports the live state of every breaker the gateway
// has created so far.
func (h *Handler) circuitBreakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.RouteNotFound,
			"method not allowed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
		"circuit_breakers": h.registry.AllStats(),
	})
}

// serviceFor extracts the service segment from an /api/v1/<service>/...
// path. The bare prefix and paths outside it have no service.
func serviceFor(path string) (string, bool) {
	if !strings.HasPrefix(path, apiPrefix) {
		return "", false
	}
	rest := path[len(apiPrefix):]
	if rest == "" {
		return "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}
