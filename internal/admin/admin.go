// Package admin provides read-only admin API endpoints for runtime inspection
// of gateway state. All endpoints are protected by IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/cloudgate/gateway/internal/circuitbreaker"
	"github.com/cloudgate/gateway/internal/config"
	"github.com/cloudgate/gateway/internal/ratelimit"
)

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	limiter     *ratelimit.Limiter
	registry    *circuitbreaker.Registry
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(reloader ConfigProvider, limiter *ratelimit.Limiter, registry *circuitbreaker.Registry, allowlist []string, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		limiter:     limiter,
		registry:    registry,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
	mux.HandleFunc("/admin/circuit-breakers", h.guard(h.breakersHandler))
	mux.HandleFunc("/admin/ratelimit", h.guard(h.ratelimitHandler))
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Shallow copy and redact sensitive fields.
	redacted := *cfg
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}
	if redacted.RateLimit.Redis.Password != "" {
		redacted.RateLimit.Redis.Password = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"circuit_breakers": h.registry.AllStats(),
	})
}

// ratelimitHandler reports current window usage for one identifier,
// passed as ?identifier=<client-ip>.
func (h *Handler) ratelimitHandler(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "identifier query parameter required",
		})
		return
	}

	usage, err := h.limiter.Usage(r.Context(), identifier)
	if err != nil {
		h.logger.Error("rate limit usage lookup failed", "identifier", identifier, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "rate limit store unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identifier": identifier,
		"usage":      usage,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
