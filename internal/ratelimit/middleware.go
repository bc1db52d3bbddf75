package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/cloudgate/gateway/internal/apierror"
	"github.com/cloudgate/gateway/internal/metrics"
	"github.com/cloudgate/gateway/internal/routing"
)

// Middleware enforces the sliding-window limit per client IP and stamps
// X-RateLimit-* headers on every response it evaluates.
type Middleware struct {
	limiter      *Limiter
	excludePaths []string
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger
}

// NewMiddleware wraps limiter for HTTP use. excludePaths are path prefixes
// that bypass limiting (health probes, metrics). trustedProxies is a list
// of CIDR strings whose X-Forwarded-For headers are trusted.
func NewMiddleware(limiter *Limiter, excludePaths, trustedProxies []string, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{
		limiter:      limiter,
		excludePaths: excludePaths,
		trustedCIDRs: parseCIDRs(trustedProxies, logger),
		logger:       logger,
	}
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Handler returns the middleware wrapping next.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := m.clientIP(r)
		allowed, info := m.limiter.Allow(r.Context(), ip)

		setRateLimitHeaders(w, info)

		if !allowed {
			m.logger.Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
			metrics.RateLimitHits.WithLabelValues(r.URL.Path).Inc()

			retryAfter := info.Reset - m.limiter.now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			apierror.WriteJSON(w, r, http.StatusTooManyRequests,
				apierror.RateLimitExceeded, "rate limit exceeded, retry later")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) excluded(path string) bool {
	return routing.MatchesAny(path, m.excludePaths)
}

func setRateLimitHeaders(w http.ResponseWriter, info Info) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(info.Reset, 10))
}

// clientIP extracts the real client IP. X-Forwarded-For is only trusted when
// the direct peer (RemoteAddr) is in the trusted proxies list.
func (m *Middleware) clientIP(r *http.Request) string {
	peerIP := extractIP(r.RemoteAddr)

	if len(m.trustedCIDRs) > 0 && m.isTrusted(peerIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Walk right-to-left, return first non-trusted IP
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !m.isTrusted(ip) {
					return ip
				}
			}
		}
	}

	return peerIP
}

func (m *Middleware) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range m.trustedCIDRs {
		if cidr.Contains(ip) {
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
