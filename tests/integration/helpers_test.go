package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/cloudgate/gateway/internal/auth"
	"github.com/cloudgate/gateway/internal/circuitbreaker"
	"github.com/cloudgate/gateway/internal/config"
	"github.com/cloudgate/gateway/internal/gateway"
	"github.com/cloudgate/gateway/internal/health"
	"github.com/cloudgate/gateway/internal/middleware"
	"github.com/cloudgate/gateway/internal/proxy"
	"github.com/cloudgate/gateway/internal/ratelimit"
	"github.com/cloudgate/gateway/internal/ratelimit/store"
)

const (
	jwtSecret = "integration-test-secret-key-32chars!!"
	jwtIssuer = "cloudgate"
	jwtAud    = "cloudgate-api"
)

// stackOptions tune the assembled gateway per test.
type stackOptions struct {
	services  map[string]config.ServiceConfig
	rateLimit config.RateLimitConfig
	breaker   circuitbreaker.Config
	proxy     config.ProxyConfig
	auth      config.AuthConfig
}

func defaultOptions(services map[string]config.ServiceConfig) stackOptions {
	return stackOptions{
		services: services,
		rateLimit: config.RateLimitConfig{
			RequestsPerWindow: 100,
			WindowSeconds:     60,
			KeyPrefix:         "ratelimit",
			ExcludePaths:      []string{"/health", "/ready", "/metrics"},
		},
		breaker: circuitbreaker.Config{
			FailureThreshold: 5,
			RecoveryTimeout:  100 * time.Millisecond,
			HalfOpenMaxCalls: 3,
		},
		proxy: config.ProxyConfig{
			RequestTimeout: 2 * time.Second,
			ConnectTimeout: time.Second,
			MaxAttempts:    3,
			BackoffBase:    time.Millisecond,
			BackoffMax:     5 * time.Millisecond,
			MaxIdleConns:   10,
			MaxIdlePerHost: 5,
		},
	}
}

// stack is a fully wired gateway over a miniredis-backed limiter,
// assembled the same way main does it.
type stack struct {
	handler  http.Handler
	registry *circuitbreaker.Registry
	limiter  *ratelimit.Limiter
	store    *store.RedisStore
}

func buildStack(t *testing.T, opts stackOptions) *stack {
	t.Helper()
	logger := slog.Default()

	mr := miniredis.RunT(t)
	redisCfg := store.DefaultRedisConfig()
	redisCfg.Address = mr.Addr()
	st, err := store.NewRedisStore(context.Background(), redisCfg)
	if err != nil {
		t.Fatalf("connecting to test redis: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	limiter := ratelimit.New(st, opts.rateLimit, logger)

	registry := circuitbreaker.NewRegistry(logger)
	forwarder, err := proxy.New(opts.services, opts.proxy, opts.breaker, registry, logger)
	if err != nil {
		t.Fatalf("creating forwarder: %v", err)
	}

	healthHandler := health.New(forwarder, registry, st, logger)
	apiHandler := gateway.New(forwarder, registry, healthHandler.Readiness, logger)

	var handler http.Handler = apiHandler
	handler = auth.Middleware(opts.auth, auth.RequireAuthFunc(opts.services), logger)(handler)
	rlMiddleware := ratelimit.NewMiddleware(limiter, opts.rateLimit.ExcludePaths, nil, logger)
	handler = rlMiddleware.Handler(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	return &stack{
		handler:  handler,
		registry: registry,
		limiter:  limiter,
		store:    st,
	}
}

func (s *stack) get(path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "192.0.2.10:55555"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func generateJWT(t *testing.T, sub string, expiry time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": sub,
		"iss": jwtIssuer,
		"aud": jwtAud,
		"exp": time.Now().Add(expiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func newBackend(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func okBackend(t *testing.T) *httptest.Server {
	return newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true}`)
	})
}

func parseJSON(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to parse JSON %q: %v", string(data), err)
	}
	return m
}

func assertErrorCode(t *testing.T, body []byte, expected string) {
	t.Helper()
	m := parseJSON(t, body)
	code, ok := m["error_code"].(string)
	if !ok {
		t.Fatalf("error_code field missing or not a string in %s", string(body))
	}
	if code != expected {
		t.Errorf("expected error_code %q, got %q", expected, code)
	}
}
