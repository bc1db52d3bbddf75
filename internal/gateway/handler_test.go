package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloudgate/gateway/internal/circuitbreaker"
	"github.com/cloudgate/gateway/internal/config"
	"github.com/cloudgate/gateway/internal/proxy"
)

func newTestHandler(t *testing.T, services map[string]config.ServiceConfig) (*Handler, *circuitbreaker.Registry) {
	t.Helper()
	registry := circuitbreaker.NewRegistry(slog.Default())
	f, err := proxy.New(services, config.ProxyConfig{
		RequestTimeout: 2 * time.Second,
		ConnectTimeout: time.Second,
		MaxAttempts:    1,
		BackoffBase:    time.Millisecond,
		BackoffMax:     time.Millisecond,
	}, circuitbreaker.DefaultConfig(), registry, slog.Default())
	if err != nil {
		t.Fatalf("creating forwarder: %v", err)
	}
	return New(f, registry, nil, slog.Default()), registry
}

func TestServeHTTP_RoutesToService(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	h, _ := newTestHandler(t, map[string]config.ServiceConfig{
		"auth": {URL: backend.URL},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/login", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotPath != "/api/v1/auth/login" {
		t.Errorf("expected full path forwarded, got %q", gotPath)
	}
}

func TestServeHTTP_UnknownServiceIsBadGateway(t *testing.T) {
	h, registry := newTestHandler(t, map[string]config.ServiceConfig{
		"auth": {URL: "http://localhost:9"},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/invoices", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if registry.Get("billing") != nil {
		t.Error("unknown service must not create a breaker")
	}
}

func TestServeHTTP_NotFoundOutsideAPIPrefix(t *testing.T) {
	h, _ := newTestHandler(t, map[string]config.ServiceConfig{
		"auth": {URL: "http://localhost:9"},
	})

	for _, path := range []string{"/", "/api", "/api/v1", "/api/v1/", "/api/v2/auth/login"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("path %q: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestServeHTTP_CircuitBreakerListing(t *testing.T) {
	h, registry := newTestHandler(t, map[string]config.ServiceConfig{
		"auth": {URL: "http://localhost:9"},
	})
	registry.GetOrCreate("auth", circuitbreaker.DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/circuit-breakers", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		CircuitBreakers []circuitbreaker.Stats `json:"circuit_breakers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(body.CircuitBreakers) != 1 || body.CircuitBreakers[0].Name != "auth" {
		t.Errorf("unexpected listing %+v", body.CircuitBreakers)
	}
	if body.CircuitBreakers[0].State != "closed" {
		t.Errorf("expected closed state, got %q", body.CircuitBreakers[0].State)
	}
}

func TestServeHTTP_HealthDelegates(t *testing.T) {
	called := false
	healthFn := func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}

	registry := circuitbreaker.NewRegistry(slog.Default())
	f, err := proxy.New(map[string]config.ServiceConfig{
		"auth": {URL: "http://localhost:9"},
	}, config.ProxyConfig{RequestTimeout: time.Second, ConnectTimeout: time.Second, MaxAttempts: 1, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond},
		circuitbreaker.DefaultConfig(), registry, slog.Default())
	if err != nil {
		t.Fatalf("creating forwarder: %v", err)
	}
	h := New(f, registry, healthFn, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Error("expected health handler invoked")
	}
}

func TestServiceFor(t *testing.T) {
	tests := []struct {
		path    string
		service string
		ok      bool
	}{
		{"/api/v1/auth/login", "auth", true},
		{"/api/v1/auth", "auth", true},
		{"/api/v1/profile/me/settings", "profile", true},
		{"/api/v1/", "", false},
		{"/api/v1//x", "", false},
		{"/other", "", false},
	}
	for _, tt := range tests {
		service, ok := serviceFor(tt.path)
		if service != tt.service || ok != tt.ok {
			t.Errorf("serviceFor(%q) = %q,%v; want %q,%v", tt.path, service, ok, tt.service, tt.ok)
		}
	}
}
