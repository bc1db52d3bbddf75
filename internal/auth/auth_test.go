package auth

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cloudgate/gateway/internal/config"
)

const testSecret = "test-secret"

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		Enabled:   true,
		JWTSecret: testSecret,
		Issuer:    "cloudgate",
		Audience:  "cloudgate-api",
	}
}

func signToken(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "user-123",
		"iss": "cloudgate",
		"aud": "cloudgate-api",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func protectedHandler(t *testing.T, wantSubject string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := r.Context().Value(ClaimsKey).(*Claims)
		if !ok {
			t.Error("expected claims in request context")
		} else if claims.Subject != wantSubject {
			t.Errorf("expected subject %q, got %q", wantSubject, claims.Subject)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func requireAll(string) bool { return true }

func TestMiddleware_ValidToken(t *testing.T) {
	mw := Middleware(testAuthConfig(), requireAll, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/profile/me", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, validClaims(), testSecret))
	rec := httptest.NewRecorder()

	mw(protectedHandler(t, "user-123")).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "someone-else"

	noExpiry := validClaims()
	delete(noExpiry, "exp")

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"empty token", "Bearer "},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong secret", "Bearer " + signToken(t, validClaims(), "other-secret")},
		{"expired", "Bearer " + signToken(t, expired, testSecret)},
		{"wrong issuer", "Bearer " + signToken(t, wrongIssuer, testSecret)},
		{"missing expiry", "Bearer " + signToken(t, noExpiry, testSecret)},
	}

	mw := Middleware(testAuthConfig(), requireAll, slog.Default())
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run for rejected request")
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/profile/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			mw(next).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected JSON error body, got %q", ct)
			}
		})
	}
}

func TestMiddleware_DisabledPassesThrough(t *testing.T) {
	cfg := testAuthConfig()
	cfg.Enabled = false
	mw := Middleware(cfg, requireAll, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/profile/me", nil)
	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}

func TestRequireAuthFunc(t *testing.T) {
	services := map[string]config.ServiceConfig{
		"auth":    {URL: "http://localhost:8001"},
		"profile": {URL: "http://localhost:8002", AuthRequired: true},
	}
	requires := RequireAuthFunc(services)

	tests := []struct {
		path string
		want bool
	}{
		{"/api/v1/profile/me", true},
		{"/api/v1/profile", true},
		{"/api/v1/auth/login", false},
		{"/api/v1/unknown/x", false},
		{"/health", false},
	}
	for _, tt := range tests {
		if got := requires(tt.path); got != tt.want {
			t.Errorf("requires(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
