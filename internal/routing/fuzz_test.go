package routing

import "testing"

func FuzzMatchesPrefix(f *testing.F) {
	f.Add("/api/v1/auth/login", "/api/v1/auth")
	f.Add("/api.evil.com/steal", "/api")
	f.Add("/healthz", "/health")
	f.Add("", "")
	f.Add("/", "/")
	f.Add("/api/v1", "/api/v1")
	f.Add("/api/v1/", "/api/v1/")
	f.Add("/metrics-extended", "/metrics")

	f.Fuzz(func(t *testing.T, path, prefix string) {
		// Must never panic.
		result := MatchesPrefix(path, prefix)

		// A match on a longer path must sit on a '/' boundary: either the
		// prefix ends with one or the next path byte is one.
		if result && len(path) > len(prefix) && len(prefix) > 0 {
			if prefix[len(prefix)-1] != '/' && path[len(prefix)] != '/' {
				t.Errorf("MatchesPrefix(%q, %q) = true but boundary not enforced", path, prefix)
			}
		}
	})
}
