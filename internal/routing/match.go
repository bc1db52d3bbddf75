// Package routing provides path-prefix matching helpers shared by the
// gateway's middleware and forwarding layers.
package routing

import "strings"

// MatchesPrefix checks if path matches prefix with boundary enforcement.
// The path must either equal the prefix, the prefix must end with "/",
// or the character after the prefix in path must be "/". This keeps
// "/health" from matching "/healthz".
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}

// MatchesAny reports whether path matches any of the given prefixes.
func MatchesAny(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if MatchesPrefix(path, prefix) {
			return true
		}
	}
	return false
}
