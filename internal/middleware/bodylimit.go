package middleware

import (
	"net/http"

	"github.com/cloudgate/gateway/internal/apierror"
)

// BodyLimit returns middleware that caps request body size at maxBytes.
// A known Content-Length over the limit is rejected upfront with 413;
// chunked and streaming bodies are capped via http.MaxBytesReader so the
// proxy's body buffering cannot be abused to exhaust gateway memory.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maxBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge,
					apierror.RequestTooLarge, "request body exceeds the configured limit")
				return
			}
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
