package security

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// hstsValue is sent only on TLS requests.
const hstsValue = "max-age=31536000; includeSubDomains"

// directive is one Content-Security-Policy entry.
type directive struct {
	name    string
	sources []string
}

// ContentPolicy builds the Content-Security-Policy for the app pages. htmx
// loads from unpkg and receipt thumbnails may come from imageOrigins, such
// as a public bucket host.
func ContentPolicy(imageOrigins ...string) string {
	directives := []directive{
		{"default-src", []string{"'self'"}},
		{"script-src", []string{"'self'", "https://unpkg.com"}},
		{"style-src", []string{"'self'", "'unsafe-inline'"}},
		{"img-src", append([]string{"'self'", "data:", "blob:"}, imageOrigins...)},
		{"connect-src", []string{"'self'"}},
		{"object-src", []string{"'none'"}},
		{"frame-ancestors", []string{"'none'"}},
		{"base-uri", []string{"'self'"}},
		{"form-action", []string{"'self'"}},
	}
	parts := make([]string, len(directives))
	for i, d := range directives {
		parts[i] = d.name + " " + strings.Join(d.sources, " ")
	}
	return strings.Join(parts, "; ")
}

// Headers sets the fixed browser hardening headers on every response.
func Headers(imageOrigins ...string) func(http.Handler) http.Handler {
	fixed := http.Header{}
	fixed.Set("Content-Security-Policy", ContentPolicy(imageOrigins...))
	fixed.Set("X-Content-Type-Options", "nosniff")
	fixed.Set("X-Frame-Options", "DENY")
	fixed.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	// Camera stays allowed so phones can photograph receipts.
	fixed.Set("Permissions-Policy", "geolocation=(), microphone=(), payment=()")
	fixed.Set("Cross-Origin-Opener-Policy", "same-origin")
	fixed.Set("Cross-Origin-Resource-Policy", "same-origin")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for k, v := range fixed {
				h[k] = v
			}
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CacheFor lets browsers keep responses from next for d.
func CacheFor(d time.Duration) func(http.Handler) http.Handler {
	value := "public, max-age=" + strconv.Itoa(int(d.Seconds()))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", value)
			next.ServeHTTP(w, r)
		})
	}
}

// NoStore keeps per-user pages and data out of shared and browser caches.
func NoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "private, no-store")
}
