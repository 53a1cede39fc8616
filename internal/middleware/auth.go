package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health": true,
}

// AdminAuth returns middleware that requires the shared admin token, read
// through token on every request so a rotated secret applies immediately.
// The token is accepted as "Authorization: Bearer <token>" or "X-API-Key",
// and on /ws as the ?token= query parameter since browsers cannot set
// headers on a WebSocket upgrade. An empty token disables the check.
func AdminAuth(token func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := token()
			if want == "" || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			got := presentedToken(r)
			if got == "" {
				http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedToken(r *http.Request) string {
	if r.URL.Path == "/ws" {
		if t := r.URL.Query().Get("token"); t != "" {
			return t
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if t, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return t
	}
	return ""
}
