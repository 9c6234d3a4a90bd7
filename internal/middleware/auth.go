package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// LocalTokenMiddleware guards the local device endpoint with a shared token.
// The device supplies it as the "token" query parameter, since WebSocket
// clients on wearables cannot always set headers, or as a bearer token.
// An empty token disables the check.
func LocalTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := r.URL.Query().Get("token")
			if supplied == "" {
				supplied = bearerToken(r.Header.Get("Authorization"))
			}

			if subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
				slog.Warn("middleware.auth.local_token_rejected",
					"component", "middleware",
					"event", "auth.rejected",
					"remote_addr", r.RemoteAddr,
					"token_present", supplied != "",
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="watchbridge"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
