package api

import (
	"net/http"
	"strings"

	"keyfleet/pkg/auth"
)

// bearer extracts the service token from the Authorization header. The
// event feed also accepts ?token= since browsers cannot set headers on
// websocket requests.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// requireToken guards next with a service token check. An empty secret
// disables the check.
func requireToken(secret string, next http.HandlerFunc) http.HandlerFunc {
	if secret == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if _, err := auth.Parse(secret, token); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}
