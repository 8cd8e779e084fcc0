package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// authMiddleware returns middleware that validates the shared-secret `api`
// query parameter. When APIKey is empty, the middleware is a no-op. Exact
// paths /health and /metrics are exempt.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.APIKey == "" {
		return next
	}

	keyBytes := []byte(s.config.APIKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Exempt exact paths for health checks and metrics.
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		provided := []byte(r.URL.Query().Get("api"))
		if subtle.ConstantTimeCompare(provided, keyBytes) != 1 {
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": "invalid api key"}) //nolint:errcheck
}
