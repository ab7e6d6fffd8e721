package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"vibeforge/internal/gateway/handlers"
)

// AuthConfig holds the bearer tokens accepted by the control plane. An
// empty token set disables auth (local development).
type AuthConfig struct {
	Tokens []string

	// ExemptPaths are matched by prefix; the health probe and the agent
	// websocket (which authenticates inside its register frame) bypass
	// header auth.
	ExemptPaths []string
}

// Auth returns a middleware enforcing `Authorization: Bearer <token>`
// against the configured token set.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(cfg.Tokens) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			for _, prefix := range cfg.ExemptPaths {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || !tokenAllowed(cfg.Tokens, token) {
				handlers.SendError(w, http.StatusUnauthorized, handlers.ErrCodeUnauthorized, "invalid or missing bearer token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func tokenAllowed(tokens []string, candidate string) bool {
	allowed := false
	for _, t := range tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(candidate)) == 1 {
			allowed = true
		}
	}
	return allowed
}
