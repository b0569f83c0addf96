package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ActorContextKey carries the acting planner's identity.
const ActorContextKey FactoryContextKey = "actor_id"

// ActorHeader names the planner or system actor issuing the request. Optional;
// mutating handlers fall back to "anonymous".
const ActorHeader = "X-Actor-ID"

// AuthMiddleware enforces static bearer-token authentication. When token is
// empty, auth is disabled (local development).
// STRICT: Fails fast on missing or malformed headers.
func AuthMiddleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization format. Expected 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// GetActorFromRequest returns the actor identity for audit fields.
func GetActorFromRequest(r *http.Request) string {
	if actor := r.Header.Get(ActorHeader); actor != "" {
		return actor
	}
	return "anonymous"
}
