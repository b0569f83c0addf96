package middleware

import (
	"context"
	"fmt"
	"net/http"
)

// FactoryContextKey is a strict type for context keys to prevent collisions.
type FactoryContextKey string

const (
	// FactoryKey is the context key for the FactoryID.
	FactoryKey FactoryContextKey = "factory_id"
	// FactoryHeader is the HTTP header expected to contain the FactoryID.
	FactoryHeader = "X-Factory-ID"
)

// FactoryMiddleware extracts the FactoryID from the request header and injects it into the context.
// It returns a 400 Bad Request if the header is missing.
func FactoryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		factoryID := r.Header.Get(FactoryHeader)

		if factoryID == "" {
			http.Error(w, fmt.Sprintf("Missing required header: %s", FactoryHeader), http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), FactoryKey, factoryID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetFactoryFromContext safely retrieves the FactoryID from the context.
func GetFactoryFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(FactoryKey)
	if val == nil {
		return "", fmt.Errorf("factory_id not found in context")
	}

	factoryID, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("factory_id in context is not a string")
	}

	return factoryID, nil
}
