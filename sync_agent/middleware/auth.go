package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// ContextKey is a strict type for context keys to prevent collisions.
type ContextKey string

const TokenContextKey ContextKey = "bearer_token"

// TokenSink receives the bearer token of the signed-in worker.
type TokenSink interface {
	Set(token string)
}

// TokenCapture records the UI's bearer token so queued mutations can be
// replayed on the worker's behalf. Requests without a header pass through,
// since cached reads work signed out; a malformed header is rejected.
func TokenCapture(sink TokenSink, onToken func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization format. Expected 'Bearer <token>'")
				return
			}

			sink.Set(parts[1])
			if onToken != nil {
				onToken()
			}
			ctx := context.WithValue(r.Context(), TokenContextKey, parts[1])
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTokenFromContext retrieves the bearer token from the context.
func GetTokenFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(TokenContextKey)
	if val == nil {
		return "", errors.New("token not found in context")
	}
	token, ok := val.(string)
	if !ok {
		return "", errors.New("token in context is not a string")
	}
	return token, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": msg})
}
