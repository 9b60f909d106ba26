// Package auth issues and validates the two credentials on the HTTP
// surface: per-client API keys (query endpoints) and the operator token
// (management endpoints).
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/shelfsync/shelfsync/internal/db"
	"github.com/shelfsync/shelfsync/internal/models"
)

type contextKey string

const clientContextKey contextKey = "client"

// GenerateAPIKey generates a new random API key with ssk_ prefix.
// Returns both the raw key (shown to the operator once) and the hash
// (stored in the database).
func GenerateAPIKey() (string, string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	rawKey := "ssk_" + base64.URLEncoding.EncodeToString(bytes)[:40]
	return rawKey, HashAPIKey(rawKey), nil
}

// HashAPIKey hashes an API key for storage and validation
func HashAPIKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return fmt.Sprintf("%x", hash)
}

// ClientMiddleware validates a client API key and stores the authenticated
// client in the request context
func ClientMiddleware(database *db.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Missing or malformed Authorization header", http.StatusUnauthorized)
				return
			}

			client, err := database.GetClientByAPIKeyHash(r.Context(), HashAPIKey(rawKey))
			if err != nil {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), clientContextKey, client)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorMiddleware guards management endpoints with the shared operator
// token
func OperatorMiddleware(operatorToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Missing or malformed Authorization header", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(operatorToken)) != 1 {
				http.Error(w, "Invalid operator token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ContextWithClient returns a context carrying the client, as
// ClientMiddleware would set it. Used by handler tests.
func ContextWithClient(ctx context.Context, client *models.Client) context.Context {
	return context.WithValue(ctx, clientContextKey, client)
}

// ClientFromContext extracts the authenticated client from request context
func ClientFromContext(ctx context.Context) (*models.Client, bool) {
	client, ok := ctx.Value(clientContextKey).(*models.Client)
	return client, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}
