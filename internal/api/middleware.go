/**
 * @description
 * This file contains the authentication middleware: a shared key for server-to-server
 * calls and an HS256 bearer token for operators.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Operator token validation.
 */

package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorContextKey is a custom type for the context key to avoid collisions.
type OperatorContextKey string

const operatorIDKey OperatorContextKey = "operatorID"

// operatorRole is the role claim operator tokens must carry.
const operatorRole = "payments_operator"

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
// An empty key disables the check for local development.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	requiredKey = strings.TrimSpace(requiredKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := strings.TrimSpace(r.Header.Get("X-Internal-API-Key"))
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// OperatorAuthMiddleware validates an HS256 operator token. Without a configured secret
// every operator request is refused.
func OperatorAuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(strings.TrimSpace(secret))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(key) == 0 {
				http.Error(w, "Operator access is not configured", http.StatusForbidden)
				return
			}

			authHeader := r.Header.Get("Authorization")
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if authHeader == "" || tokenString == authHeader {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}
			if role, _ := claims["role"].(string); role != operatorRole {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			operatorID, err := claims.GetSubject()
			if err != nil || operatorID == "" {
				http.Error(w, "Operator ID not found in token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), operatorIDKey, operatorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOperatorID retrieves the authenticated operator from the request context.
func GetOperatorID(ctx context.Context) (string, bool) {
	operatorID, ok := ctx.Value(operatorIDKey).(string)
	return operatorID, ok
}
