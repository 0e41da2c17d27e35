/**
 * @description
 * Authentication middleware for the ledger-service HTTP API. Internal callers
 * (the messaging layer) present a shared API key; the admin frontend presents
 * an HS256 JWT whose role claim must be admin or leader.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and validation.
 * - github.com/go-chi/chi/v5/middleware: Response wrapping for request logs.
 */

package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// InternalAPIKeyHeader carries the shared key for internal callers.
const InternalAPIKeyHeader = "X-Internal-API-Key"

const (
	RoleAdmin  = "admin"
	RoleLeader = "leader"
)

type contextKey string

const adminClaimsKey = contextKey("adminClaims")

// AdminClaims are the claims the admin frontend puts in its tokens. Leaders
// are scoped to the group in GroupID; admins see every group.
type AdminClaims struct {
	Role    string `json:"role"`
	GroupID string `json:"group_id,omitempty"`
	jwt.RegisteredClaims
}

// CanManageGroup reports whether the token holder may act on groupID.
func (c *AdminClaims) CanManageGroup(groupID uuid.UUID) bool {
	if c.Role == RoleAdmin {
		return true
	}
	return c.Role == RoleLeader && strings.EqualFold(c.GroupID, groupID.String())
}

// InternalAPIKeyMiddleware rejects requests that do not carry the configured
// internal API key. An empty configured key rejects everything.
func InternalAPIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(apiKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := []byte(strings.TrimSpace(r.Header.Get(InternalAPIKeyHeader)))
			if len(expected) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid internal api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminAuthMiddleware validates HS256 admin tokens and stores their claims in
// the request context.
func AdminAuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "authorization header required")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid authorization header format")
				return
			}
			if len(key) == 0 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "admin authentication is not configured")
				return
			}

			claims := &AdminClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return key, nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "unauthorized", fmt.Sprintf("invalid token: %v", err))
				return
			}
			if claims.Role != RoleAdmin && claims.Role != RoleLeader {
				writeError(w, http.StatusForbidden, "forbidden", "admin or leader role required")
				return
			}

			ctx := context.WithValue(r.Context(), adminClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole allows only the listed roles through.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetAdminClaims(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing admin claims")
				return
			}
			for _, role := range roles {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "forbidden", "insufficient role")
		})
	}
}

// RequireGroupScope checks the {groupID} URL parameter against the token.
func RequireGroupScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetAdminClaims(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing admin claims")
			return
		}
		groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", "invalid group id")
			return
		}
		if !claims.CanManageGroup(groupID) {
			writeError(w, http.StatusForbidden, "forbidden", "token is not scoped to this group")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetAdminClaims returns the claims stored by AdminAuthMiddleware.
func GetAdminClaims(ctx context.Context) (*AdminClaims, bool) {
	claims, ok := ctx.Value(adminClaimsKey).(*AdminClaims)
	return claims, ok
}

// RequestLogger logs one line per request.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(started).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
