// Package middleware provides the HTTP middleware stack for the escrow
// gateway: JWT admin auth, per-client rate limiting, and request metrics.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AdminScope is the JWT scope required to reach the admin surface.
const AdminScope = "escrow.admin"

type contextKey string

// ContextKeyAdminSubject carries the authenticated admin subject.
const ContextKeyAdminSubject contextKey = "gateway.admin.subject"

// AdminAuth verifies HMAC-signed JWTs on the /admin routes.
type AdminAuth struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	logger   *slog.Logger
}

type adminClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// NewAdminAuth builds the admin token verifier. Issuer and audience checks
// apply only when configured.
func NewAdminAuth(secret, issuer, audience string, logger *slog.Logger) *AdminAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminAuth{
		secret:   []byte(strings.TrimSpace(secret)),
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
		leeway:   time.Minute,
		logger:   logger,
	}
}

// Middleware rejects requests without a valid admin token.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 {
			writeJSONError(w, http.StatusUnauthorized, "admin surface not configured")
			return
		}
		raw := bearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := a.verify(raw)
		if err != nil {
			a.logger.Warn("admin token rejected", "component", "gateway", "error", err)
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if !hasScope(claims.Scope, AdminScope) {
			writeJSONError(w, http.StatusForbidden, "insufficient scope")
			return
		}
		ctx := context.WithValue(r.Context(), ContextKeyAdminSubject, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AdminAuth) verify(raw string) (*adminClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	token, err := jwt.ParseWithClaims(raw, &adminClaims{}, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*adminClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func hasScope(scopes, required string) bool {
	for _, scope := range strings.Fields(scopes) {
		if scope == required {
			return true
		}
	}
	return false
}

func bearerToken(header string) string {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
