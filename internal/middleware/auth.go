// Package middleware provides Gin HTTP middleware for API key authentication, rate
// limiting, security headers, request ids and metrics.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Security → RequestID → Metrics → RateLimit → RequireAPIKey → Handler
//
// Security headers run first so they appear on all responses including errors.
// Rate limiting runs before auth so brute-force attempts are throttled before any
// database or bcrypt work.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Deepak8858/agent-crm/internal/auth"
	"github.com/Deepak8858/agent-crm/internal/telemetry"
)

// Context keys populated by RequireAPIKey.
const (
	AuthResultKey = "auth_result"
	APIKeyIDKey   = "api_key_id"
	ScopesKey     = "scopes"
	AuthMethodKey = "auth_method"
)

// Authenticator resolves a raw Authorization header into an authorization decision.
type Authenticator interface {
	Authenticate(ctx context.Context, rawHeader string, required []auth.Scope, req auth.RequestInfo) (*auth.Result, error)
}

// RequireAPIKey gates a route on a valid API key holding every scope in required.
// Authentication failures never reveal which check failed beyond the status class.
func RequireAPIKey(authn Authenticator, required ...auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := authn.Authenticate(c.Request.Context(), c.GetHeader("Authorization"), required, auth.RequestInfo{
			Endpoint:  c.Request.URL.Path,
			Method:    c.Request.Method,
			ClientIP:  c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
		telemetry.APIKeyAuthAttemptsTotal.WithLabelValues(auth.Outcome(err)).Inc()

		if err != nil {
			status, message := authErrorResponse(err)
			if status == http.StatusInternalServerError {
				slog.Error("api key authentication failed", "path", c.Request.URL.Path, "error", err)
			}
			c.AbortWithStatusJSON(status, gin.H{"error": message})
			return
		}

		c.Set(AuthResultKey, result)
		c.Set(APIKeyIDKey, result.CredentialID)
		c.Set(ScopesKey, result.GrantedScopes)
		c.Set(AuthMethodKey, "api_key")
		c.Next()
	}
}

// GetAuthResult returns the authorization context set by RequireAPIKey.
func GetAuthResult(c *gin.Context) (*auth.Result, bool) {
	v, exists := c.Get(AuthResultKey)
	if !exists {
		return nil, false
	}
	result, ok := v.(*auth.Result)
	return result, ok && result != nil
}

func authErrorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrMalformedCredential):
		return http.StatusUnauthorized, "Missing or invalid authorization header"
	case errors.Is(err, auth.ErrInvalidOrExpiredCredential), errors.Is(err, auth.ErrInvalidCredential):
		return http.StatusUnauthorized, "Invalid or expired API key"
	case errors.Is(err, auth.ErrInsufficientScope):
		return http.StatusForbidden, "Insufficient permissions"
	default:
		return http.StatusInternalServerError, "Authentication failed"
	}
}
