// Package agent holds the HTTP handlers of the voice-agent surface. Every route is
// mounted behind RequireAPIKey, so handlers can rely on the authorization context.
package agent

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Deepak8858/agent-crm/internal/middleware"
)

// SessionResponse describes the credential a request was authorized with
type SessionResponse struct {
	CredentialID  string   `json:"credentialId"`
	Name          string   `json:"name"`
	GrantedScopes []string `json:"grantedScopes"`
}

// SessionHandler reports the caller's key id, name and scopes so integrators can verify a key.
// GET /api/agent/session
func SessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, ok := middleware.GetAuthResult(c)
		if !ok || !result.Authenticated {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		scopes := result.GrantedScopes
		if scopes == nil {
			scopes = []string{}
		}
		c.JSON(http.StatusOK, SessionResponse{
			CredentialID:  result.CredentialID,
			Name:          result.Name,
			GrantedScopes: scopes,
		})
	}
}
