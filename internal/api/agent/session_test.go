package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Deepak8858/agent-crm/internal/auth"
	"github.com/Deepak8858/agent-crm/internal/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSessionHandler(t *testing.T) {
	r := gin.New()
	r.GET("/session", func(c *gin.Context) {
		c.Set(middleware.AuthResultKey, &auth.Result{
			Authenticated: true,
			CredentialID:  "6f1c2e8a-4b7d-4c1e-9a3f-2d5b8e0c7a11",
			Name:          "Voice Agent Production",
			GrantedScopes: []string{"activities:write", "contacts:read"},
		})
	}, SessionHandler())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/session", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "6f1c2e8a-4b7d-4c1e-9a3f-2d5b8e0c7a11", resp.CredentialID)
	assert.Equal(t, "Voice Agent Production", resp.Name)
	assert.Equal(t, []string{"activities:write", "contacts:read"}, resp.GrantedScopes)
}

func TestSessionHandler_NoAuthContext(t *testing.T) {
	r := gin.New()
	r.GET("/session", SessionHandler())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/session", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionHandler_EmptyScopesEncodeAsArray(t *testing.T) {
	r := gin.New()
	r.GET("/session", func(c *gin.Context) {
		c.Set(middleware.AuthResultKey, &auth.Result{Authenticated: true, CredentialID: "k"})
	}, SessionHandler())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/session", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"grantedScopes":[]`)
}
