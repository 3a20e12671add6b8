// Package admin implements the administrative HTTP handlers for API key management.
// Every route here is gated by an admin-scoped API key (see internal/api/router.go);
// the raw key of a new credential appears in exactly one response and is never logged.
package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Deepak8858/agent-crm/internal/auth"
	"github.com/Deepak8858/agent-crm/internal/db/models"
	"github.com/Deepak8858/agent-crm/internal/middleware"
	"github.com/Deepak8858/agent-crm/internal/services"
)

const keyShownOnceMessage = "API key created successfully. Please save it securely as it will not be shown again."

// APIKeyHandlers handles API key management endpoints
type APIKeyHandlers struct {
	svc *services.APIKeyService
}

// NewAPIKeyHandlers creates a new APIKeyHandlers instance
func NewAPIKeyHandlers(svc *services.APIKeyService) *APIKeyHandlers {
	return &APIKeyHandlers{svc: svc}
}

// CreateAPIKeyRequest is the body of POST /api/api-keys
type CreateAPIKeyRequest struct {
	Name      string   `json:"name" binding:"required"`
	Scopes    []string `json:"scopes" binding:"required"`
	ExpiresAt *string  `json:"expiresAt"` // RFC3339
}

// UpdateAPIKeyRequest is the body of PUT /api/api-keys/:id. Omitted fields are unchanged.
type UpdateAPIKeyRequest struct {
	Name     *string  `json:"name"`
	Scopes   []string `json:"scopes"`
	IsActive *bool    `json:"isActive"`
}

// RotateAPIKeyRequest is the body of POST /api/api-keys/:id/rotate
type RotateAPIKeyRequest struct {
	GracePeriodHours int `json:"grace_period_hours"`
}

// APIKeyResponse is the public view of a key. It never carries the hash.
type APIKeyResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"keyPrefix"`
	Scopes     []string   `json:"scopes"`
	IsActive   bool       `json:"isActive"`
	UsageCount int64      `json:"usageCount"`
	LastUsedAt *time.Time `json:"lastUsedAt"`
	ExpiresAt  *time.Time `json:"expiresAt"`
	CreatedBy  string     `json:"createdBy"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// UsageEventResponse is one row of the usage trail
type UsageEventResponse struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	IPAddress string    `json:"ipAddress"`
	UserAgent *string   `json:"userAgent"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"createdAt"`
}

func toAPIKeyResponse(k *models.APIKey) APIKeyResponse {
	scopes := []string(k.Scopes)
	if scopes == nil {
		scopes = []string{}
	}
	return APIKeyResponse{
		ID:         k.ID,
		Name:       k.Name,
		KeyPrefix:  auth.DisplayPrefix(k.KeyPrefix),
		Scopes:     scopes,
		IsActive:   k.IsActive,
		UsageCount: k.UsageCount,
		LastUsedAt: k.LastUsedAt,
		ExpiresAt:  k.ExpiresAt,
		CreatedBy:  k.CreatedBy,
		CreatedAt:  k.CreatedAt,
		UpdatedAt:  k.UpdatedAt,
	}
}

// respondServiceError maps service errors onto HTTP statuses.
func respondServiceError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
	default:
		slog.Error(fallback, "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

// ListAPIKeysHandler lists all keys, newest first
// GET /api/api-keys
func (h *APIKeyHandlers) ListAPIKeysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		keys, err := h.svc.List(c.Request.Context())
		if err != nil {
			respondServiceError(c, err, "Failed to fetch API keys")
			return
		}

		resp := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			resp = append(resp, toAPIKeyResponse(k))
		}
		c.JSON(http.StatusOK, gin.H{"apiKeys": resp})
	}
}

// CreateAPIKeyHandler issues a new key
// POST /api/api-keys
func (h *APIKeyHandlers) CreateAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateAPIKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "details": err.Error()})
			return
		}

		var expiresAt *time.Time
		if req.ExpiresAt != nil && *req.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "expiresAt must be an RFC3339 timestamp"})
				return
			}
			expiresAt = &t
		}

		issued, err := h.svc.Issue(c.Request.Context(), services.IssueRequest{
			Name:      req.Name,
			Scopes:    req.Scopes,
			ExpiresAt: expiresAt,
			CreatedBy: c.GetString(middleware.APIKeyIDKey),
		})
		if err != nil {
			respondServiceError(c, err, "Failed to create API key")
			return
		}
		c.Set(middleware.AuditTargetKey, issued.Key.ID)

		c.JSON(http.StatusCreated, gin.H{
			"apiKey":  toAPIKeyResponse(issued.Key),
			"key":     issued.Token,
			"message": keyShownOnceMessage,
		})
	}
}

// GetAPIKeyHandler returns one key
// GET /api/api-keys/:id
func (h *APIKeyHandlers) GetAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := h.svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondServiceError(c, err, "Failed to fetch API key")
			return
		}
		c.JSON(http.StatusOK, toAPIKeyResponse(key))
	}
}

// UpdateAPIKeyHandler changes name, scopes or active flag
// PUT /api/api-keys/:id
func (h *APIKeyHandlers) UpdateAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateAPIKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "details": err.Error()})
			return
		}

		key, err := h.svc.Update(c.Request.Context(), c.Param("id"), services.UpdateRequest{
			Name:     req.Name,
			Scopes:   req.Scopes,
			IsActive: req.IsActive,
		})
		if err != nil {
			respondServiceError(c, err, "Failed to update API key")
			return
		}
		c.JSON(http.StatusOK, toAPIKeyResponse(key))
	}
}

// DeleteAPIKeyHandler revokes a key permanently
// DELETE /api/api-keys/:id
func (h *APIKeyHandlers) DeleteAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
			respondServiceError(c, err, "Failed to revoke API key")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "API key revoked successfully"})
	}
}

// GetAPIKeyUsageHandler reports usage counters and recent events
// GET /api/api-keys/:id/usage?limit=20
func (h *APIKeyHandlers) GetAPIKeyUsageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		summary, err := h.svc.Usage(c.Request.Context(), c.Param("id"), limit)
		if err != nil {
			respondServiceError(c, err, "Failed to fetch usage data")
			return
		}

		events := make([]UsageEventResponse, 0, len(summary.Recent))
		for _, e := range summary.Recent {
			events = append(events, UsageEventResponse{
				ID:        e.ID,
				Endpoint:  e.Endpoint,
				Method:    e.Method,
				IPAddress: e.IPAddress,
				UserAgent: e.UserAgent,
				Success:   e.Success,
				CreatedAt: e.CreatedAt,
			})
		}

		c.JSON(http.StatusOK, gin.H{
			"totalRequests": summary.TotalRequests,
			"thisMonth":     summary.ThisMonth,
			"lastWeek":      summary.LastWeek,
			"apiKey":        toAPIKeyResponse(summary.Key),
			"recentEvents":  events,
		})
	}
}

// RotateAPIKeyHandler replaces a key, optionally leaving the old one valid for a while
// POST /api/api-keys/:id/rotate
func (h *APIKeyHandlers) RotateAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RotateAPIKeyRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "details": err.Error()})
				return
			}
		}

		res, err := h.svc.Rotate(c.Request.Context(), c.Param("id"), time.Duration(req.GracePeriodHours)*time.Hour)
		if err != nil {
			respondServiceError(c, err, "Failed to rotate API key")
			return
		}

		body := gin.H{
			"apiKey":         toAPIKeyResponse(res.New.Key),
			"key":            res.New.Token,
			"old_key_status": res.OldKeyStatus,
			"message":        keyShownOnceMessage,
		}
		if res.OldExpiresAt != nil {
			body["old_key_expires_at"] = res.OldExpiresAt
		}
		c.JSON(http.StatusOK, body)
	}
}

// ScopeResponse describes one entry of the scope catalog
type ScopeResponse struct {
	Scope       string `json:"scope"`
	Description string `json:"description"`
}

// ListScopesHandler returns the scope catalog
// GET /api/scopes
func ListScopesHandler() gin.HandlerFunc {
	all := auth.AllScopes()
	scopes := make([]ScopeResponse, 0, len(all))
	for _, s := range all {
		scopes = append(scopes, ScopeResponse{Scope: string(s), Description: s.Description()})
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"scopes": scopes})
	}
}
