// audit.go provides Gin middleware that ships administrative changes to API keys to the
// external audit destinations, next to the per-request usage events the recorder ships.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Deepak8858/agent-crm/internal/audit"
	"github.com/Deepak8858/agent-crm/internal/safego"
)

// AuditTargetKey lets a handler name the key it changed when the route has no :id
// (key issuance).
const AuditTargetKey = "audit_target_id"

const auditShipTimeout = 5 * time.Second

// AdminAuditMiddleware ships one event per mutating admin request, denied ones included.
// Reads are not audited. Shipping happens after the response and never delays it.
func AdminAuditMiddleware(shipper audit.Shipper) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if shipper == nil {
			return
		}
		action := adminAction(c.Request.Method, c.Request.URL.Path)
		if action == "" {
			return
		}

		target := c.Param("id")
		if id := c.GetString(AuditTargetKey); id != "" {
			target = id
		}
		status := c.Writer.Status()
		event := &audit.Event{
			Timestamp:  time.Now().UTC(),
			Action:     action,
			APIKeyID:   c.GetString(APIKeyIDKey),
			Endpoint:   c.Request.URL.Path,
			Method:     c.Request.Method,
			IPAddress:  c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
			Success:    status < http.StatusBadRequest,
			TargetID:   target,
			StatusCode: status,
		}

		safego.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), auditShipTimeout)
			defer cancel()
			if err := shipper.Ship(ctx, event); err != nil {
				slog.Warn("failed to ship admin audit event", "action", event.Action, "error", err)
			}
		})
	}
}

// adminAction maps a request on the key-management routes to its audit action, or "" for
// requests that change nothing.
func adminAction(method, path string) string {
	switch method {
	case http.MethodPost:
		if strings.HasSuffix(path, "/rotate") {
			return audit.ActionKeyRotated
		}
		return audit.ActionKeyCreated
	case http.MethodPut, http.MethodPatch:
		return audit.ActionKeyUpdated
	case http.MethodDelete:
		return audit.ActionKeyRevoked
	default:
		return ""
	}
}
