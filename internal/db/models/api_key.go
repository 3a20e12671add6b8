// Package models defines the database model types for the CRM credential service.
// Each type corresponds to a database table and uses db struct tags for sqlx row scanning.
// Models are pure data types; query logic belongs in the repositories layer.
package models

import (
	"time"

	"github.com/lib/pq"
)

// APIKey represents an API key issued to a machine client such as the voice agent
type APIKey struct {
	ID                       string         `db:"id"`
	Name                     string         `db:"name"`       // Friendly name (e.g., "Voice Agent Production")
	KeyPrefix                string         `db:"key_prefix"` // Public lookup prefix (e.g., "va_1a2b3c4d")
	KeyHash                  string         `db:"key_hash"`   // Bcrypt hash of the full key
	Scopes                   pq.StringArray `db:"scopes"`     // text[]: {contacts:read,activities:write}
	IsActive                 bool           `db:"is_active"`
	ExpiresAt                *time.Time     `db:"expires_at"`
	CreatedBy                string         `db:"created_by"`
	CreatedAt                time.Time      `db:"created_at"`
	UpdatedAt                time.Time      `db:"updated_at"`
	UsageCount               int64          `db:"usage_count"`
	LastUsedAt               *time.Time     `db:"last_used_at"`
	ExpiryNotificationSentAt *time.Time     `db:"expiry_notification_sent_at"`
}

// IsUsable reports whether the key is active and not expired at now.
func (k *APIKey) IsUsable(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}
