// Package models - api_key_usage.go defines the append-only usage event written for every
// authorization attempt recorded against an API key.
package models

import "time"

// APIKeyUsage is one audit record of an authorization attempt
type APIKeyUsage struct {
	ID        string    `db:"id"`
	APIKeyID  string    `db:"api_key_id"`
	Endpoint  string    `db:"endpoint"`
	Method    string    `db:"method"`
	IPAddress string    `db:"ip_address"`
	UserAgent *string   `db:"user_agent"`
	Success   bool      `db:"success"`
	CreatedAt time.Time `db:"created_at"`
}
