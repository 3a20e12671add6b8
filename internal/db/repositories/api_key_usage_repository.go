// api_key_usage_repository.go appends to and reads from the api_key_usage audit trail.
package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Deepak8858/agent-crm/internal/db/models"
)

// APIKeyUsageRepository handles usage event persistence
type APIKeyUsageRepository struct {
	db *sqlx.DB
}

// NewAPIKeyUsageRepository creates a new APIKeyUsageRepository
func NewAPIKeyUsageRepository(db *sqlx.DB) *APIKeyUsageRepository {
	return &APIKeyUsageRepository{db: db}
}

// CreateUsageEvent appends one event. Events are never updated or deleted here.
func (r *APIKeyUsageRepository) CreateUsageEvent(ctx context.Context, usage *models.APIKeyUsage) error {
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO api_key_usage (id, api_key_id, endpoint, method, ip_address, user_agent, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		usage.ID,
		usage.APIKeyID,
		usage.Endpoint,
		usage.Method,
		usage.IPAddress,
		usage.UserAgent,
		usage.Success,
		usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

// ListByAPIKey returns the most recent events for a key, newest first.
func (r *APIKeyUsageRepository) ListByAPIKey(ctx context.Context, apiKeyID string, limit int) ([]*models.APIKeyUsage, error) {
	query := `
		SELECT id, api_key_id, endpoint, method, ip_address, user_agent, success, created_at
		FROM api_key_usage
		WHERE api_key_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	events := make([]*models.APIKeyUsage, 0)
	if err := r.db.SelectContext(ctx, &events, query, apiKeyID, limit); err != nil {
		return nil, err
	}
	return events, nil
}

// CountSince counts successful events for a key at or after since.
func (r *APIKeyUsageRepository) CountSince(ctx context.Context, apiKeyID string, since time.Time) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM api_key_usage WHERE api_key_id = $1 AND success = true AND created_at >= $2`
	if err := r.db.GetContext(ctx, &count, query, apiKeyID, since); err != nil {
		return 0, err
	}
	return count, nil
}
