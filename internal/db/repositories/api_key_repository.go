// Package repositories implements the PostgreSQL data access layer.
// api_key_repository.go holds the Credential Store: prefix lookup constrained to live keys,
// issuance, administrative mutation, the atomic usage counter and expiry bookkeeping.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/Deepak8858/agent-crm/internal/db/models"
)

var (
	// ErrNotFound is returned by mutations that matched no row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicatePrefix is returned by Create when the key prefix is already taken.
	ErrDuplicatePrefix = errors.New("api key prefix already exists")
)

const (
	uniqueViolation       = "23505"
	keyPrefixUniqueConstr = "api_keys_key_prefix_key"
)

const apiKeyColumns = `id, name, key_prefix, key_hash, scopes, is_active, expires_at, created_by,
	created_at, updated_at, usage_count, last_used_at, expiry_notification_sent_at`

// APIKeyRepository handles API key database operations
type APIKeyRepository struct {
	db *sqlx.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *sqlx.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create inserts a new key. ID and timestamps are assigned here when unset.
func (r *APIKeyRepository) Create(ctx context.Context, apiKey *models.APIKey) error {
	if apiKey.ID == "" {
		apiKey.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if apiKey.CreatedAt.IsZero() {
		apiKey.CreatedAt = now
	}
	apiKey.UpdatedAt = apiKey.CreatedAt
	if apiKey.Scopes == nil {
		apiKey.Scopes = pq.StringArray{}
	}

	query := `
		INSERT INTO api_keys (id, name, key_prefix, key_hash, scopes, is_active, expires_at,
		                      created_by, created_at, updated_at, usage_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0)
	`
	_, err := r.db.ExecContext(ctx, query,
		apiKey.ID,
		apiKey.Name,
		apiKey.KeyPrefix,
		apiKey.KeyHash,
		apiKey.Scopes,
		apiKey.IsActive,
		apiKey.ExpiresAt,
		apiKey.CreatedBy,
		apiKey.CreatedAt,
		apiKey.UpdatedAt,
	)
	if isPrefixCollision(err) {
		return ErrDuplicatePrefix
	}
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	return nil
}

// FindActiveByPrefix resolves a key by prefix, constrained in the query itself to
// is_active AND (expires_at IS NULL OR expires_at > now). A missing, revoked and expired
// key all return (nil, nil).
func (r *APIKeyRepository) FindActiveByPrefix(ctx context.Context, prefix string, now time.Time) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE key_prefix = $1
		  AND is_active = true
		  AND (expires_at IS NULL OR expires_at > $2)
		LIMIT 1`

	key := &models.APIKey{}
	err := r.db.GetContext(ctx, key, query, prefix, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// GetByID returns a key regardless of status, or (nil, nil) if it does not exist.
func (r *APIKeyRepository) GetByID(ctx context.Context, id string) (*models.APIKey, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	key := &models.APIKey{}
	err := r.db.GetContext(ctx, key, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// List returns every key, newest first.
func (r *APIKeyRepository) List(ctx context.Context) ([]*models.APIKey, error) {
	keys := make([]*models.APIKey, 0)
	if err := r.db.SelectContext(ctx, &keys, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`); err != nil {
		return nil, err
	}
	return keys, nil
}

// Update writes the mutable fields (name, scopes, is_active, expires_at) and bumps updated_at.
func (r *APIKeyRepository) Update(ctx context.Context, apiKey *models.APIKey) error {
	apiKey.UpdatedAt = time.Now().UTC()
	if apiKey.Scopes == nil {
		apiKey.Scopes = pq.StringArray{}
	}

	query := `
		UPDATE api_keys
		SET name = $2, scopes = $3, is_active = $4, expires_at = $5, updated_at = $6
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		apiKey.ID,
		apiKey.Name,
		apiKey.Scopes,
		apiKey.IsActive,
		apiKey.ExpiresAt,
		apiKey.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	return expectOneRow(res)
}

// Delete hard-deletes a key. Its usage events go with it (ON DELETE CASCADE).
func (r *APIKeyRepository) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	return expectOneRow(res)
}

// IncrementUsage advances usage_count by one and moves last_used_at forward to usedAt in a
// single statement, so concurrent callers never lose an update. Returns the new count.
func (r *APIKeyRepository) IncrementUsage(ctx context.Context, id string, usedAt time.Time) (int64, error) {
	query := `
		UPDATE api_keys
		SET usage_count = usage_count + 1,
		    last_used_at = GREATEST(last_used_at, $2)
		WHERE id = $1
		RETURNING usage_count
	`
	var count int64
	err := r.db.QueryRowxContext(ctx, query, id, usedAt).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// FindExpiringKeys returns active keys expiring within warningDays of now that have not
// had an expiry warning sent yet, soonest first.
func (r *APIKeyRepository) FindExpiringKeys(ctx context.Context, warningDays int, now time.Time) ([]*models.APIKey, error) {
	cutoff := now.Add(time.Duration(warningDays) * 24 * time.Hour)
	query := `SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE is_active = true
		  AND expires_at IS NOT NULL
		  AND expires_at > $1
		  AND expires_at <= $2
		  AND expiry_notification_sent_at IS NULL
		ORDER BY expires_at ASC`

	keys := make([]*models.APIKey, 0)
	if err := r.db.SelectContext(ctx, &keys, query, now, cutoff); err != nil {
		return nil, err
	}
	return keys, nil
}

// MarkExpiryNotificationSent records that the expiry warning went out for a key, preventing
// duplicate warnings on later runs.
func (r *APIKeyRepository) MarkExpiryNotificationSent(ctx context.Context, id string, sentAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET expiry_notification_sent_at = $1 WHERE id = $2`, sentAt, id)
	return err
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isPrefixCollision(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == uniqueViolation && (pqErr.Constraint == "" || pqErr.Constraint == keyPrefixUniqueConstr)
}
