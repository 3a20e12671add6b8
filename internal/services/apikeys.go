// Package services implements business logic that coordinates across repositories.
// apikeys.go owns the administrative lifecycle of API keys: issuance (generate, hash,
// insert with collision retry), partial updates, rotation with a grace period, deletion
// and usage statistics. The request-time path lives in internal/auth.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Deepak8858/agent-crm/internal/auth"
	"github.com/Deepak8858/agent-crm/internal/db/models"
	"github.com/Deepak8858/agent-crm/internal/db/repositories"
	"github.com/Deepak8858/agent-crm/internal/telemetry"
)

var (
	// ErrNotFound is returned when the referenced key does not exist.
	ErrNotFound = errors.New("api key not found")
	// ErrInvalidInput wraps every validation failure; the message is safe to show callers.
	ErrInvalidInput = errors.New("invalid input")
)

const (
	// issueAttempts bounds retries when a freshly generated prefix collides with an existing one.
	issueAttempts = 3

	// MaxRotationGrace is the longest an old key may stay valid after rotation.
	MaxRotationGrace = 72 * time.Hour

	DefaultUsageLimit = 20
	MaxUsageLimit     = 100
)

// APIKeyStore is the persistence surface the service needs.
type APIKeyStore interface {
	Create(ctx context.Context, apiKey *models.APIKey) error
	GetByID(ctx context.Context, id string) (*models.APIKey, error)
	List(ctx context.Context) ([]*models.APIKey, error)
	Update(ctx context.Context, apiKey *models.APIKey) error
	Delete(ctx context.Context, id string) error
}

// UsageReader reads the usage audit trail.
type UsageReader interface {
	ListByAPIKey(ctx context.Context, apiKeyID string, limit int) ([]*models.APIKeyUsage, error)
	CountSince(ctx context.Context, apiKeyID string, since time.Time) (int64, error)
}

// APIKeyService handles API key administration
type APIKeyService struct {
	keys       APIKeyStore
	usage      UsageReader
	namespace  string
	bcryptCost int
	now        func() time.Time
}

// NewAPIKeyService creates a new APIKeyService
func NewAPIKeyService(keys APIKeyStore, usage UsageReader, namespace string, bcryptCost int) *APIKeyService {
	if namespace == "" {
		namespace = auth.DefaultNamespace
	}
	if bcryptCost == 0 {
		bcryptCost = auth.BcryptCost
	}
	return &APIKeyService{
		keys:       keys,
		usage:      usage,
		namespace:  namespace,
		bcryptCost: bcryptCost,
		now:        time.Now,
	}
}

// IssueRequest describes a key to mint.
type IssueRequest struct {
	Name      string
	Scopes    []string
	ExpiresAt *time.Time
	CreatedBy string
}

// IssuedKey is a freshly minted key. Token is the only copy of the raw key and must be
// handed to the caller once and then dropped.
type IssuedKey struct {
	Key   *models.APIKey
	Token string
}

// Issue validates req, mints a key and stores its hash.
func (s *APIKeyService) Issue(ctx context.Context, req IssueRequest) (*IssuedKey, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(req.Scopes) == 0 {
		return nil, fmt.Errorf("%w: at least one scope is required", ErrInvalidInput)
	}
	scopes, err := auth.NormalizeScopes(req.Scopes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return nil, fmt.Errorf("%w: expiresAt must be in the future", ErrInvalidInput)
	}

	issued, err := s.mint(ctx, &models.APIKey{
		Name:      name,
		Scopes:    pq.StringArray(scopes),
		IsActive:  true,
		ExpiresAt: req.ExpiresAt,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("api key issued",
		"api_key_id", issued.Key.ID,
		"key_prefix", issued.Key.KeyPrefix,
		"scopes", scopes,
		"created_by", req.CreatedBy)
	return issued, nil
}

// mint fills in prefix and hash on template and inserts it, regenerating on prefix collision.
func (s *APIKeyService) mint(ctx context.Context, template *models.APIKey) (*IssuedKey, error) {
	for attempt := 1; attempt <= issueAttempts; attempt++ {
		token, prefix, err := auth.GenerateAPIKey(s.namespace)
		if err != nil {
			return nil, err
		}
		hash, err := auth.HashAPIKey(token, s.bcryptCost)
		if err != nil {
			return nil, err
		}

		key := *template
		key.ID = ""
		key.KeyPrefix = prefix
		key.KeyHash = hash
		key.CreatedAt = s.now().UTC()

		err = s.keys.Create(ctx, &key)
		if errors.Is(err, repositories.ErrDuplicatePrefix) {
			slog.Warn("api key prefix collision, regenerating", "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		telemetry.APIKeyIssuedTotal.Inc()
		return &IssuedKey{Key: &key, Token: token}, nil
	}
	return nil, fmt.Errorf("failed to allocate a unique key prefix after %d attempts", issueAttempts)
}

// List returns all keys, newest first.
func (s *APIKeyService) List(ctx context.Context) ([]*models.APIKey, error) {
	return s.keys.List(ctx)
}

// Get returns one key or ErrNotFound.
func (s *APIKeyService) Get(ctx context.Context, id string) (*models.APIKey, error) {
	key, err := s.keys.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrNotFound
	}
	return key, nil
}

// UpdateRequest is a partial update; nil fields are left unchanged.
type UpdateRequest struct {
	Name     *string
	Scopes   []string
	IsActive *bool
}

// Update applies req to the key. Deactivation takes effect on the next request since
// nothing caches credentials.
func (s *APIKeyService) Update(ctx context.Context, id string, req UpdateRequest) (*models.APIKey, error) {
	key, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidInput)
		}
		key.Name = name
	}
	if req.Scopes != nil {
		if len(req.Scopes) == 0 {
			return nil, fmt.Errorf("%w: at least one scope is required", ErrInvalidInput)
		}
		scopes, err := auth.NormalizeScopes(req.Scopes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		key.Scopes = pq.StringArray(scopes)
	}
	if req.IsActive != nil {
		key.IsActive = *req.IsActive
	}

	if err := s.keys.Update(ctx, key); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	slog.Info("api key updated", "api_key_id", key.ID, "is_active", key.IsActive, "scopes", []string(key.Scopes))
	return key, nil
}

// Delete hard-deletes a key and, through the cascade, its usage history.
func (s *APIKeyService) Delete(ctx context.Context, id string) error {
	if err := s.keys.Delete(ctx, id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	slog.Info("api key deleted", "api_key_id", id)
	return nil
}

// Old key states reported by Rotate.
const (
	OldKeyRevoked                 = "revoked"
	OldKeyExpiresAt               = "expires_at"
	OldKeyRevocationFailed        = "revocation_failed"
	OldKeyGracePeriodUpdateFailed = "grace_period_update_failed"
)

// RotateResult carries the replacement key and what happened to the old one.
type RotateResult struct {
	New          *IssuedKey
	OldKeyStatus string
	OldExpiresAt *time.Time
}

// Rotate issues a replacement with the same scopes and expiry. With grace == 0 the old key
// is deleted; otherwise it expires after grace, or at its original expiry if that comes
// first. Only usable keys can be rotated. The new key is already committed when the
// old key's update fails, so that failure is reported in OldKeyStatus rather than returned.
func (s *APIKeyService) Rotate(ctx context.Context, id string, grace time.Duration) (*RotateResult, error) {
	if grace < 0 || grace > MaxRotationGrace {
		return nil, fmt.Errorf("%w: grace period must be between 0 and %d hours", ErrInvalidInput, int(MaxRotationGrace.Hours()))
	}

	old, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !old.IsUsable(now) {
		return nil, fmt.Errorf("%w: only active, unexpired API keys can be rotated", ErrInvalidInput)
	}

	name := old.Name
	if !strings.HasSuffix(name, " (rotated)") {
		name += " (rotated)"
	}
	issued, err := s.mint(ctx, &models.APIKey{
		Name:      name,
		Scopes:    old.Scopes,
		IsActive:  true,
		ExpiresAt: old.ExpiresAt,
		CreatedBy: old.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	result := &RotateResult{New: issued}
	if grace == 0 {
		if err := s.keys.Delete(ctx, old.ID); err != nil {
			slog.Error("failed to revoke rotated api key", "api_key_id", old.ID, "error", err)
			result.OldKeyStatus = OldKeyRevocationFailed
		} else {
			result.OldKeyStatus = OldKeyRevoked
		}
	} else {
		end := now.Add(grace).UTC()
		if old.ExpiresAt != nil && old.ExpiresAt.Before(end) {
			end = old.ExpiresAt.UTC()
		}
		old.ExpiresAt = &end
		if err := s.keys.Update(ctx, old); err != nil {
			slog.Error("failed to schedule expiry of rotated api key", "api_key_id", old.ID, "error", err)
			result.OldKeyStatus = OldKeyGracePeriodUpdateFailed
		} else {
			result.OldKeyStatus = OldKeyExpiresAt
			result.OldExpiresAt = &end
		}
	}

	slog.Info("api key rotated",
		"old_api_key_id", old.ID,
		"new_api_key_id", issued.Key.ID,
		"old_key_status", result.OldKeyStatus)
	return result, nil
}

// UsageSummary aggregates the usage trail of one key.
type UsageSummary struct {
	Key           *models.APIKey
	TotalRequests int64
	ThisMonth     int64
	LastWeek      int64
	Recent        []*models.APIKeyUsage
}

// Usage returns counters and the most recent events for a key. limit is clamped to
// [1, MaxUsageLimit]; 0 means DefaultUsageLimit.
func (s *APIKeyService) Usage(ctx context.Context, id string, limit int) (*UsageSummary, error) {
	key, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case limit <= 0:
		limit = DefaultUsageLimit
	case limit > MaxUsageLimit:
		limit = MaxUsageLimit
	}

	now := s.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	thisMonth, err := s.usage.CountSince(ctx, key.ID, monthStart)
	if err != nil {
		return nil, fmt.Errorf("failed to count monthly usage: %w", err)
	}
	lastWeek, err := s.usage.CountSince(ctx, key.ID, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to count weekly usage: %w", err)
	}
	recent, err := s.usage.ListByAPIKey(ctx, key.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage events: %w", err)
	}

	return &UsageSummary{
		Key:           key,
		TotalRequests: key.UsageCount,
		ThisMonth:     thisMonth,
		LastWeek:      lastWeek,
		Recent:        recent,
	}, nil
}
