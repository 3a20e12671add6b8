package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Deepak8858/agent-crm/internal/db/models"
)

// CredentialStore resolves a live API key by its public prefix. Implementations must apply
// the liveness filter (is_active AND (expires_at IS NULL OR expires_at > now)) in the lookup
// itself and return (nil, nil) when nothing matches.
type CredentialStore interface {
	FindActiveByPrefix(ctx context.Context, prefix string, now time.Time) (*models.APIKey, error)
}

// Recorder receives usage events for authorization attempts. Record must not fail the
// request: implementations log and swallow their own errors.
type Recorder interface {
	Record(ctx context.Context, event UsageEvent)
}

// RequestInfo describes the request being authorized, for the usage audit trail.
type RequestInfo struct {
	Endpoint  string
	Method    string
	ClientIP  string
	UserAgent string
}

// Result is the authorization context handed to route handlers on success.
type Result struct {
	Authenticated bool
	CredentialID  string
	Name          string
	GrantedScopes []string
}

// AuthenticatorConfig tunes an Authenticator.
type AuthenticatorConfig struct {
	// Namespace is the tag every accepted key starts with (default "va").
	Namespace string
	// BcryptCost is used for the decoy hash verified when no key matches, so a miss costs
	// about as much as a hit.
	BcryptCost int
	// AuditFailedAttempts also records usage events with success=false when a live key was
	// resolved but the secret or scope check failed.
	AuditFailedAttempts bool
}

// Authenticator is the request-time orchestrator: parse bearer header, resolve the key by
// prefix, verify the secret, check scopes, record usage. It holds no per-request state and
// is safe for concurrent use.
type Authenticator struct {
	store    CredentialStore
	recorder Recorder
	cfg      AuthenticatorConfig
	now      func() time.Time

	decoyOnce sync.Once
	decoyHash string
}

// NewAuthenticator creates a new Authenticator. recorder may be nil.
func NewAuthenticator(store CredentialStore, recorder Recorder, cfg AuthenticatorConfig) *Authenticator {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = BcryptCost
	}
	return &Authenticator{
		store:    store,
		recorder: recorder,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Authenticate authorizes a request carrying rawHeader (the Authorization header value,
// "" when absent) against requiredScopes. Checks run in order and stop at the first
// failure; the returned error is one of the sentinel errors in errors.go.
func (a *Authenticator) Authenticate(ctx context.Context, rawHeader string, requiredScopes []Scope, req RequestInfo) (*Result, error) {
	token, err := ExtractAPIKeyFromHeader(rawHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	prefix, err := ParseKeyPrefix(a.cfg.Namespace, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	now := a.now()
	key, err := a.store.FindActiveByPrefix(ctx, prefix, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if key == nil || !key.IsUsable(now) {
		a.verifyDecoy(token)
		slog.Debug("api key rejected", "key_prefix", prefix, "reason", "invalid_or_expired")
		return nil, ErrInvalidOrExpiredCredential
	}

	if !ValidateAPIKey(token, key.KeyHash) {
		slog.Debug("api key rejected", "key_prefix", prefix, "api_key_id", key.ID, "reason", "invalid")
		a.recordFailure(ctx, key, req, now, ErrInvalidCredential)
		return nil, ErrInvalidCredential
	}

	if len(requiredScopes) > 0 && !IsSatisfied(requiredScopes, key.Scopes) {
		slog.Debug("api key rejected", "key_prefix", prefix, "api_key_id", key.ID, "reason", "insufficient_scope")
		a.recordFailure(ctx, key, req, now, ErrInsufficientScope)
		return nil, ErrInsufficientScope
	}

	if a.recorder != nil {
		a.recorder.Record(ctx, UsageEvent{
			APIKeyID:  key.ID,
			KeyPrefix: key.KeyPrefix,
			Request:   req,
			Success:   true,
			Timestamp: now,
		})
	}

	granted := make([]string, len(key.Scopes))
	copy(granted, key.Scopes)

	return &Result{
		Authenticated: true,
		CredentialID:  key.ID,
		Name:          key.Name,
		GrantedScopes: granted,
	}, nil
}

func (a *Authenticator) recordFailure(ctx context.Context, key *models.APIKey, req RequestInfo, now time.Time, reason error) {
	if !a.cfg.AuditFailedAttempts || a.recorder == nil {
		return
	}
	a.recorder.Record(ctx, UsageEvent{
		APIKeyID:  key.ID,
		KeyPrefix: key.KeyPrefix,
		Request:   req,
		Success:   false,
		Reason:    Outcome(reason),
		Timestamp: now,
	})
}

// verifyDecoy spends one bcrypt comparison when no key matched so that unknown prefixes
// are not answered measurably faster than known ones.
func (a *Authenticator) verifyDecoy(token string) {
	a.decoyOnce.Do(func() {
		decoy, _, err := GenerateAPIKey(a.cfg.Namespace)
		if err != nil {
			return
		}
		a.decoyHash, err = HashAPIKey(decoy, a.cfg.BcryptCost)
		if err != nil {
			a.decoyHash = ""
		}
	})
	if a.decoyHash != "" {
		_ = ValidateAPIKey(token, a.decoyHash)
	}
}
