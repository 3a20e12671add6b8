package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Deepak8858/agent-crm/internal/db/models"
)

var agentRequest = RequestInfo{
	Endpoint:  "/api/agent/contacts",
	Method:    "GET",
	ClientIP:  "203.0.113.9",
	UserAgent: "voice-agent/1.0",
}

// issueTestKey stores a freshly generated key and returns its raw token.
func issueTestKey(t *testing.T, store *memStore, id string, scopes []string, active bool, expiresAt *time.Time) string {
	t.Helper()
	token, prefix, err := GenerateAPIKey(DefaultNamespace)
	require.NoError(t, err)
	hash, err := HashAPIKey(token, bcrypt.MinCost)
	require.NoError(t, err)
	store.put(&models.APIKey{
		ID:        id,
		Name:      "key " + id,
		KeyPrefix: prefix,
		KeyHash:   hash,
		Scopes:    pq.StringArray(scopes),
		IsActive:  active,
		ExpiresAt: expiresAt,
	})
	return token
}

func newTestAuthenticator(store *memStore, auditFailures bool) *Authenticator {
	recorder := NewUsageRecorder(store, store, nil)
	return NewAuthenticator(store, recorder, AuthenticatorConfig{
		BcryptCost:          bcrypt.MinCost,
		AuditFailedAttempts: auditFailures,
	})
}

func TestAuthenticate_Success(t *testing.T) {
	store := newMemStore()
	token := issueTestKey(t, store, "k1", []string{"contacts:read", "activities:write"}, true, nil)
	authn := newTestAuthenticator(store, false)

	res, err := authn.Authenticate(context.Background(), "Bearer "+token, []Scope{ScopeContactsRead}, agentRequest)
	require.NoError(t, err)
	assert.True(t, res.Authenticated)
	assert.Equal(t, "k1", res.CredentialID)
	assert.ElementsMatch(t, []string{"contacts:read", "activities:write"}, res.GrantedScopes)

	key := store.get("k1")
	assert.Equal(t, int64(1), key.UsageCount)
	require.NotNil(t, key.LastUsedAt)

	events := store.usageEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "k1", events[0].APIKeyID)
	assert.Equal(t, "/api/agent/contacts", events[0].Endpoint)
	assert.Equal(t, "GET", events[0].Method)
	assert.Equal(t, "203.0.113.9", events[0].IPAddress)
	require.NotNil(t, events[0].UserAgent)
	assert.Equal(t, "voice-agent/1.0", *events[0].UserAgent)
	assert.True(t, events[0].Success)
}

func TestAuthenticate_NoRequiredScopes(t *testing.T) {
	store := newMemStore()
	token := issueTestKey(t, store, "k1", nil, true, nil)
	authn := newTestAuthenticator(store, false)

	res, err := authn.Authenticate(context.Background(), "Bearer "+token, nil, agentRequest)
	require.NoError(t, err)
	assert.True(t, res.Authenticated)
	assert.Empty(t, res.GrantedScopes)
}

func TestAuthenticate_Malformed(t *testing.T) {
	store := newMemStore()
	authn := newTestAuthenticator(store, false)

	for name, header := range map[string]string{
		"absent":          "",
		"basic scheme":    "Basic dXNlcjpwYXNz",
		"no scheme":       "va_1a2b3c4d_deadbeef",
		"wrong namespace": "Bearer ak_1a2b3c4d_deadbeef",
		"two segments":    "Bearer va_1a2b3c4d",
		"empty token":     "Bearer ",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := authn.Authenticate(context.Background(), header, []Scope{ScopeContactsRead}, agentRequest)
			assert.ErrorIs(t, err, ErrMalformedCredential)
			assert.Equal(t, "malformed", Outcome(err))
		})
	}
	assert.Empty(t, store.usageEvents())
}

func TestAuthenticate_UnknownPrefix(t *testing.T) {
	store := newMemStore()
	issueTestKey(t, store, "k1", []string{"contacts:read"}, true, nil)
	authn := newTestAuthenticator(store, true)

	other, _, err := GenerateAPIKey(DefaultNamespace)
	require.NoError(t, err)

	_, err = authn.Authenticate(context.Background(), "Bearer "+other, nil, agentRequest)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredCredential)
	assert.Empty(t, store.usageEvents(), "no credential to attribute the attempt to")
}

// Never-issued, deactivated and expired keys must be indistinguishable to the caller.
func TestAuthenticate_InactiveAndExpiredMergeWithUnknown(t *testing.T) {
	store := newMemStore()
	past := time.Now().Add(-time.Hour)
	inactive := issueTestKey(t, store, "inactive", []string{"contacts:read"}, false, nil)
	expired := issueTestKey(t, store, "expired", []string{"contacts:read"}, true, &past)
	unknown, _, err := GenerateAPIKey(DefaultNamespace)
	require.NoError(t, err)

	authn := newTestAuthenticator(store, false)

	var errs []error
	for _, token := range []string{inactive, expired, unknown} {
		_, err := authn.Authenticate(context.Background(), "Bearer "+token, []Scope{ScopeContactsRead}, agentRequest)
		errs = append(errs, err)
	}
	for i, err := range errs {
		assert.ErrorIs(t, err, ErrInvalidOrExpiredCredential, "case %d", i)
		assert.Equal(t, errs[0].Error(), err.Error(), "case %d message differs", i)
	}
	assert.Equal(t, int64(0), store.get("inactive").UsageCount)
	assert.Equal(t, int64(0), store.get("expired").UsageCount)
}

func TestAuthenticate_ExpiryBoundary(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	atNow := now
	justAfter := now.Add(time.Second)
	tokenAtNow := issueTestKey(t, store, "at-now", nil, true, &atNow)
	tokenAfter := issueTestKey(t, store, "after", nil, true, &justAfter)

	authn := newTestAuthenticator(store, false)
	authn.now = func() time.Time { return now }

	_, err := authn.Authenticate(context.Background(), "Bearer "+tokenAtNow, nil, agentRequest)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredCredential, "expires_at == now is expired")

	_, err = authn.Authenticate(context.Background(), "Bearer "+tokenAfter, nil, agentRequest)
	assert.NoError(t, err)
}

func TestAuthenticate_WrongSecret(t *testing.T) {
	store := newMemStore()
	token := issueTestKey(t, store, "k1", []string{"contacts:read"}, true, nil)
	authn := newTestAuthenticator(store, false)

	prefix, err := ParseKeyPrefix(DefaultNamespace, token)
	require.NoError(t, err)
	forged := prefix + KeySeparator + "00000000000000000000000000000000000000000000000000000000000000ff"

	_, err = authn.Authenticate(context.Background(), "Bearer "+forged, nil, agentRequest)
	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.Equal(t, int64(0), store.get("k1").UsageCount)
	assert.Empty(t, store.usageEvents(), "failed attempts are not audited by default")
}

func TestAuthenticate_Scopes(t *testing.T) {
	tests := []struct {
		name     string
		granted  []string
		required []Scope
		wantErr  error
	}{
		{"write required read granted", []string{"contacts:read"}, []Scope{ScopeContactsWrite}, ErrInsufficientScope},
		{"read and write granted", []string{"contacts:read", "contacts:write"}, []Scope{ScopeContactsWrite}, nil},
		{"admin is not a wildcard", []string{"admin:write"}, []Scope{ScopeTicketsWrite}, ErrInsufficientScope},
		{"multiple required all granted", []string{"tickets:read", "tickets:write"}, []Scope{ScopeTicketsRead, ScopeTicketsWrite}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			token := issueTestKey(t, store, "k1", tt.granted, true, nil)
			authn := newTestAuthenticator(store, false)

			_, err := authn.Authenticate(context.Background(), "Bearer "+token, tt.required, agentRequest)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				assert.Equal(t, int64(1), store.get("k1").UsageCount)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, int64(0), store.get("k1").UsageCount)
			}
		})
	}
}

func TestAuthenticate_AuditFailedAttempts(t *testing.T) {
	store := newMemStore()
	token := issueTestKey(t, store, "k1", []string{"contacts:read"}, true, nil)
	authn := newTestAuthenticator(store, true)

	_, err := authn.Authenticate(context.Background(), "Bearer "+token, []Scope{ScopeTicketsWrite}, agentRequest)
	require.ErrorIs(t, err, ErrInsufficientScope)

	prefix, _ := ParseKeyPrefix(DefaultNamespace, token)
	_, err = authn.Authenticate(context.Background(), "Bearer "+prefix+"_ffff", nil, agentRequest)
	require.ErrorIs(t, err, ErrInvalidCredential)

	events := store.usageEvents()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.False(t, e.Success)
		assert.Equal(t, "k1", e.APIKeyID)
	}
	assert.Equal(t, int64(0), store.get("k1").UsageCount, "denied attempts never advance the counter")
}

func TestAuthenticate_StoreUnavailable(t *testing.T) {
	store := newMemStore()
	token := issueTestKey(t, store, "k1", nil, true, nil)
	store.findErr = errors.New("connection refused")
	authn := newTestAuthenticator(store, false)

	_, err := authn.Authenticate(context.Background(), "Bearer "+token, nil, agentRequest)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, "error", Outcome(err))
}

func TestAuthenticate_RecordingFailureDoesNotFailRequest(t *testing.T) {
	store := newMemStore()
	token := issueTestKey(t, store, "k1", []string{"contacts:read"}, true, nil)
	store.incErr = errors.New("deadlock detected")
	store.logErr = errors.New("disk full")
	authn := newTestAuthenticator(store, false)

	res, err := authn.Authenticate(context.Background(), "Bearer "+token, []Scope{ScopeContactsRead}, agentRequest)
	require.NoError(t, err)
	assert.True(t, res.Authenticated)
}

func TestAuthenticate_NilRecorder(t *testing.T) {
	store := newMemStore()
	token := issueTestKey(t, store, "k1", nil, true, nil)
	authn := NewAuthenticator(store, nil, AuthenticatorConfig{BcryptCost: bcrypt.MinCost})

	_, err := authn.Authenticate(context.Background(), "Bearer "+token, nil, agentRequest)
	assert.NoError(t, err)
}

func TestAuthenticate_ConcurrentUsageIsNotLost(t *testing.T) {
	store := newMemStore()
	token := issueTestKey(t, store, "k1", []string{"contacts:read"}, true, nil)
	authn := newTestAuthenticator(store, false)

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := authn.Authenticate(context.Background(), "Bearer "+token, []Scope{ScopeContactsRead}, agentRequest)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(n), store.get("k1").UsageCount)
	assert.Len(t, store.usageEvents(), n)
}

func TestAuthenticate_RevocationTakesEffectImmediately(t *testing.T) {
	store := newMemStore()
	token := issueTestKey(t, store, "k1", []string{"contacts:read"}, true, nil)
	authn := newTestAuthenticator(store, false)

	_, err := authn.Authenticate(context.Background(), "Bearer "+token, nil, agentRequest)
	require.NoError(t, err)

	store.setActive("k1", false)
	_, err = authn.Authenticate(context.Background(), "Bearer "+token, nil, agentRequest)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredCredential)

	store.setActive("k1", true)
	_, err = authn.Authenticate(context.Background(), "Bearer "+token, nil, agentRequest)
	assert.NoError(t, err, "re-activation restores access")
}

func TestAuthenticate_VoiceAgentTestingScenario(t *testing.T) {
	store := newMemStore()
	oneYear := time.Now().AddDate(1, 0, 0)
	token := issueTestKey(t, store, "voice", []string{"contacts:read", "activities:write"}, true, &oneYear)
	authn := newTestAuthenticator(store, false)
	header := "Bearer " + token

	before := store.get("voice").UsageCount
	res, err := authn.Authenticate(context.Background(), header, []Scope{ScopeContactsRead}, agentRequest)
	require.NoError(t, err)
	assert.Equal(t, "voice", res.CredentialID)
	assert.Equal(t, before+1, store.get("voice").UsageCount)

	_, err = authn.Authenticate(context.Background(), header, []Scope{ScopeTicketsWrite}, agentRequest)
	assert.ErrorIs(t, err, ErrInsufficientScope)

	store.setActive("voice", false)
	_, err = authn.Authenticate(context.Background(), header, []Scope{ScopeContactsRead}, agentRequest)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredCredential)
}
