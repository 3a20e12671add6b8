package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Deepak8858/agent-crm/internal/db/models"
)

// memStore is an in-memory credential store. It applies the same liveness filter the SQL
// lookup does and implements the atomic counter under a mutex.
type memStore struct {
	mu      sync.Mutex
	byID    map[string]*models.APIKey
	events  []*models.APIKeyUsage
	findErr error
	incErr  error
	logErr  error
}

func newMemStore() *memStore {
	return &memStore{byID: map[string]*models.APIKey{}}
}

func (s *memStore) put(k *models.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *k
	s.byID[k.ID] = &cp
}

func (s *memStore) get(id string) models.APIKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.byID[id]
}

func (s *memStore) setActive(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id].IsActive = active
}

func (s *memStore) usageEvents() []*models.APIKeyUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.APIKeyUsage(nil), s.events...)
}

func (s *memStore) FindActiveByPrefix(_ context.Context, prefix string, now time.Time) (*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	for _, k := range s.byID {
		if k.KeyPrefix == prefix && k.IsActive && (k.ExpiresAt == nil || k.ExpiresAt.After(now)) {
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) IncrementUsage(_ context.Context, id string, usedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incErr != nil {
		return 0, s.incErr
	}
	k, ok := s.byID[id]
	if !ok {
		return 0, errors.New("not found")
	}
	k.UsageCount++
	if k.LastUsedAt == nil || usedAt.After(*k.LastUsedAt) {
		t := usedAt
		k.LastUsedAt = &t
	}
	return k.UsageCount, nil
}

func (s *memStore) CreateUsageEvent(_ context.Context, usage *models.APIKeyUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logErr != nil {
		return s.logErr
	}
	s.events = append(s.events, usage)
	return nil
}
