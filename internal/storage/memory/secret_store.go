package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

// SecretStore keeps webhook signing secrets in a map.
type SecretStore struct {
	mu      sync.RWMutex
	secrets map[uuid.UUID]monitor.SubscriberSecret
}

// NewSecretStore constructs a SecretStore.
func NewSecretStore() *SecretStore {
	return &SecretStore{secrets: make(map[uuid.UUID]monitor.SubscriberSecret)}
}

// GetSecret returns a subscriber's secret record.
func (s *SecretStore) GetSecret(_ context.Context, subscriberID uuid.UUID) (monitor.SubscriberSecret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[subscriberID]
	if !ok {
		return monitor.SubscriberSecret{}, monitor.ErrNotFound
	}
	return secret, nil
}

// SaveSecret upserts a subscriber's secret record.
func (s *SecretStore) SaveSecret(_ context.Context, secret monitor.SubscriberSecret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[secret.SubscriberID] = secret
	return nil
}

// ClearExpiredPrevious drops previous secrets rotated before the given time.
func (s *SecretStore) ClearExpiredPrevious(_ context.Context, rotatedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cleared int64
	for id, secret := range s.secrets {
		if secret.Previous == nil || secret.RotatedAt == nil {
			continue
		}
		if secret.RotatedAt.Before(rotatedBefore) {
			secret.Previous = nil
			s.secrets[id] = secret
			cleared++
		}
	}
	return cleared, nil
}
