package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

// TargetStore keeps tracked items in a map.
type TargetStore struct {
	mu      sync.RWMutex
	targets map[uuid.UUID]monitor.Target
}

// NewTargetStore constructs a TargetStore.
func NewTargetStore() *TargetStore {
	return &TargetStore{targets: make(map[uuid.UUID]monitor.Target)}
}

// CreateTarget stores a new target.
func (s *TargetStore) CreateTarget(_ context.Context, target monitor.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[target.ID]; ok {
		return fmt.Errorf("target %s already exists", target.ID)
	}
	s.targets[target.ID] = target
	return nil
}

// ListActiveTargets returns a site's active targets ordered by URL.
func (s *TargetStore) ListActiveTargets(_ context.Context, siteID uuid.UUID) ([]monitor.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var targets []monitor.Target
	for _, target := range s.targets {
		if target.SiteID == siteID && target.IsActive {
			targets = append(targets, target)
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].URL < targets[j].URL
	})
	return targets, nil
}

// GetTarget returns one target by ID.
func (s *TargetStore) GetTarget(_ context.Context, id uuid.UUID) (monitor.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.targets[id]
	if !ok {
		return monitor.Target{}, monitor.ErrNotFound
	}
	return target, nil
}

// UpdateCurrent caches the latest observed fields on the target.
func (s *TargetStore) UpdateCurrent(_ context.Context, id uuid.UUID, price *float64, currency string, stock monitor.StockStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[id]
	if !ok {
		return monitor.ErrNotFound
	}
	target.CurrentPrice = price
	target.Currency = currency
	target.CurrentStock = stock
	target.LastCrawledAt = &at
	s.targets[id] = target
	return nil
}

// MarkDelisted deactivates a target.
func (s *TargetStore) MarkDelisted(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[id]
	if !ok {
		return monitor.ErrNotFound
	}
	target.IsActive = false
	target.DelistedAt = &at
	s.targets[id] = target
	return nil
}
