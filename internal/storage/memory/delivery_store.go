package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

// DeliveryStore keeps webhook delivery attempts per event.
type DeliveryStore struct {
	mu      sync.RWMutex
	byEvent map[uuid.UUID][]monitor.DeliveryAttempt
}

// NewDeliveryStore constructs a DeliveryStore.
func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{byEvent: make(map[uuid.UUID][]monitor.DeliveryAttempt)}
}

// RecordAttempt appends one delivery attempt.
func (s *DeliveryStore) RecordAttempt(_ context.Context, attempt monitor.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEvent[attempt.EventID] = append(s.byEvent[attempt.EventID], attempt)
	return nil
}

// LatestAttempt returns the highest-numbered attempt for an event.
func (s *DeliveryStore) LatestAttempt(_ context.Context, eventID uuid.UUID) (monitor.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempts := s.byEvent[eventID]
	if len(attempts) == 0 {
		return monitor.DeliveryAttempt{}, monitor.ErrNotFound
	}
	latest := attempts[0]
	for _, attempt := range attempts[1:] {
		if attempt.AttemptNumber > latest.AttemptNumber {
			latest = attempt
		}
	}
	return latest, nil
}

// Due lists events whose most recent attempt failed with a retry time at or
// before now, earliest retry first.
func (s *DeliveryStore) Due(_ context.Context, now time.Time, limit int) ([]monitor.PendingDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type due struct {
		pending monitor.PendingDelivery
		at      time.Time
	}
	var found []due
	for eventID, attempts := range s.byEvent {
		latest := attempts[0]
		for _, attempt := range attempts[1:] {
			if attempt.AttemptNumber > latest.AttemptNumber {
				latest = attempt
			}
		}
		if latest.Outcome != monitor.DeliveryFailed || latest.NextRetryAt == nil {
			continue
		}
		if latest.NextRetryAt.After(now) {
			continue
		}
		found = append(found, due{
			pending: monitor.PendingDelivery{
				EventID:     eventID,
				NextAttempt: latest.AttemptNumber + 1,
				Payload:     latest.Payload,
			},
			at: *latest.NextRetryAt,
		})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].at.Before(found[j].at) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	pending := make([]monitor.PendingDelivery, 0, len(found))
	for _, d := range found {
		pending = append(pending, d.pending)
	}
	return pending, nil
}

// DeleteOlderThan prunes attempts made before the cutoff.
func (s *DeliveryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for eventID, attempts := range s.byEvent {
		kept := attempts[:0]
		for _, attempt := range attempts {
			if attempt.AttemptedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, attempt)
		}
		if len(kept) == 0 {
			delete(s.byEvent, eventID)
			continue
		}
		s.byEvent[eventID] = kept
	}
	return deleted, nil
}
