package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

type eventKey struct {
	from uuid.UUID
	to   uuid.UUID
	kind monitor.ChangeKind
}

// EventStore keeps change events in a map, enforcing one event per snapshot
// pair and kind.
type EventStore struct {
	mu     sync.RWMutex
	events map[uuid.UUID]monitor.ChangeEvent
	pairs  map[eventKey]uuid.UUID
}

// NewEventStore constructs an EventStore.
func NewEventStore() *EventStore {
	return &EventStore{
		events: make(map[uuid.UUID]monitor.ChangeEvent),
		pairs:  make(map[eventKey]uuid.UUID),
	}
}

// Insert records a change event, returning monitor.ErrDuplicateEvent if the
// snapshot pair was already processed for this kind.
func (s *EventStore) Insert(_ context.Context, event monitor.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := eventKey{from: event.FromSnapshotID, to: event.ToSnapshotID, kind: event.Kind}
	if _, ok := s.pairs[k]; ok {
		return monitor.ErrDuplicateEvent
	}
	s.pairs[k] = event.ID
	s.events[event.ID] = event
	return nil
}

// GetEvent returns one change event by ID.
func (s *EventStore) GetEvent(_ context.Context, id uuid.UUID) (monitor.ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[id]
	if !ok {
		return monitor.ChangeEvent{}, monitor.ErrNotFound
	}
	return event, nil
}
