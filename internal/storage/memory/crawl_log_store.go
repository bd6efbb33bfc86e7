package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

// CrawlLogStore keeps run logs in a map.
type CrawlLogStore struct {
	mu   sync.RWMutex
	logs map[uuid.UUID]monitor.CrawlLog
}

// NewCrawlLogStore constructs a CrawlLogStore.
func NewCrawlLogStore() *CrawlLogStore {
	return &CrawlLogStore{logs: make(map[uuid.UUID]monitor.CrawlLog)}
}

// Create stores the run row at run start.
func (s *CrawlLogStore) Create(_ context.Context, log monitor.CrawlLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[log.ID] = log
	return nil
}

// Finalize records the run's terminal status and counters.
func (s *CrawlLogStore) Finalize(_ context.Context, log monitor.CrawlLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[log.ID]; !ok {
		return monitor.ErrNotFound
	}
	s.logs[log.ID] = log
	return nil
}

// Get returns one run log by ID.
func (s *CrawlLogStore) Get(_ context.Context, id uuid.UUID) (monitor.CrawlLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.logs[id]
	if !ok {
		return monitor.CrawlLog{}, monitor.ErrNotFound
	}
	return log, nil
}

// DeleteOlderThan prunes runs started before the cutoff.
func (s *CrawlLogStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, log := range s.logs {
		if log.StartedAt.Before(cutoff) {
			delete(s.logs, id)
			deleted++
		}
	}
	return deleted, nil
}
