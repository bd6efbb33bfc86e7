// Package memory provides in-memory store implementations for development
// and testing.
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

// SiteStore keeps sites in a map.
type SiteStore struct {
	mu    sync.RWMutex
	sites map[uuid.UUID]monitor.Site
}

// NewSiteStore constructs a SiteStore.
func NewSiteStore() *SiteStore {
	return &SiteStore{sites: make(map[uuid.UUID]monitor.Site)}
}

// CreateSite stores a new site.
func (s *SiteStore) CreateSite(_ context.Context, site monitor.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sites[site.ID]; ok {
		return fmt.Errorf("site %s already exists", site.ID)
	}
	s.sites[site.ID] = site
	return nil
}

// GetSite returns one site by ID.
func (s *SiteStore) GetSite(_ context.Context, id uuid.UUID) (monitor.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[id]
	if !ok {
		return monitor.Site{}, monitor.ErrNotFound
	}
	return site, nil
}

// ListActiveSites returns active sites ordered by creation time.
func (s *SiteStore) ListActiveSites(_ context.Context) ([]monitor.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sites []monitor.Site
	for _, site := range s.sites {
		if site.Status == monitor.SiteStatusActive {
			sites = append(sites, site)
		}
	}
	sort.Slice(sites, func(i, j int) bool {
		return sites[i].CreatedAt.Before(sites[j].CreatedAt)
	})
	return sites, nil
}

// ListSites returns every site ordered by creation time.
func (s *SiteStore) ListSites(_ context.Context) ([]monitor.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sites := make([]monitor.Site, 0, len(s.sites))
	for _, site := range s.sites {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool {
		return sites[i].CreatedAt.Before(sites[j].CreatedAt)
	})
	return sites, nil
}

// SetSiteStatus moves a site between lifecycle states.
func (s *SiteStore) SetSiteStatus(_ context.Context, id uuid.UUID, status monitor.SiteStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[id]
	if !ok {
		return monitor.ErrNotFound
	}
	site.Status = status
	if status == monitor.SiteStatusActive {
		site.ConsecutiveFailures = 0
	}
	s.sites[id] = site
	return nil
}

// RecordRunOutcome updates run bookkeeping and returns the consecutive
// failure count after the update.
func (s *SiteStore) RecordRunOutcome(_ context.Context, id uuid.UUID, status monitor.CrawlStatus, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[id]
	if !ok {
		return 0, monitor.ErrNotFound
	}
	site.LastCrawlStatus = status
	site.LastCrawledAt = &at
	if status == monitor.CrawlStatusFailed {
		site.ConsecutiveFailures++
	} else {
		site.ConsecutiveFailures = 0
	}
	s.sites[id] = site
	return site.ConsecutiveFailures, nil
}
