package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

// SnapshotStore keeps snapshots in an append-only slice per target.
type SnapshotStore struct {
	mu       sync.RWMutex
	byTarget map[uuid.UUID][]monitor.Snapshot
}

// NewSnapshotStore constructs a SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{byTarget: make(map[uuid.UUID][]monitor.Snapshot)}
}

// Insert appends one snapshot.
func (s *SnapshotStore) Insert(_ context.Context, snap monitor.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTarget[snap.TargetID] = append(s.byTarget[snap.TargetID], snap)
	return nil
}

// Latest returns the most recently captured snapshot for a target.
func (s *SnapshotStore) Latest(_ context.Context, targetID uuid.UUID) (monitor.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.byTarget[targetID]
	if len(snaps) == 0 {
		return monitor.Snapshot{}, monitor.ErrNotFound
	}
	latest := snaps[0]
	for _, snap := range snaps[1:] {
		if snap.CapturedAt.After(latest.CapturedAt) {
			latest = snap
		}
	}
	return latest, nil
}

// MonthlyAggregates summarizes a site's snapshots captured before the cutoff.
// Change counts are left zero; the in-memory store has no event history.
func (s *SnapshotStore) MonthlyAggregates(_ context.Context, siteID uuid.UUID, cutoff time.Time) ([]monitor.MonthlyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct {
		target uuid.UUID
		month  time.Time
	}
	type bucket struct {
		samples  int
		priced   int
		sum      float64
		min, max float64
	}
	buckets := make(map[key]*bucket)
	for targetID, snaps := range s.byTarget {
		for _, snap := range snaps {
			if snap.SiteID != siteID || !snap.CapturedAt.Before(cutoff) {
				continue
			}
			k := key{target: targetID, month: monthOf(snap.CapturedAt)}
			b, ok := buckets[k]
			if !ok {
				b = &bucket{}
				buckets[k] = b
			}
			b.samples++
			if snap.Price == nil {
				continue
			}
			price := *snap.Price
			if b.priced == 0 || price < b.min {
				b.min = price
			}
			if b.priced == 0 || price > b.max {
				b.max = price
			}
			b.priced++
			b.sum += price
		}
	}

	stats := make([]monitor.MonthlyStat, 0, len(buckets))
	for k, b := range buckets {
		stat := monitor.MonthlyStat{
			TargetID: k.target,
			SiteID:   siteID,
			Month:    k.month,
			Samples:  b.samples,
		}
		if b.priced > 0 {
			minPrice, maxPrice, avgPrice := b.min, b.max, b.sum/float64(b.priced)
			stat.MinPrice = &minPrice
			stat.MaxPrice = &maxPrice
			stat.AvgPrice = &avgPrice
		}
		stats = append(stats, stat)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].TargetID != stats[j].TargetID {
			return stats[i].TargetID.String() < stats[j].TargetID.String()
		}
		return stats[i].Month.Before(stats[j].Month)
	})
	return stats, nil
}

// DropBefore removes a site's snapshots captured before the cutoff.
func (s *SnapshotStore) DropBefore(_ context.Context, siteID uuid.UUID, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped int64
	for targetID, snaps := range s.byTarget {
		kept := snaps[:0]
		for _, snap := range snaps {
			if snap.SiteID == siteID && snap.CapturedAt.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, snap)
		}
		if len(kept) == 0 {
			delete(s.byTarget, targetID)
			continue
		}
		s.byTarget[targetID] = kept
	}
	return dropped, nil
}

func monthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
