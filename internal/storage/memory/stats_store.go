package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

type statKey struct {
	target uuid.UUID
	month  time.Time
}

// StatsStore keeps monthly aggregates in a map.
type StatsStore struct {
	mu    sync.RWMutex
	stats map[statKey]monitor.MonthlyStat
}

// NewStatsStore constructs a StatsStore.
func NewStatsStore() *StatsStore {
	return &StatsStore{stats: make(map[statKey]monitor.MonthlyStat)}
}

// UpsertMonthly writes aggregates, merging into prior rows for the same
// target and month so a month expiring across several sweeps accumulates.
func (s *StatsStore) UpsertMonthly(_ context.Context, stats []monitor.MonthlyStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stat := range stats {
		key := statKey{target: stat.TargetID, month: stat.Month}
		if prior, ok := s.stats[key]; ok {
			stat = mergeMonthly(prior, stat)
		}
		s.stats[key] = stat
	}
	return nil
}

func mergeMonthly(a, b monitor.MonthlyStat) monitor.MonthlyStat {
	merged := a
	merged.MinPrice = lesserPrice(a.MinPrice, b.MinPrice)
	merged.MaxPrice = greaterPrice(a.MaxPrice, b.MaxPrice)
	merged.AvgPrice = weightedAvg(a, b)
	merged.Samples = a.Samples + b.Samples
	merged.PriceChanges = a.PriceChanges + b.PriceChanges
	merged.StockChanges = a.StockChanges + b.StockChanges
	return merged
}

func lesserPrice(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b < *a:
		return b
	default:
		return a
	}
}

func greaterPrice(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b > *a:
		return b
	default:
		return a
	}
}

func weightedAvg(a, b monitor.MonthlyStat) *float64 {
	switch {
	case a.AvgPrice == nil:
		return b.AvgPrice
	case b.AvgPrice == nil:
		return a.AvgPrice
	}
	total := a.Samples + b.Samples
	if total == 0 {
		return a.AvgPrice
	}
	avg := (*a.AvgPrice*float64(a.Samples) + *b.AvgPrice*float64(b.Samples)) / float64(total)
	return &avg
}

// ListMonthly returns a target's aggregates in month order.
func (s *StatsStore) ListMonthly(_ context.Context, targetID uuid.UUID) ([]monitor.MonthlyStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats []monitor.MonthlyStat
	for k, stat := range s.stats {
		if k.target == targetID {
			stats = append(stats, stat)
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Month.Before(stats[j].Month) })
	return stats, nil
}
