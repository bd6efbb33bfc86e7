// Package detect compares consecutive snapshots and emits change events.
package detect

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
	"github.com/obsrvlabs/pricewatch/internal/telemetry"
)

// Notifier hands emitted events to the delivery pipeline.
type Notifier interface {
	Dispatch(ctx context.Context, event monitor.ChangeEvent, site monitor.Site, target monitor.Target) error
}

// Detector applies the threshold and stock-transition rules to a snapshot
// pair. The caller guarantees prev is the snapshot immediately preceding
// curr for the same target (single-writer-per-target scheduling makes the
// pair stable without locks).
type Detector struct {
	events   monitor.EventStore
	notifier Notifier
	idGen    monitor.IDGenerator
	clock    monitor.Clock
	logger   *zap.Logger
}

// New constructs a Detector.
func New(events monitor.EventStore, notifier Notifier, idGen monitor.IDGenerator, clock monitor.Clock, logger *zap.Logger) *Detector {
	return &Detector{
		events:   events,
		notifier: notifier,
		idGen:    idGen,
		clock:    clock,
		logger:   logger,
	}
}

// Detect computes deltas between prev and curr and emits zero or more
// change events. A nil prev records the baseline only. Returns the events
// actually emitted (duplicates from re-processing the same pair are
// dropped, not re-emitted).
func (d *Detector) Detect(ctx context.Context, site monitor.Site, target monitor.Target, prev *monitor.Snapshot, curr monitor.Snapshot) ([]monitor.ChangeEvent, error) {
	if prev == nil {
		d.logger.Debug("first snapshot for target, baseline only",
			zap.String("target_id", target.ID.String()))
		return nil, nil
	}

	var candidates []monitor.ChangeEvent

	if event, ok := d.priceChange(site, *prev, curr); ok {
		candidates = append(candidates, event)
	}
	if prev.Stock != curr.Stock {
		candidates = append(candidates, monitor.ChangeEvent{
			Kind:     monitor.ChangeStock,
			OldStock: prev.Stock,
			NewStock: curr.Stock,
		})
	}

	var emitted []monitor.ChangeEvent
	for _, event := range candidates {
		event.TargetID = target.ID
		event.SiteID = site.ID
		event.CrawlID = curr.CrawlID
		event.FromSnapshotID = prev.ID
		event.ToSnapshotID = curr.ID
		event.Currency = curr.Currency
		event.DetectedAt = d.clock.Now()

		id, err := d.idGen.NewRawID()
		if err != nil {
			return emitted, fmt.Errorf("generate event id: %w", err)
		}
		event.ID = id

		if err := d.events.Insert(ctx, event); err != nil {
			if errors.Is(err, monitor.ErrDuplicateEvent) {
				d.logger.Debug("change event already recorded for snapshot pair",
					zap.String("from", prev.ID.String()),
					zap.String("to", curr.ID.String()),
					zap.String("kind", string(event.Kind)))
				continue
			}
			return emitted, fmt.Errorf("insert change event: %w", err)
		}
		telemetry.ObserveChangeEvent(string(event.Kind))
		emitted = append(emitted, event)

		if err := d.notifier.Dispatch(ctx, event, site, target); err != nil {
			// Delivery bookkeeping failures never abort detection for the
			// remaining events; the recovery sweep owns stuck deliveries.
			d.logger.Error("dispatch failed",
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
		}
	}

	if len(emitted) > 0 {
		d.logger.Info("changes detected",
			zap.String("target_id", target.ID.String()),
			zap.Int("events", len(emitted)))
	}
	return emitted, nil
}

// priceChange applies the significance threshold. The snapshot is always
// persisted by the executor; only event emission is threshold-gated.
func (d *Detector) priceChange(site monitor.Site, prev, curr monitor.Snapshot) (monitor.ChangeEvent, bool) {
	event := monitor.ChangeEvent{
		Kind:     monitor.ChangePrice,
		OldPrice: prev.Price,
		NewPrice: curr.Price,
	}
	switch {
	case prev.Price == nil && curr.Price == nil:
		return event, false
	case prev.Price == nil || curr.Price == nil:
		// Price appeared or disappeared: notify, but no percentage exists.
		return event, true
	case *prev.Price == *curr.Price:
		return event, false
	case *prev.Price == 0:
		// No percentage computable against a zero base.
		return event, true
	}
	pct := (*curr.Price - *prev.Price) / *prev.Price * 100
	if math.Abs(pct) < site.PriceThresholdPct {
		return event, false
	}
	event.ChangePct = &pct
	return event, true
}
