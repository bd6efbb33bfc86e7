package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

const uniqueViolation = "23505"

// EventStore persists change events in Postgres. The unique constraint on
// (from_snapshot_id, to_snapshot_id, kind) keeps detection idempotent even if
// two processes race on the same snapshot pair.
type EventStore struct {
	pool querier
}

// NewEventStore constructs an EventStore on an existing pool.
func NewEventStore(pool querier) *EventStore {
	return &EventStore{pool: pool}
}

const eventColumns = `id, target_id, site_id, crawl_id, from_snapshot_id, to_snapshot_id, kind,
old_price, new_price, change_pct, old_stock, new_stock, currency, detected_at`

// Insert records a change event. Returns monitor.ErrDuplicateEvent if the
// snapshot pair was already processed for this kind.
func (s *EventStore) Insert(ctx context.Context, event monitor.ChangeEvent) error {
	query := `
INSERT INTO change_events (` + eventColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := s.pool.Exec(ctx, query,
		event.ID,
		event.TargetID,
		event.SiteID,
		event.CrawlID,
		event.FromSnapshotID,
		event.ToSnapshotID,
		string(event.Kind),
		event.OldPrice,
		event.NewPrice,
		event.ChangePct,
		string(event.OldStock),
		string(event.NewStock),
		event.Currency,
		event.DetectedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return monitor.ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	return nil
}

// GetEvent fetches one change event by ID.
func (s *EventStore) GetEvent(ctx context.Context, id uuid.UUID) (monitor.ChangeEvent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM change_events WHERE id = $1`, id)
	var (
		event    monitor.ChangeEvent
		kind     string
		oldStock string
		newStock string
	)
	err := row.Scan(
		&event.ID,
		&event.TargetID,
		&event.SiteID,
		&event.CrawlID,
		&event.FromSnapshotID,
		&event.ToSnapshotID,
		&kind,
		&event.OldPrice,
		&event.NewPrice,
		&event.ChangePct,
		&oldStock,
		&newStock,
		&event.Currency,
		&event.DetectedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.ChangeEvent{}, monitor.ErrNotFound
	}
	if err != nil {
		return monitor.ChangeEvent{}, fmt.Errorf("get change event: %w", err)
	}
	event.Kind = monitor.ChangeKind(kind)
	event.OldStock = monitor.StockStatus(oldStock)
	event.NewStock = monitor.StockStatus(newStock)
	return event, nil
}
