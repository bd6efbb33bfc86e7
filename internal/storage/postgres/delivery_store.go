package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

// DeliveryStore persists webhook delivery attempts in Postgres. An event's
// attempts form its retry history; the latest row decides whether a retry is
// still owed.
type DeliveryStore struct {
	pool querier
}

// NewDeliveryStore constructs a DeliveryStore on an existing pool.
func NewDeliveryStore(pool querier) *DeliveryStore {
	return &DeliveryStore{pool: pool}
}

const attemptColumns = `id, event_id, attempt_number, attempted_at, http_status, outcome, error_text, next_retry_at, payload`

// RecordAttempt appends one delivery attempt.
func (s *DeliveryStore) RecordAttempt(ctx context.Context, attempt monitor.DeliveryAttempt) error {
	query := `
INSERT INTO delivery_attempts (` + attemptColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.pool.Exec(ctx, query,
		attempt.ID,
		attempt.EventID,
		attempt.AttemptNumber,
		attempt.AttemptedAt,
		attempt.HTTPStatus,
		string(attempt.Outcome),
		attempt.ErrorText,
		attempt.NextRetryAt,
		attempt.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

// LatestAttempt returns the highest-numbered attempt for an event.
func (s *DeliveryStore) LatestAttempt(ctx context.Context, eventID uuid.UUID) (monitor.DeliveryAttempt, error) {
	query := `
SELECT ` + attemptColumns + `
FROM delivery_attempts
WHERE event_id = $1
ORDER BY attempt_number DESC
LIMIT 1`
	row := s.pool.QueryRow(ctx, query, eventID)
	attempt, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.DeliveryAttempt{}, monitor.ErrNotFound
	}
	if err != nil {
		return monitor.DeliveryAttempt{}, fmt.Errorf("latest delivery attempt: %w", err)
	}
	return attempt, nil
}

// Due lists events whose most recent attempt failed with a retry time at or
// before now. Each row carries the persisted payload so the retry sends the
// exact bytes of the original notification.
func (s *DeliveryStore) Due(ctx context.Context, now time.Time, limit int) ([]monitor.PendingDelivery, error) {
	query := `
SELECT event_id, attempt_number + 1, payload
FROM (
	SELECT DISTINCT ON (event_id) event_id, attempt_number, outcome, next_retry_at, payload
	FROM delivery_attempts
	ORDER BY event_id, attempt_number DESC
) last
WHERE last.outcome = 'failed'
	AND last.next_retry_at IS NOT NULL
	AND last.next_retry_at <= $1
ORDER BY last.next_retry_at
LIMIT $2`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due deliveries: %w", err)
	}
	defer rows.Close()

	var pending []monitor.PendingDelivery
	for rows.Next() {
		var p monitor.PendingDelivery
		if err := rows.Scan(&p.EventID, &p.NextAttempt, &p.Payload); err != nil {
			return nil, fmt.Errorf("scan due delivery: %w", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due deliveries: %w", err)
	}
	return pending, nil
}

// DeleteOlderThan prunes attempts made before the cutoff.
func (s *DeliveryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM delivery_attempts WHERE attempted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete delivery attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAttempt(row pgx.Row) (monitor.DeliveryAttempt, error) {
	var (
		attempt monitor.DeliveryAttempt
		outcome string
	)
	err := row.Scan(
		&attempt.ID,
		&attempt.EventID,
		&attempt.AttemptNumber,
		&attempt.AttemptedAt,
		&attempt.HTTPStatus,
		&outcome,
		&attempt.ErrorText,
		&attempt.NextRetryAt,
		&attempt.Payload,
	)
	if err != nil {
		return monitor.DeliveryAttempt{}, err
	}
	attempt.Outcome = monitor.DeliveryOutcome(outcome)
	return attempt, nil
}
