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

// SecretStore persists webhook signing secrets in Postgres.
type SecretStore struct {
	pool querier
}

// NewSecretStore constructs a SecretStore on an existing pool.
func NewSecretStore(pool querier) *SecretStore {
	return &SecretStore{pool: pool}
}

// GetSecret fetches a subscriber's secret record.
func (s *SecretStore) GetSecret(ctx context.Context, subscriberID uuid.UUID) (monitor.SubscriberSecret, error) {
	query := `
SELECT subscriber_id, current_secret, previous_secret, rotated_at
FROM subscriber_secrets
WHERE subscriber_id = $1`
	var secret monitor.SubscriberSecret
	err := s.pool.QueryRow(ctx, query, subscriberID).Scan(
		&secret.SubscriberID,
		&secret.Current,
		&secret.Previous,
		&secret.RotatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.SubscriberSecret{}, monitor.ErrNotFound
	}
	if err != nil {
		return monitor.SubscriberSecret{}, fmt.Errorf("get secret: %w", err)
	}
	return secret, nil
}

// SaveSecret upserts a subscriber's secret record.
func (s *SecretStore) SaveSecret(ctx context.Context, secret monitor.SubscriberSecret) error {
	query := `
INSERT INTO subscriber_secrets (subscriber_id, current_secret, previous_secret, rotated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (subscriber_id) DO UPDATE SET
	current_secret = EXCLUDED.current_secret,
	previous_secret = EXCLUDED.previous_secret,
	rotated_at = EXCLUDED.rotated_at`
	_, err := s.pool.Exec(ctx, query,
		secret.SubscriberID,
		secret.Current,
		secret.Previous,
		secret.RotatedAt,
	)
	if err != nil {
		return fmt.Errorf("save secret: %w", err)
	}
	return nil
}

// ClearExpiredPrevious drops previous secrets whose rotation happened before
// the given time, ending their grace window.
func (s *SecretStore) ClearExpiredPrevious(ctx context.Context, rotatedBefore time.Time) (int64, error) {
	query := `
UPDATE subscriber_secrets
SET previous_secret = NULL
WHERE previous_secret IS NOT NULL AND rotated_at < $1`
	tag, err := s.pool.Exec(ctx, query, rotatedBefore)
	if err != nil {
		return 0, fmt.Errorf("clear expired previous secrets: %w", err)
	}
	return tag.RowsAffected(), nil
}
