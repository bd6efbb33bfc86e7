// Package secrets issues and rotates per-subscriber webhook signing secrets.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
	"github.com/obsrvlabs/pricewatch/internal/notify"
)

// secretBytes is the entropy of a generated secret (hex-encoded to 64 chars).
const secretBytes = 32

// Manager owns the secret lifecycle: single-secret, then dual-secret during
// the rotation grace window, then single-secret again after the sweep.
type Manager struct {
	store  monitor.SecretStore
	clock  monitor.Clock
	logger *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(store monitor.SecretStore, clock monitor.Clock, logger *zap.Logger) *Manager {
	return &Manager{store: store, clock: clock, logger: logger}
}

// Issue creates the initial secret for a subscriber that has none.
func (m *Manager) Issue(ctx context.Context, subscriberID uuid.UUID) (string, error) {
	if _, err := m.store.GetSecret(ctx, subscriberID); err == nil {
		return "", fmt.Errorf("subscriber %s already has a secret", subscriberID)
	} else if !errors.Is(err, monitor.ErrNotFound) {
		return "", fmt.Errorf("load secret: %w", err)
	}
	secret, err := generate()
	if err != nil {
		return "", err
	}
	record := monitor.SubscriberSecret{SubscriberID: subscriberID, Current: secret}
	if err := m.store.SaveSecret(ctx, record); err != nil {
		return "", fmt.Errorf("save secret: %w", err)
	}
	return secret, nil
}

// Rotate moves the current secret into the previous slot, generates a fresh
// current secret, and stamps the rotation time. The previous secret stays
// verifiable for the grace window so subscriber-side verification can catch
// up; outgoing deliveries sign with the new current secret immediately.
func (m *Manager) Rotate(ctx context.Context, subscriberID uuid.UUID) (string, error) {
	record, err := m.store.GetSecret(ctx, subscriberID)
	if err != nil {
		return "", fmt.Errorf("load secret: %w", err)
	}
	fresh, err := generate()
	if err != nil {
		return "", err
	}
	now := m.clock.Now()
	prev := record.Current
	record.Previous = &prev
	record.Current = fresh
	record.RotatedAt = &now
	if err := m.store.SaveSecret(ctx, record); err != nil {
		return "", fmt.Errorf("save rotated secret: %w", err)
	}
	m.logger.Info("subscriber secret rotated",
		zap.String("subscriber_id", subscriberID.String()))
	return fresh, nil
}

// CurrentSecret implements notify.SecretSource: signing always uses the
// current secret only.
func (m *Manager) CurrentSecret(ctx context.Context, subscriberID uuid.UUID) (string, error) {
	record, err := m.store.GetSecret(ctx, subscriberID)
	if err != nil {
		return "", err
	}
	return record.Current, nil
}

// Verify checks a signature header for a subscriber, honoring the rotation
// grace window.
func (m *Manager) Verify(ctx context.Context, subscriberID uuid.UUID, payload []byte, header string) error {
	record, err := m.store.GetSecret(ctx, subscriberID)
	if err != nil {
		return fmt.Errorf("load secret: %w", err)
	}
	return notify.VerifyWithRotation(record, payload, header, m.clock.Now())
}

// RunSweeper clears expired previous secrets until the context ends.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepOnce(ctx)
		}
	}
}

// SweepOnce closes the grace window for any secret rotated more than an
// hour ago.
func (m *Manager) SweepOnce(ctx context.Context) {
	cleared, err := m.store.ClearExpiredPrevious(ctx, m.clock.Now().Add(-notify.RotationGrace))
	if err != nil {
		m.logger.Error("secret grace sweep failed", zap.Error(err))
		return
	}
	if cleared > 0 {
		m.logger.Info("cleared expired previous secrets", zap.Int64("count", cleared))
	}
}

func generate() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
