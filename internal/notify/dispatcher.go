// Package notify signs and delivers change events to subscriber webhooks,
// owning the durable retry schedule and delivery bookkeeping.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
	"github.com/obsrvlabs/pricewatch/internal/telemetry"
)

// retryDelays[n] is the wait before attempt n+2: 5 minutes after the first
// failure, 30 minutes after the second. The delay is persisted as
// NextRetryAt on the failed attempt so it survives restarts.
var retryDelays = []time.Duration{5 * time.Minute, 30 * time.Minute}

// SecretSource resolves the current signing secret for a subscriber.
// Outgoing deliveries are always signed with the current secret.
type SecretSource interface {
	CurrentSecret(ctx context.Context, subscriberID uuid.UUID) (string, error)
}

// Config controls Dispatcher behavior.
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

// Dispatcher delivers change events to subscriber endpoints. Deliveries for
// independent events proceed concurrently; attempts for the same event are
// strictly sequential because a retry is only ever issued by the recovery
// sweep after the prior attempt's outcome was recorded.
type Dispatcher struct {
	deliveries monitor.DeliveryStore
	events     monitor.EventStore
	sites      monitor.SiteStore
	targets    monitor.TargetStore
	secrets    SecretSource
	idGen      monitor.IDGenerator
	clock      monitor.Clock
	client     *http.Client
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Dispatcher.
func New(
	deliveries monitor.DeliveryStore,
	events monitor.EventStore,
	sites monitor.SiteStore,
	targets monitor.TargetStore,
	secrets SecretSource,
	idGen monitor.IDGenerator,
	clock monitor.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "pricewatch-webhook/1.0"
	}
	return &Dispatcher{
		deliveries: deliveries,
		events:     events,
		sites:      sites,
		targets:    targets,
		secrets:    secrets,
		idGen:      idGen,
		clock:      clock,
		client:     &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger,
	}
}

// Dispatch serializes the event and performs the first delivery attempt.
// Failures are absorbed into the retry schedule and never propagate to the
// crawl pipeline.
func (d *Dispatcher) Dispatch(ctx context.Context, event monitor.ChangeEvent, site monitor.Site, target monitor.Target) error {
	if !site.WebhookEnabled || site.WebhookURL == "" {
		d.logger.Debug("webhook disabled for site, skipping dispatch",
			zap.String("site_id", site.ID.String()),
			zap.String("event_id", event.ID.String()))
		return nil
	}
	payload, err := BuildPayload(event, site, target, d.clock.Now())
	if err != nil {
		return fmt.Errorf("build payload for event %s: %w", event.ID, err)
	}
	return d.attempt(ctx, event.ID, site, payload, 1)
}

// attempt performs delivery attempt n and records its outcome. Attempt
// numbers run 1..MaxDeliveryAttempts.
func (d *Dispatcher) attempt(ctx context.Context, eventID uuid.UUID, site monitor.Site, payload []byte, number int) error {
	attemptID, err := d.idGen.NewRawID()
	if err != nil {
		return fmt.Errorf("generate attempt id: %w", err)
	}

	start := d.clock.Now()
	status, postErr := d.post(ctx, site, payload)
	elapsed := d.clock.Now().Sub(start)

	attempt := monitor.DeliveryAttempt{
		ID:            attemptID,
		EventID:       eventID,
		AttemptNumber: number,
		AttemptedAt:   start,
		Payload:       payload,
	}
	if status > 0 {
		attempt.HTTPStatus = &status
	}

	switch {
	case postErr == nil:
		attempt.Outcome = monitor.DeliverySuccess
	case number >= monitor.MaxDeliveryAttempts:
		// Terminal: the payload stays on the attempt row for manual
		// redelivery through the admin surface.
		attempt.Outcome = monitor.DeliveryExhausted
		attempt.ErrorText = postErr.Error()
	default:
		attempt.Outcome = monitor.DeliveryFailed
		attempt.ErrorText = postErr.Error()
		next := start.Add(retryDelays[number-1])
		attempt.NextRetryAt = &next
	}

	telemetry.ObserveDelivery(string(attempt.Outcome), elapsed)

	if err := d.deliveries.RecordAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}

	logFields := []zap.Field{
		zap.String("event_id", eventID.String()),
		zap.Int("attempt", number),
		zap.String("outcome", string(attempt.Outcome)),
		zap.Duration("elapsed", elapsed),
	}
	if postErr != nil {
		logFields = append(logFields, zap.Error(postErr))
	}
	switch attempt.Outcome {
	case monitor.DeliverySuccess:
		d.logger.Info("webhook delivered", logFields...)
	case monitor.DeliveryExhausted:
		d.logger.Error("webhook delivery exhausted", logFields...)
	default:
		d.logger.Warn("webhook delivery failed, retry scheduled",
			append(logFields, zap.Timep("next_retry_at", attempt.NextRetryAt))...)
	}
	return nil
}

// post signs and sends the payload. A nil error means HTTP 2xx within the
// timeout; everything else is a DeliveryError.
func (d *Dispatcher) post(ctx context.Context, site monitor.Site, payload []byte) (int, error) {
	secret, err := d.secrets.CurrentSecret(ctx, site.SubscriberID)
	if err != nil {
		return 0, &monitor.DeliveryError{Err: fmt.Errorf("resolve signing secret: %w", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, site.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return 0, &monitor.DeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set("X-Signature", Sign(secret, payload, d.clock.Now()))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &monitor.DeliveryError{Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &monitor.DeliveryError{HTTPStatus: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

// Redeliver performs one manual delivery of an event whose retry chain is
// exhausted, reusing the persisted payload. It does not restart the
// automatic schedule.
func (d *Dispatcher) Redeliver(ctx context.Context, eventID uuid.UUID) error {
	last, err := d.deliveries.LatestAttempt(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load latest attempt: %w", err)
	}
	if last.Outcome != monitor.DeliveryExhausted {
		return fmt.Errorf("event %s is not exhausted (outcome %s)", eventID, last.Outcome)
	}
	event, err := d.events.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	site, err := d.sites.GetSite(ctx, event.SiteID)
	if err != nil {
		return fmt.Errorf("load site: %w", err)
	}
	return d.attempt(ctx, eventID, site, last.Payload, last.AttemptNumber+1)
}

// RunSweeper re-enqueues due retries until the context ends. It runs one
// pass immediately so deliveries pending across a restart resume promptly.
func (d *Dispatcher) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	d.SweepOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SweepOnce(ctx)
		}
	}
}

// SweepOnce delivers every attempt whose persisted NextRetryAt has passed.
func (d *Dispatcher) SweepOnce(ctx context.Context) {
	const batchSize = 100
	due, err := d.deliveries.Due(ctx, d.clock.Now(), batchSize)
	if err != nil {
		d.logger.Error("delivery sweep query failed", zap.Error(err))
		return
	}
	for _, pending := range due {
		if ctx.Err() != nil {
			return
		}
		if err := d.retryPending(ctx, pending); err != nil {
			d.logger.Error("delivery retry failed",
				zap.String("event_id", pending.EventID.String()),
				zap.Int("attempt", pending.NextAttempt),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) retryPending(ctx context.Context, pending monitor.PendingDelivery) error {
	event, err := d.events.GetEvent(ctx, pending.EventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	site, err := d.sites.GetSite(ctx, event.SiteID)
	if err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			d.logger.Warn("site gone, abandoning delivery",
				zap.String("event_id", pending.EventID.String()))
			return nil
		}
		return fmt.Errorf("load site: %w", err)
	}
	return d.attempt(ctx, pending.EventID, site, pending.Payload, pending.NextAttempt)
}
