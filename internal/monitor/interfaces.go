package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Fetcher is the external page-fetcher collaborator. A returned error is
// retryable; a result with NotFound set marks the target delisted instead.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// SiteStore persists monitored sites and their run bookkeeping.
type SiteStore interface {
	CreateSite(ctx context.Context, site Site) error
	GetSite(ctx context.Context, id uuid.UUID) (Site, error)
	ListActiveSites(ctx context.Context) ([]Site, error)
	// ListSites returns every site regardless of lifecycle state.
	ListSites(ctx context.Context) ([]Site, error)
	SetSiteStatus(ctx context.Context, id uuid.UUID, status SiteStatus) error
	// RecordRunOutcome stores the run status on the site and returns the
	// updated consecutive-failure count.
	RecordRunOutcome(ctx context.Context, id uuid.UUID, status CrawlStatus, at time.Time) (int, error)
}

// TargetStore persists tracked items and their cached current fields.
type TargetStore interface {
	CreateTarget(ctx context.Context, target Target) error
	ListActiveTargets(ctx context.Context, siteID uuid.UUID) ([]Target, error)
	GetTarget(ctx context.Context, id uuid.UUID) (Target, error)
	UpdateCurrent(ctx context.Context, id uuid.UUID, price *float64, currency string, stock StockStatus, at time.Time) error
	MarkDelisted(ctx context.Context, id uuid.UUID, at time.Time) error
}

// SnapshotStore is the append-only, month-partitioned snapshot history.
type SnapshotStore interface {
	Insert(ctx context.Context, snap Snapshot) error
	// Latest returns the most recent snapshot for a target, or ErrNotFound
	// if the target has never been captured.
	Latest(ctx context.Context, targetID uuid.UUID) (Snapshot, error)
	// MonthlyAggregates computes per-month stats over snapshots captured
	// before the cutoff, for retention roll-up.
	MonthlyAggregates(ctx context.Context, siteID uuid.UUID, cutoff time.Time) ([]MonthlyStat, error)
	// DropBefore removes whole expired month partitions for a site and
	// returns the number of snapshots dropped.
	DropBefore(ctx context.Context, siteID uuid.UUID, cutoff time.Time) (int64, error)
}

// CrawlLogStore persists per-run execution logs.
type CrawlLogStore interface {
	Create(ctx context.Context, log CrawlLog) error
	Finalize(ctx context.Context, log CrawlLog) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventStore persists change events. Insert returns ErrDuplicateEvent when an
// event for the same (from, to, kind) triple already exists.
type EventStore interface {
	Insert(ctx context.Context, event ChangeEvent) error
	GetEvent(ctx context.Context, id uuid.UUID) (ChangeEvent, error)
}

// PendingDelivery is a due retry discovered by the recovery sweep: the last
// recorded attempt for an event failed and its NextRetryAt has passed.
type PendingDelivery struct {
	EventID     uuid.UUID
	NextAttempt int
	Payload     []byte
}

// DeliveryStore persists webhook delivery attempts.
type DeliveryStore interface {
	RecordAttempt(ctx context.Context, attempt DeliveryAttempt) error
	LatestAttempt(ctx context.Context, eventID uuid.UUID) (DeliveryAttempt, error)
	// Due lists deliveries whose persisted NextRetryAt is at or before now.
	Due(ctx context.Context, now time.Time, limit int) ([]PendingDelivery, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SecretStore persists per-subscriber webhook signing secrets.
type SecretStore interface {
	GetSecret(ctx context.Context, subscriberID uuid.UUID) (SubscriberSecret, error)
	SaveSecret(ctx context.Context, secret SubscriberSecret) error
	// ClearExpiredPrevious removes previous secrets rotated before the given
	// time and returns how many were cleared.
	ClearExpiredPrevious(ctx context.Context, rotatedBefore time.Time) (int64, error)
}

// StatsStore persists long-lived monthly aggregates.
type StatsStore interface {
	UpsertMonthly(ctx context.Context, stats []MonthlyStat) error
	ListMonthly(ctx context.Context, targetID uuid.UUID) ([]MonthlyStat, error)
}

// Hasher computes digests for snapshot raw payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs (UUIDs).
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}
