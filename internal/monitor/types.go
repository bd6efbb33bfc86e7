// Package monitor defines core types shared across subsystems.
package monitor

import (
	"time"

	"github.com/google/uuid"
)

// SiteStatus represents the lifecycle state of a monitored site.
type SiteStatus string

// Site status values persisted in the site store.
const (
	SiteStatusPendingApproval SiteStatus = "pending_approval"
	SiteStatusActive          SiteStatus = "active"
	SiteStatusPaused          SiteStatus = "paused"
)

// CrawlStatus represents the outcome of one scheduled run for a site.
type CrawlStatus string

// Crawl run status values persisted in the crawl log.
const (
	CrawlStatusRunning        CrawlStatus = "running"
	CrawlStatusSuccess        CrawlStatus = "success"
	CrawlStatusPartialSuccess CrawlStatus = "partial_success"
	CrawlStatusFailed         CrawlStatus = "failed"
)

// CrawlTrigger records what initiated a crawl run.
type CrawlTrigger string

// Crawl trigger values.
const (
	TriggerScheduled CrawlTrigger = "scheduled"
	TriggerManual    CrawlTrigger = "manual"
	TriggerRetry     CrawlTrigger = "retry"
)

// StockStatus is the availability state extracted for a target.
type StockStatus string

// Stock status values.
const (
	StockInStock    StockStatus = "in_stock"
	StockOutOfStock StockStatus = "out_of_stock"
	StockLimited    StockStatus = "limited_availability"
	StockUnknown    StockStatus = "unknown"
)

// ChangeKind discriminates price and stock change events.
type ChangeKind string

// Change kinds.
const (
	ChangePrice ChangeKind = "price"
	ChangeStock ChangeKind = "stock"
)

// DeliveryOutcome is the terminal state of one webhook delivery attempt.
type DeliveryOutcome string

// Delivery attempt outcomes.
const (
	DeliverySuccess   DeliveryOutcome = "success"
	DeliveryFailed    DeliveryOutcome = "failed"
	DeliveryExhausted DeliveryOutcome = "exhausted"
)

// MaxDeliveryAttempts bounds the webhook retry chain per change event.
const MaxDeliveryAttempts = 3

// Site is a monitored website owned by a subscriber.
type Site struct {
	ID                  uuid.UUID     `json:"id"`
	SubscriberID        uuid.UUID     `json:"subscriber_id"`
	Name                string        `json:"name"`
	BaseURL             string        `json:"base_url"`
	Status              SiteStatus    `json:"status"`
	CrawlInterval       time.Duration `json:"crawl_interval"`
	PriceThresholdPct   float64       `json:"price_threshold_pct"`
	RetentionDays       int           `json:"retention_days"`
	RatePerMinute       int           `json:"rate_per_minute"`
	WebhookURL          string        `json:"webhook_url"`
	WebhookEnabled      bool          `json:"webhook_enabled"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastCrawlStatus     CrawlStatus   `json:"last_crawl_status,omitempty"`
	LastCrawledAt       *time.Time    `json:"last_crawled_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// Target is a tracked item on a monitored site. Its Current* fields cache
// the values from the most recent successful fetch.
type Target struct {
	ID            uuid.UUID   `json:"id"`
	SiteID        uuid.UUID   `json:"site_id"`
	URL           string      `json:"url"`
	ExtractedID   string      `json:"extracted_id,omitempty"`
	Name          string      `json:"name"`
	CurrentPrice  *float64    `json:"current_price,omitempty"`
	Currency      string      `json:"currency"`
	CurrentStock  StockStatus `json:"current_stock_status"`
	LastCrawledAt *time.Time  `json:"last_crawled_at,omitempty"`
	IsActive      bool        `json:"is_active"`
	DelistedAt    *time.Time  `json:"delisted_at,omitempty"`
}

// Snapshot is an immutable point-in-time capture of a target's price and
// availability. Snapshots are never updated after insert.
type Snapshot struct {
	ID          uuid.UUID   `json:"id"`
	TargetID    uuid.UUID   `json:"target_id"`
	SiteID      uuid.UUID   `json:"site_id"`
	CrawlID     uuid.UUID   `json:"crawl_id"`
	CapturedAt  time.Time   `json:"captured_at"`
	Price       *float64    `json:"price,omitempty"`
	Currency    string      `json:"currency"`
	Stock       StockStatus `json:"stock_status"`
	RawPayload  []byte      `json:"raw_payload,omitempty"`
	PayloadHash string      `json:"payload_hash,omitempty"`
}

// CrawlLog is one row per scheduled run per site, created at run start and
// finalized at run end.
type CrawlLog struct {
	ID              uuid.UUID    `json:"id"`
	SiteID          uuid.UUID    `json:"site_id"`
	StartedAt       time.Time    `json:"started_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	Status          CrawlStatus  `json:"status"`
	TriggeredBy     CrawlTrigger `json:"triggered_by"`
	ItemsProcessed  int          `json:"items_processed"`
	ChangesDetected int          `json:"changes_detected"`
	ErrorCount      int          `json:"error_count"`
}

// ChangeEvent is a detected, threshold-qualified transition between two
// snapshots of the same target. Exactly one event exists per qualifying
// (FromSnapshotID, ToSnapshotID, Kind) triple.
type ChangeEvent struct {
	ID             uuid.UUID   `json:"id"`
	TargetID       uuid.UUID   `json:"target_id"`
	SiteID         uuid.UUID   `json:"site_id"`
	CrawlID        uuid.UUID   `json:"crawl_id"`
	FromSnapshotID uuid.UUID   `json:"from_snapshot_id"`
	ToSnapshotID   uuid.UUID   `json:"to_snapshot_id"`
	Kind           ChangeKind  `json:"kind"`
	OldPrice       *float64    `json:"old_price,omitempty"`
	NewPrice       *float64    `json:"new_price,omitempty"`
	ChangePct      *float64    `json:"change_pct,omitempty"`
	OldStock       StockStatus `json:"old_stock,omitempty"`
	NewStock       StockStatus `json:"new_stock,omitempty"`
	Currency       string      `json:"currency"`
	DetectedAt     time.Time   `json:"detected_at"`
}

// DeliveryAttempt records one webhook delivery try for a change event.
// The set of attempts for one event forms its retry history; NextRetryAt is
// persisted so a pending retry survives process restarts.
type DeliveryAttempt struct {
	ID            uuid.UUID       `json:"id"`
	EventID       uuid.UUID       `json:"event_id"`
	AttemptNumber int             `json:"attempt_number"`
	AttemptedAt   time.Time       `json:"attempted_at"`
	HTTPStatus    *int            `json:"http_status,omitempty"`
	Outcome       DeliveryOutcome `json:"outcome"`
	ErrorText     string          `json:"error_text,omitempty"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	Payload       []byte          `json:"-"`
}

// SubscriberSecret holds the current webhook signing secret and, during the
// rotation grace window, the previous one.
type SubscriberSecret struct {
	SubscriberID uuid.UUID  `json:"subscriber_id"`
	Current      string     `json:"-"`
	Previous     *string    `json:"-"`
	RotatedAt    *time.Time `json:"rotated_at,omitempty"`
}

// FetchResult is what the external page-fetcher collaborator returns for a
// target URL.
type FetchResult struct {
	Success    bool
	NotFound   bool
	Price      *float64
	Currency   string
	Stock      StockStatus
	Name       string
	RawFields  map[string]string
	HTTPStatus int
}

// MonthlyStat is a long-lived aggregate over one target's snapshots for one
// calendar month. Aggregates outlive the raw snapshots they summarize.
type MonthlyStat struct {
	TargetID     uuid.UUID `json:"target_id"`
	SiteID       uuid.UUID `json:"site_id"`
	Month        time.Time `json:"month"`
	MinPrice     *float64  `json:"min_price,omitempty"`
	MaxPrice     *float64  `json:"max_price,omitempty"`
	AvgPrice     *float64  `json:"avg_price,omitempty"`
	Samples      int       `json:"samples"`
	PriceChanges int       `json:"price_changes"`
	StockChanges int       `json:"stock_changes"`
}
