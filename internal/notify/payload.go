package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

// Event type strings on the wire.
const (
	EventTypePriceChanged = "product.price_changed"
	EventTypeStockChanged = "product.stock_changed"
)

// Payload is the on-wire webhook body. Field order is fixed by the struct,
// so marshaling the same event always yields byte-identical JSON — required
// because the signature covers the raw body.
type Payload struct {
	EventType string        `json:"event_type"`
	EventID   string        `json:"event_id"`
	Timestamp string        `json:"timestamp"`
	Website   WebsiteInfo   `json:"website"`
	Product   ProductInfo   `json:"product"`
	Change    ChangeDetails `json:"change"`
	Metadata  EventMetadata `json:"metadata"`
}

// WebsiteInfo identifies the monitored site the change belongs to.
type WebsiteInfo struct {
	ID      string `json:"id"`
	BaseURL string `json:"base_url"`
	Name    string `json:"name"`
}

// ProductInfo identifies the tracked item.
type ProductInfo struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	ExtractedID string `json:"extracted_product_id,omitempty"`
}

// ChangeDetails carries the old/new values. For price changes the values are
// numbers and ChangePct is present; for stock changes they are status strings.
type ChangeDetails struct {
	Type           string   `json:"type"`
	OldValue       any      `json:"old_value"`
	NewValue       any      `json:"new_value"`
	Currency       string   `json:"currency,omitempty"`
	ChangePct      *float64 `json:"change_pct,omitempty"`
	AbsoluteChange *float64 `json:"absolute_change,omitempty"`
	DetectedAt     string   `json:"detected_at"`
}

// EventMetadata carries crawl provenance.
type EventMetadata struct {
	CrawlID      string  `json:"crawl_id"`
	ThresholdPct float64 `json:"threshold_pct"`
}

// BuildPayload serializes a change event for delivery to the given site's
// subscriber.
func BuildPayload(event monitor.ChangeEvent, site monitor.Site, target monitor.Target, at time.Time) ([]byte, error) {
	p := Payload{
		EventID:   event.ID.String(),
		Timestamp: at.UTC().Format(time.RFC3339),
		Website: WebsiteInfo{
			ID:      site.ID.String(),
			BaseURL: site.BaseURL,
			Name:    site.Name,
		},
		Product: ProductInfo{
			ID:          target.ID.String(),
			URL:         target.URL,
			Name:        target.Name,
			ExtractedID: target.ExtractedID,
		},
		Metadata: EventMetadata{
			CrawlID:      event.CrawlID.String(),
			ThresholdPct: site.PriceThresholdPct,
		},
	}

	detectedAt := event.DetectedAt.UTC().Format(time.RFC3339)
	switch event.Kind {
	case monitor.ChangePrice:
		p.EventType = EventTypePriceChanged
		p.Change = ChangeDetails{
			Type:       "price",
			OldValue:   priceValue(event.OldPrice),
			NewValue:   priceValue(event.NewPrice),
			Currency:   event.Currency,
			ChangePct:  event.ChangePct,
			DetectedAt: detectedAt,
		}
		if event.OldPrice != nil && event.NewPrice != nil {
			abs := *event.NewPrice - *event.OldPrice
			p.Change.AbsoluteChange = &abs
		}
	case monitor.ChangeStock:
		p.EventType = EventTypeStockChanged
		p.Change = ChangeDetails{
			Type:       "stock",
			OldValue:   string(event.OldStock),
			NewValue:   string(event.NewStock),
			Currency:   event.Currency,
			DetectedAt: detectedAt,
		}
	default:
		return nil, fmt.Errorf("unknown change kind %q", event.Kind)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}
	return body, nil
}

func priceValue(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
