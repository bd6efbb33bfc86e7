package monitor

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across stores and services.
var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateEvent is returned by EventStore.Insert when a change event
	// for the same snapshot pair and kind was already recorded.
	ErrDuplicateEvent = errors.New("duplicate change event")
	// ErrSiteNotActive is returned when a crawl run is requested for a site
	// that is pending approval or paused.
	ErrSiteNotActive = errors.New("site is not active")
)

// FetchError wraps a retryable failure from the external page fetcher.
type FetchError struct {
	URL        string
	HTTPStatus int
	Err        error
}

func (e *FetchError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("fetch %s: http %d", e.URL, e.HTTPStatus)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError marks malformed extracted data. The target is skipped for the
// run and not retried.
type ParseError struct {
	URL    string
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.URL, e.Detail)
}

// DeliveryError wraps a failed webhook delivery attempt.
type DeliveryError struct {
	EventID    string
	HTTPStatus int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("deliver event %s: http %d", e.EventID, e.HTTPStatus)
	}
	return fmt.Sprintf("deliver event %s: %v", e.EventID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// RetentionError wraps an aggregation or partition-removal failure. It is
// logged and does not abort the rest of the retention run.
type RetentionError struct {
	SiteID string
	Stage  string
	Err    error
}

func (e *RetentionError) Error() string {
	return fmt.Sprintf("retention %s for site %s: %v", e.Stage, e.SiteID, e.Err)
}

func (e *RetentionError) Unwrap() error { return e.Err }
