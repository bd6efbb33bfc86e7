// Package collyfetch fetches product pages with gocolly and extracts the
// price, currency, and availability fields from the HTML.
package collyfetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements monitor.Fetcher using a Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "pricewatch/1.0"
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = false
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single GET and parses the page. A 404 marks the target
// delisted; other non-2xx statuses are returned as errors so the caller can
// retry.
func (f *Fetcher) Fetch(ctx context.Context, url string) (monitor.FetchResult, error) {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		body   []byte
		status int
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			status = r.StatusCode
		}
	})

	if err := f.visit(ctx, collector, url); err != nil {
		if status == http.StatusNotFound || status == http.StatusGone {
			return monitor.FetchResult{NotFound: true, HTTPStatus: status}, nil
		}
		return monitor.FetchResult{HTTPStatus: status}, err
	}

	result := parsePage(string(body))
	result.Success = true
	result.HTTPStatus = status
	return result, nil
}

func (f *Fetcher) visit(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", url, err)
		}
		return nil
	}
}
