// Package extract identifies product IDs from target URLs and page HTML.
//
// Site layouts differ wildly, so extraction is an ordered chain of
// strategies tried in sequence; the first match wins and its strategy name
// is recorded on the target.
package extract

import (
	"net/url"
	"regexp"
	"strings"
)

// Result is the tagged outcome of an extraction attempt.
type Result struct {
	Matched  bool
	Strategy string
	Value    string
}

// NoMatch is returned when no strategy recognized the input.
var NoMatch = Result{}

// Strategy attempts to extract a product identifier from a URL and optional
// page HTML.
type Strategy interface {
	Name() string
	Extract(rawURL, html string) Result
}

// Chain runs strategies in order and returns the first match.
type Chain struct {
	strategies []Strategy
}

// NewChain builds a chain from the given strategies, in priority order.
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{strategies: strategies}
}

// DefaultChain returns the standard chain: platform URL patterns first,
// HTML metadata second, generic slug last.
func DefaultChain() *Chain {
	return NewChain(
		&urlPattern{name: "url_pattern_amazon", patterns: amazonPatterns},
		&urlPattern{name: "url_pattern_shopify", patterns: shopifyPatterns},
		&urlPattern{name: "url_pattern_woocommerce", patterns: wooPatterns},
		&htmlMeta{},
		&genericSlug{},
	)
}

// Extract tries each strategy and returns the first match, or NoMatch.
func (c *Chain) Extract(rawURL, html string) Result {
	for _, s := range c.strategies {
		if res := s.Extract(rawURL, html); res.Matched {
			return res
		}
	}
	return NoMatch
}

var (
	amazonPatterns = compileAll(
		`/dp/([A-Z0-9]{10})`,
		`/gp/product/([A-Z0-9]{10})`,
		`/ASIN/([A-Z0-9]{10})`,
		`[?&]ASIN=([A-Z0-9]{10})`,
	)
	shopifyPatterns = compileAll(
		`/products/([a-z0-9-]+)`,
		`[?&]product_id=(\d+)`,
	)
	wooPatterns = compileAll(
		`/product/([a-z0-9-]+)`,
		`[?&]post_id=(\d+)`,
	)
	htmlMetaPatterns = compileAll(
		`<meta\s+property="product:retailer_item_id"\s+content="([^"]+)"`,
		`<meta\s+property="product:sku"\s+content="([^"]+)"`,
		`"sku"\s*:\s*"([^"]+)"`,
		`"productID"\s*:\s*"([^"]+)"`,
		`<meta\s+itemprop="sku"\s+content="([^"]+)"`,
	)
	numericPathSegment = regexp.MustCompile(`/(\d{4,})(?:[/?]|$)`)
	trailingExtension  = regexp.MustCompile(`\.(html?|php|aspx?)$`)
)

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

type urlPattern struct {
	name     string
	patterns []*regexp.Regexp
}

func (s *urlPattern) Name() string { return s.name }

func (s *urlPattern) Extract(rawURL, _ string) Result {
	for _, re := range s.patterns {
		if m := re.FindStringSubmatch(rawURL); len(m) > 1 {
			return Result{Matched: true, Strategy: s.name, Value: m[1]}
		}
	}
	return NoMatch
}

type htmlMeta struct{}

func (s *htmlMeta) Name() string { return "html_meta" }

func (s *htmlMeta) Extract(_, html string) Result {
	if html == "" {
		return NoMatch
	}
	for _, re := range htmlMetaPatterns {
		if m := re.FindStringSubmatch(html); len(m) > 1 {
			return Result{Matched: true, Strategy: s.Name(), Value: m[1]}
		}
	}
	return NoMatch
}

// genericSlug falls back to a long numeric path segment or the last path
// segment stripped of file extensions.
type genericSlug struct{}

func (s *genericSlug) Name() string { return "url_generic" }

func (s *genericSlug) Extract(rawURL, _ string) Result {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return NoMatch
	}
	if m := numericPathSegment.FindStringSubmatch(u.Path); len(m) > 1 {
		return Result{Matched: true, Strategy: s.Name(), Value: m[1]}
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segments[len(segments)-1]
	last = trailingExtension.ReplaceAllString(last, "")
	if last == "" {
		return NoMatch
	}
	return Result{Matched: true, Strategy: s.Name(), Value: last}
}
