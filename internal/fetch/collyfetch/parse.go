package collyfetch

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

var (
	pricePatterns = []*regexp.Regexp{
		regexp.MustCompile(`"price":\s*"?(\d+\.?\d*)"?`),
		regexp.MustCompile(`<meta\s+property="product:price:amount"\s+content="([^"]+)"`),
		regexp.MustCompile(`<meta\s+property="og:price:amount"\s+content="([^"]+)"`),
		regexp.MustCompile(`\$(\d+\.\d{2})`),
	}
	currencyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`"priceCurrency":\s*"([A-Z]{3})"`),
		regexp.MustCompile(`<meta\s+property="(?:product|og):price:currency"\s+content="([A-Z]{3})"`),
	}
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<meta\s+property="og:title"\s+content="([^"]+)"`),
		regexp.MustCompile(`(?i)<title>([^<]+)</title>`),
		regexp.MustCompile(`(?i)<h1[^>]*>([^<]+)</h1>`),
	}
)

// parsePage pulls the price, currency, availability, and name out of raw
// product page HTML. Missing fields stay unset; the caller's validation
// decides what is acceptable.
func parsePage(html string) monitor.FetchResult {
	result := monitor.FetchResult{
		Currency:  "USD",
		Stock:     parseStock(html),
		RawFields: map[string]string{},
	}

	for _, pattern := range pricePatterns {
		m := pattern.FindStringSubmatch(html)
		if m == nil {
			continue
		}
		price, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		result.Price = &price
		result.RawFields["price"] = m[1]
		break
	}
	for _, pattern := range currencyPatterns {
		if m := pattern.FindStringSubmatch(html); m != nil {
			result.Currency = m[1]
			break
		}
	}
	for _, pattern := range namePatterns {
		if m := pattern.FindStringSubmatch(html); m != nil {
			result.Name = strings.TrimSpace(m[1])
			break
		}
	}

	result.RawFields["currency"] = result.Currency
	result.RawFields["stock_status"] = string(result.Stock)
	if result.Name != "" {
		result.RawFields["name"] = result.Name
	}
	return result
}

func parseStock(html string) monitor.StockStatus {
	lower := strings.ToLower(html)
	switch {
	case containsAny(lower, "out of stock", "sold out", "unavailable"):
		return monitor.StockOutOfStock
	case containsAny(lower, "in stock", "available", "add to cart"):
		return monitor.StockInStock
	case strings.Contains(lower, "limited"):
		return monitor.StockLimited
	default:
		return monitor.StockUnknown
	}
}

func containsAny(s string, phrases ...string) bool {
	for _, phrase := range phrases {
		if strings.Contains(s, phrase) {
			return true
		}
	}
	return false
}
