// Package httpx holds small HTTP helpers shared by the worker and the
// inbound fan-out path: Retry-After parsing, hop-by-hop header filtering,
// and host extraction for block bookkeeping.
package httpx

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// DefaultRetryAfter is used when a 429 carries no usable Retry-After value.
const DefaultRetryAfter = 60 * time.Second

// hop-by-hop headers are connection-scoped and never forwarded, plus
// host and content-length which the outbound client sets itself.
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"host":                {},
	"content-length":      {},
}

// RetryAfter parses a Retry-After header value, accepting delta-seconds or
// an RFC 7231 IMF-fixdate. Malformed values and past dates fall back to
// DefaultRetryAfter.
func RetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs > 0 {
			return time.Duration(secs) * time.Second
		}
		return DefaultRetryAfter
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return DefaultRetryAfter
}

// FilterForwardHeaders returns a copy of h without hop-by-hop headers.
// Matching is case-insensitive; surviving keys keep their original casing.
func FilterForwardHeaders(h map[string]string) map[string]string {
	return lo.OmitBy(h, func(key string, _ string) bool {
		_, drop := hopByHop[strings.ToLower(key)]
		return drop
	})
}

// Host extracts the lowercased hostname from a URL, without port.
// Returns "" for unparseable input.
func Host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
