// Package retry decides whether a failed upstream call should be retried
// and how long to wait before the next attempt. It never sleeps itself;
// the calling layer applies the delay.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dmitriz/llm-univ-sub001/internal/provider"
)

// Policy is process-wide retry configuration.
type Policy struct {
	// MaxRetries is the number of retry attempts (not counting the initial attempt).
	MaxRetries int

	// BaseDelay is the delay before the first retry attempt.
	BaseDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier controls exponential backoff growth (2.0 = double each retry).
	Multiplier float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
}

// Statuses worth retrying: throttling, server errors, and the Cloudflare
// origin-failure range seen from providers fronted by it.
var retryableStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
	520:                            {}, // Cloudflare: web server returned an unknown error
	521:                            {}, // Cloudflare: web server is down
	522:                            {}, // Cloudflare: connection timed out
	524:                            {}, // Cloudflare: a timeout occurred
}

// ShouldRetry reports whether the attempt chain may continue after err.
// attempt is zero-based: once attempt reaches MaxRetries the chain is
// exhausted regardless of the error.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxRetries {
		return false
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		_, ok := retryableStatuses[apiErr.StatusCode]
		return ok
	}

	return isTransientNetworkError(err)
}

func isTransientNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

// Backoff computes the delay before retry number attempt (zero-based):
// exponential growth from BaseDelay with ±25% jitter, clamped into
// [0, MaxDelay]. Jitter is applied before the clamp, so deep into the
// exponential curve the delay pins at MaxDelay exactly.
func (p Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))

	jitter := (rand.Float64()*2 - 1) * 0.25 * delay
	delay += jitter

	if delay < 0 {
		delay = 0
	}
	if max := float64(p.MaxDelay); delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// RetryAfter parses a Retry-After header into a wait duration. The server's
// hint, when present, takes precedence over Backoff. Returns false if the
// header is absent or unparseable.
func RetryAfter(h http.Header) (time.Duration, bool) {
	return retryAfterAt(h, time.Now())
}

func retryAfterAt(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}

	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}

	return 0, false
}
