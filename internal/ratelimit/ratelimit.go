// Package ratelimit holds per-provider sliding-window usage accounting and
// admission decisions. All state is in-memory and process-local; nothing is
// shared across processes and nothing survives a restart.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// ErrNegativeCost marks a programming error in the caller. It is never
// retryable and never part of a normal admission decision.
var ErrNegativeCost = errors.New("ratelimit: negative cost")

// Limits is the read-only rate-limit configuration for one provider.
// Only the per-minute fields gate admission; the per-day fields are
// tracked in usage snapshots but not enforced.
type Limits struct {
	RequestsPerMinute int
	TokensPerMinute   int64
	RequestsPerDay    int
	TokensPerDay      int64
}

// Decision is the outcome of an admission check. A denial is a control
// signal, not an error: Wait tells the caller how long until the check is
// worth repeating.
type Decision struct {
	Allowed bool
	Wait    time.Duration
	Reason  string
}

// Snapshot is a point-in-time view of one provider's windows, for
// observability. Day counters are visible here even though they are not
// enforced.
type Snapshot struct {
	Provider       string
	MinuteRequests int
	MinuteTokens   int64
	DayRequests    int
	DayTokens      int64
	Limits         Limits
}

type entry struct {
	at   time.Time
	cost int64
}

// usage keeps two independent append-only logs plus cached sums. The cached
// sums must equal the sum of their log after every mutation; purge recomputes
// them whenever entries age out.
type usage struct {
	minute     []entry
	day        []entry
	minuteCost int64
	dayCost    int64
}

// purge drops entries older than each window, measured against now, and
// re-establishes the cached sums. Purging an already-purged record is a no-op.
func (u *usage) purge(now time.Time) {
	u.minute, u.minuteCost = dropExpired(u.minute, now.Add(-minuteWindow))
	u.day, u.dayCost = dropExpired(u.day, now.Add(-dayWindow))
}

func dropExpired(log []entry, cutoff time.Time) ([]entry, int64) {
	i := 0
	for i < len(log) && !log[i].at.After(cutoff) {
		i++
	}
	kept := log[i:]
	var sum int64
	for _, e := range kept {
		sum += e.cost
	}
	return kept, sum
}

// Ledger tracks usage for every provider this process talks to. One mutex
// serializes all mutations; window sizes are bounded by the limits themselves,
// so the linear purge scan stays cheap.
type Ledger struct {
	mu     sync.Mutex
	limits map[string]Limits
	usage  map[string]*usage
}

// NewLedger builds a ledger over the given per-provider limits. Providers
// absent from the map are never throttled. The limits map is copied; callers
// cannot change limits after construction.
func NewLedger(limits map[string]Limits) *Ledger {
	cp := make(map[string]Limits, len(limits))
	for name, l := range limits {
		cp[name] = l
	}
	return &Ledger{
		limits: cp,
		usage:  make(map[string]*usage),
	}
}

func (l *Ledger) usageFor(provider string) *usage {
	u, ok := l.usage[provider]
	if !ok {
		u = &usage{}
		l.usage[provider] = u
	}
	return u
}

// Check reports whether a call of the given cost may proceed now.
// Requests-per-minute is checked before tokens-per-minute; if both would
// fail, the request-count reason wins. Check never records anything.
func (l *Ledger) Check(provider string, cost int64, now time.Time) (Decision, error) {
	if cost < 0 {
		return Decision{}, fmt.Errorf("%w: %d for provider %s", ErrNegativeCost, cost, provider)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.usageFor(provider)
	u.purge(now)

	lim, ok := l.limits[provider]
	if !ok {
		return Decision{Allowed: true}, nil
	}

	if lim.RequestsPerMinute > 0 && len(u.minute) >= lim.RequestsPerMinute {
		// Admissible again once the single oldest entry ages out.
		wait := minuteWindow - now.Sub(u.minute[0].at)
		if wait < 0 {
			wait = 0
		}
		return Decision{
			Wait: wait,
			Reason: fmt.Sprintf("request limit reached: %d/%d requests in the last minute",
				len(u.minute), lim.RequestsPerMinute),
		}, nil
	}

	if lim.TokensPerMinute > 0 && u.minuteCost+cost > lim.TokensPerMinute {
		// Conservative: wait a full window rather than computing the exact
		// expiry that would free enough headroom.
		return Decision{
			Wait: minuteWindow,
			Reason: fmt.Sprintf("token limit would be exceeded: %d+%d > %d tokens in the last minute",
				u.minuteCost, cost, lim.TokensPerMinute),
		}, nil
	}

	return Decision{Allowed: true}, nil
}

// Record logs a call of the given cost against both windows. It must be
// called only for calls that were admitted and actually attempted; the
// ledger never records on its own.
func (l *Ledger) Record(provider string, cost int64, now time.Time) error {
	if cost < 0 {
		return fmt.Errorf("%w: %d for provider %s", ErrNegativeCost, cost, provider)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.usageFor(provider)
	u.purge(now)

	e := entry{at: now, cost: cost}
	u.minute = append(u.minute, e)
	u.day = append(u.day, e)
	u.minuteCost += cost
	u.dayCost += cost
	return nil
}

// Snapshot returns the provider's current window state after purging
// expired entries.
func (l *Ledger) Snapshot(provider string, now time.Time) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.usageFor(provider)
	u.purge(now)

	return Snapshot{
		Provider:       provider,
		MinuteRequests: len(u.minute),
		MinuteTokens:   u.minuteCost,
		DayRequests:    len(u.day),
		DayTokens:      u.dayCost,
		Limits:         l.limits[provider],
	}
}
