package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dmitriz/llm-univ-sub001/internal/provider"
	"github.com/dmitriz/llm-univ-sub001/internal/ratelimit"
	"github.com/dmitriz/llm-univ-sub001/internal/retry"
)

// defaultTokenEstimate stands in for MaxTokens when the client did not set
// one; it is only used for admission checks, actual usage is recorded from
// the provider's reported token counts.
const defaultTokenEstimate = 1000

// maxAdmissionWait bounds how long Execute will sleep on a denied admission
// before giving up and surfacing the denial to the caller.
const maxAdmissionWait = 2 * time.Second

// RateLimitedError surfaces a denial the router chose not to wait out. Wait
// tells the caller when the request is worth repeating.
type RateLimitedError struct {
	Provider string
	Wait     time.Duration
	Reason   string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s (retry in %s): %s", e.Provider, e.Wait, e.Reason)
}

type Router struct {
	providers []provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	ledger    *ratelimit.Ledger
	retry     retry.Policy
}

func NewRouter(providers []provider.Provider, ledger *ratelimit.Ledger, policy retry.Policy) *Router {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, p := range providers {
		settings := gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
		ledger:    ledger,
		retry:     policy,
	}
}

func (r *Router) Route(ctx context.Context, req *provider.Request) (provider.Provider, error) {
	var candidates []provider.Provider
	for _, p := range r.providers {
		cb := r.breakers[p.Name()]
		if cb.State() == gobreaker.StateOpen {
			continue
		}

		if req.Model != "" {
			for _, m := range p.SupportedModels() {
				if m == req.Model {
					candidates = append(candidates, p)
					break
				}
			}
		} else {
			candidates = append(candidates, p)
		}
	}

	if len(candidates) == 0 {
		return nil, errors.New("all providers unavailable")
	}

	if req.Model != "" {
		return candidates[0], nil
	}

	best := candidates[0]
	for _, p := range candidates[1:] {
		if p.CostPerInputToken() < best.CostPerInputToken() {
			best = p
		}
	}
	return best, nil
}

// Execute runs one request against p under admission control and the retry
// policy: every attempt is checked against the ledger first, every attempt
// that actually reached the provider is recorded, and retryable failures
// wait out the server's Retry-After hint or the computed backoff.
func (r *Router) Execute(ctx context.Context, req *provider.Request, p provider.Provider) (*provider.Response, error) {
	name := p.Name()
	cb := r.breakers[name]
	cost := estimateCost(req)

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := r.admit(ctx, name, cost); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last attempt: %w)", err, lastErr)
			}
			return nil, err
		}

		start := time.Now()
		result, err := cb.Execute(func() (interface{}, error) {
			return p.Complete(ctx, req)
		})
		if err == nil {
			resp, ok := result.(*provider.Response)
			if !ok || resp == nil {
				// Contract violation: a nil error must carry a response.
				// The attempt still went out, so it consumes a slot.
				if rerr := r.ledger.Record(name, 0, time.Now()); rerr != nil {
					return nil, rerr
				}
				return nil, fmt.Errorf("provider %s returned no response", name)
			}
			resp.LatencyMs = time.Since(start).Milliseconds()
			if rerr := r.ledger.Record(name, int64(resp.InputTokens+resp.OutputTokens), time.Now()); rerr != nil {
				return nil, rerr
			}
			return resp, nil
		}

		// A tripped breaker short-circuits before the provider is reached;
		// only attempts that actually went out consume a request slot.
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			if rerr := r.ledger.Record(name, 0, time.Now()); rerr != nil {
				return nil, rerr
			}
		}

		lastErr = err
		if !r.retry.ShouldRetry(err, attempt) {
			return nil, lastErr
		}

		delay := r.retry.Backoff(attempt)
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) {
			if hint, ok := retry.RetryAfter(apiErr.Header); ok {
				delay = hint
			}
		}
		if serr := sleep(ctx, delay); serr != nil {
			return nil, lastErr
		}
	}
}

// admit blocks on short denials and surfaces long ones as RateLimitedError.
// Each pass through the loop waits for the oldest window entry to age out,
// so the loop terminates as soon as a wait exceeds the budget.
func (r *Router) admit(ctx context.Context, name string, cost int64) error {
	for {
		d, err := r.ledger.Check(name, cost, time.Now())
		if err != nil {
			return err
		}
		if d.Allowed {
			return nil
		}
		if d.Wait > maxAdmissionWait {
			return &RateLimitedError{Provider: name, Wait: d.Wait, Reason: d.Reason}
		}
		if err := sleep(ctx, d.Wait); err != nil {
			return err
		}
	}
}

func (r *Router) ExecuteStream(ctx context.Context, req *provider.Request, p provider.Provider) (<-chan *provider.Chunk, error) {
	name := p.Name()
	cb := r.breakers[name]
	if cb.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("circuit breaker is open for provider: %s", name)
	}

	// Streams are admitted once and never retried: a half-consumed stream
	// cannot be replayed transparently.
	if err := r.admit(ctx, name, estimateCost(req)); err != nil {
		return nil, err
	}

	origCh, err := p.CompleteStream(ctx, req)
	if err != nil {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, err
		})
		return nil, err
	}

	// Token usage is not reported on the stream path; the request still
	// consumes a request slot.
	if rerr := r.ledger.Record(name, 0, time.Now()); rerr != nil {
		return nil, rerr
	}

	wrappedCh := make(chan *provider.Chunk)
	go func() {
		defer close(wrappedCh)
		for chunk := range origCh {
			if chunk.Err != nil {
				_, _ = cb.Execute(func() (interface{}, error) {
					return nil, chunk.Err
				})
			}
			select {
			case wrappedCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return wrappedCh, nil
}

// Usage exposes a provider's current window state for observability.
func (r *Router) Usage(name string) ratelimit.Snapshot {
	return r.ledger.Snapshot(name, time.Now())
}

func estimateCost(req *provider.Request) int64 {
	if req.MaxTokens > 0 {
		return int64(req.MaxTokens)
	}
	return defaultTokenEstimate
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
