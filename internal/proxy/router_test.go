package proxy

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dmitriz/llm-univ-sub001/internal/provider"
	"github.com/dmitriz/llm-univ-sub001/internal/ratelimit"
	"github.com/dmitriz/llm-univ-sub001/internal/retry"
)

type MockProvider struct {
	name            string
	cost            float64
	supportedModels []string
	completeErr     error
	completeFunc    func(ctx context.Context, req *provider.Request) (*provider.Response, error)
	calls           int
}

func (m *MockProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.calls++
	if m.completeFunc != nil {
		return m.completeFunc(ctx, req)
	}
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	return &provider.Response{
		ID:           "mock-1",
		Content:      "mock response",
		InputTokens:  10,
		OutputTokens: 20,
		Model:        "mock-model",
		Provider:     m.name,
	}, nil
}

func (m *MockProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	ch := make(chan *provider.Chunk, 1)
	ch <- &provider.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func (m *MockProvider) Name() string                { return m.name }
func (m *MockProvider) CostPerInputToken() float64  { return m.cost }
func (m *MockProvider) CostPerOutputToken() float64 { return m.cost * 2 }
func (m *MockProvider) SupportedModels() []string   { return m.supportedModels }

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func newTestRouter(providers []provider.Provider, limits map[string]ratelimit.Limits) *Router {
	return NewRouter(providers, ratelimit.NewLedger(limits), fastPolicy())
}

func upstreamError(status int, header http.Header) *provider.APIError {
	if header == nil {
		header = http.Header{}
	}
	return &provider.APIError{
		Provider:   "mock",
		StatusCode: status,
		Header:     header,
		Body:       "upstream error",
	}
}

func TestRoute_CostBased(t *testing.T) {
	p1 := &MockProvider{name: "expensive", cost: 1.0}
	p2 := &MockProvider{name: "cheap", cost: 0.1}

	router := newTestRouter([]provider.Provider{p1, p2}, nil)

	p, err := router.Route(context.Background(), &provider.Request{})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if p.Name() != "cheap" {
		t.Errorf("Expected cheap provider, got %s", p.Name())
	}
}

func TestRoute_ModelSpecific(t *testing.T) {
	p1 := &MockProvider{name: "openai", cost: 0.1, supportedModels: []string{"gpt-4o"}}
	p2 := &MockProvider{name: "claude", cost: 1.0, supportedModels: []string{"claude-sonnet"}}

	router := newTestRouter([]provider.Provider{p1, p2}, nil)

	p, err := router.Route(context.Background(), &provider.Request{Model: "claude-sonnet"})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if p.Name() != "claude" {
		t.Errorf("Expected claude for claude-sonnet, got %s", p.Name())
	}
}

func TestRoute_CircuitBreakerOpen(t *testing.T) {
	p1 := &MockProvider{name: "bad-provider", cost: 0.1, completeErr: errors.New("fail")}
	p2 := &MockProvider{name: "good-provider", cost: 1.0}

	router := newTestRouter([]provider.Provider{p1, p2}, nil)

	// Trip p1
	for i := 0; i < 3; i++ {
		router.Execute(context.Background(), &provider.Request{}, p1)
	}

	// p1 should now be excluded even if cheaper
	p, err := router.Route(context.Background(), &provider.Request{})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if p.Name() != "good-provider" {
		t.Errorf("Expected good-provider because bad-provider should be tripped, got %s", p.Name())
	}
}

func TestRoute_AllProvidersDown(t *testing.T) {
	p1 := &MockProvider{name: "p1", completeErr: errors.New("fail")}

	router := newTestRouter([]provider.Provider{p1}, nil)

	for i := 0; i < 3; i++ {
		router.Execute(context.Background(), &provider.Request{}, p1)
	}

	_, err := router.Route(context.Background(), &provider.Request{})
	if err == nil || err.Error() != "all providers unavailable" {
		t.Errorf("Expected 'all providers unavailable' error, got %v", err)
	}
}

func TestExecute_RecordsUsage(t *testing.T) {
	p1 := &MockProvider{name: "p1", cost: 0.1}
	router := newTestRouter([]provider.Provider{p1}, nil)

	resp, err := router.Execute(context.Background(), &provider.Request{}, p1)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 20 {
		t.Fatalf("Unexpected token counts: %d/%d", resp.InputTokens, resp.OutputTokens)
	}

	snap := router.Usage("p1")
	if snap.MinuteRequests != 1 {
		t.Errorf("Expected 1 recorded request, got %d", snap.MinuteRequests)
	}
	if snap.MinuteTokens != 30 {
		t.Errorf("Expected 30 recorded tokens, got %d", snap.MinuteTokens)
	}
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	p1 := &MockProvider{name: "p1", cost: 0.1}
	p1.completeFunc = func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		if p1.calls <= 2 {
			return nil, upstreamError(http.StatusServiceUnavailable, nil)
		}
		return &provider.Response{InputTokens: 5, OutputTokens: 5, Provider: p1.name}, nil
	}
	router := newTestRouter([]provider.Provider{p1}, nil)

	resp, err := router.Execute(context.Background(), &provider.Request{}, p1)
	if err != nil {
		t.Fatalf("Execute failed after retries: %v", err)
	}
	if resp == nil {
		t.Fatal("Expected a response")
	}
	if p1.calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", p1.calls)
	}

	// Two failed attempts at zero cost plus one success.
	snap := router.Usage("p1")
	if snap.MinuteRequests != 3 {
		t.Errorf("Expected 3 recorded requests, got %d", snap.MinuteRequests)
	}
	if snap.MinuteTokens != 10 {
		t.Errorf("Expected 10 recorded tokens, got %d", snap.MinuteTokens)
	}
}

func TestExecute_NilResponseIsAnError(t *testing.T) {
	p1 := &MockProvider{name: "p1"}
	p1.completeFunc = func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return nil, nil
	}
	router := newTestRouter([]provider.Provider{p1}, nil)

	_, err := router.Execute(context.Background(), &provider.Request{}, p1)
	if err == nil {
		t.Fatal("Expected error for a nil response with a nil error")
	}
	if !strings.Contains(err.Error(), "returned no response") {
		t.Errorf("Expected provider contract error, got %v", err)
	}

	snap := router.Usage("p1")
	if snap.MinuteRequests != 1 {
		t.Errorf("Expected the attempt to consume a request slot, got %d", snap.MinuteRequests)
	}
}

func TestExecute_NonRetryableFailsImmediately(t *testing.T) {
	p1 := &MockProvider{name: "p1", completeErr: upstreamError(http.StatusUnauthorized, nil)}
	router := newTestRouter([]provider.Provider{p1}, nil)

	_, err := router.Execute(context.Background(), &provider.Request{}, p1)
	if err == nil {
		t.Fatal("Expected error for 401 response")
	}
	if p1.calls != 1 {
		t.Errorf("Expected a single attempt for a non-retryable status, got %d", p1.calls)
	}
}

func TestExecute_ExhaustsRetries(t *testing.T) {
	p1 := &MockProvider{name: "p1", completeErr: upstreamError(http.StatusBadGateway, nil)}
	router := newTestRouter([]provider.Provider{p1}, nil)

	_, err := router.Execute(context.Background(), &provider.Request{}, p1)
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected the last upstream error, got %v", err)
	}
	// Initial attempt plus MaxRetries.
	if p1.calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", p1.calls)
	}

	snap := router.Usage("p1")
	if snap.MinuteRequests != 3 {
		t.Errorf("Expected 3 recorded requests, got %d", snap.MinuteRequests)
	}
	if snap.MinuteTokens != 0 {
		t.Errorf("Failed attempts must not record tokens, got %d", snap.MinuteTokens)
	}
}

func TestExecute_HonorsRetryAfterHeader(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", strconv.Itoa(0))

	p1 := &MockProvider{name: "p1"}
	p1.completeFunc = func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		if p1.calls == 1 {
			return nil, upstreamError(http.StatusTooManyRequests, header)
		}
		return &provider.Response{Provider: p1.name}, nil
	}

	// A base delay long enough that falling back to backoff would be visible.
	policy := retry.Policy{MaxRetries: 2, BaseDelay: 300 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}
	router := NewRouter([]provider.Provider{p1}, ratelimit.NewLedger(nil), policy)

	start := time.Now()
	_, err := router.Execute(context.Background(), &provider.Request{}, p1)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("Expected Retry-After: 0 to override backoff, waited %s", elapsed)
	}
}

func TestExecute_RateLimited(t *testing.T) {
	limits := map[string]ratelimit.Limits{
		"p1": {RequestsPerMinute: 1},
	}
	p1 := &MockProvider{name: "p1"}
	router := newTestRouter([]provider.Provider{p1}, limits)

	if _, err := router.Execute(context.Background(), &provider.Request{}, p1); err != nil {
		t.Fatalf("First request should be admitted: %v", err)
	}

	_, err := router.Execute(context.Background(), &provider.Request{}, p1)
	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("Expected RateLimitedError, got %v", err)
	}
	if rle.Provider != "p1" {
		t.Errorf("Expected provider p1 in error, got %s", rle.Provider)
	}
	if rle.Wait <= 0 || rle.Wait > time.Minute {
		t.Errorf("Expected wait within the minute window, got %s", rle.Wait)
	}
	if p1.calls != 1 {
		t.Errorf("Denied request must not reach the provider, got %d calls", p1.calls)
	}
}

func TestExecute_WaitsOutShortDenial(t *testing.T) {
	limits := map[string]ratelimit.Limits{
		"p1": {RequestsPerMinute: 1},
	}
	ledger := ratelimit.NewLedger(limits)
	// An entry about to age out of the minute window leaves a sub-second wait.
	if err := ledger.Record("p1", 0, time.Now().Add(-59*time.Second-500*time.Millisecond)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	p1 := &MockProvider{name: "p1"}
	router := NewRouter([]provider.Provider{p1}, ledger, fastPolicy())

	start := time.Now()
	_, err := router.Execute(context.Background(), &provider.Request{}, p1)
	if err != nil {
		t.Fatalf("Execute should wait out a short denial: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Waited longer than the admission budget: %s", elapsed)
	}
	if p1.calls != 1 {
		t.Errorf("Expected exactly one provider call, got %d", p1.calls)
	}
}

func TestExecute_BreakerOpenDoesNotConsumeSlots(t *testing.T) {
	p1 := &MockProvider{name: "p1", completeErr: errors.New("fail")}
	router := newTestRouter([]provider.Provider{p1}, nil)

	for i := 0; i < 3; i++ {
		router.Execute(context.Background(), &provider.Request{}, p1)
	}
	before := router.Usage("p1").MinuteRequests

	_, err := router.Execute(context.Background(), &provider.Request{}, p1)
	if err == nil {
		t.Fatal("Expected error while the breaker is open")
	}
	if p1.calls != 3 {
		t.Errorf("Open breaker must short-circuit before the provider, got %d calls", p1.calls)
	}
	if after := router.Usage("p1").MinuteRequests; after != before {
		t.Errorf("Short-circuited attempt consumed a request slot: %d -> %d", before, after)
	}
}

func TestExecuteStream_RecordsRequestSlot(t *testing.T) {
	p1 := &MockProvider{name: "p1"}
	router := newTestRouter([]provider.Provider{p1}, nil)

	ch, err := router.ExecuteStream(context.Background(), &provider.Request{}, p1)
	if err != nil {
		t.Fatalf("ExecuteStream failed: %v", err)
	}
	for range ch {
	}

	snap := router.Usage("p1")
	if snap.MinuteRequests != 1 {
		t.Errorf("Expected the stream to consume a request slot, got %d", snap.MinuteRequests)
	}
	if snap.MinuteTokens != 0 {
		t.Errorf("Streams must not record tokens, got %d", snap.MinuteTokens)
	}
}
