package provider

import (
	"context"
	"fmt"
	"net/http"
)

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Stream      bool
	// Metadata for routing decisions
	TenantID  string
	RequestID string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

// APIError is a non-2xx upstream response. It carries the status code and
// response headers so the retry layer can classify the failure and honor a
// Retry-After hint.
type APIError struct {
	Provider   string
	StatusCode int
	Header     http.Header
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// NewAPIError captures status, headers and body from an upstream response.
func NewAPIError(name string, resp *http.Response, body []byte) *APIError {
	return &APIError{
		Provider:   name,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       string(body),
	}
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
	CostPerInputToken() float64 // cost in USD per 1 token
	CostPerOutputToken() float64
	SupportedModels() []string
}
