package billing

import (
	"context"
	"time"
)

type UsageLog struct {
	ID           string
	TenantID     string
	RequestID    string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMs    int64
	CreatedAt    time.Time
}

// ProviderTotal aggregates persisted usage for one provider over a time
// range. It complements the in-memory rate-limit snapshots, which only
// cover the current process.
type ProviderTotal struct {
	Provider     string  `json:"provider"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error)
	GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
	GetProviderTotals(ctx context.Context, from, to time.Time) ([]*ProviderTotal, error)
}
