// Package models aggregates the model listings of every configured provider
// into one catalog, with a short-lived Redis cache in front.
package models

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitriz/llm-univ-sub001/internal/provider"
)

const (
	cacheKey = "models:listing"
	cacheTTL = 5 * time.Minute
)

type Model struct {
	ID            string  `json:"id"`
	Provider      string  `json:"provider"`
	InputCostUSD  float64 `json:"input_cost_usd"`
	OutputCostUSD float64 `json:"output_cost_usd"`
}

type Listing struct {
	Models []Model `json:"models"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (l *Listing) MarshalBinary() ([]byte, error) {
	return json.Marshal(l)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (l *Listing) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, l)
}

type Catalog struct {
	providers []provider.Provider
	cache     *redis.Client
}

// NewCatalog builds a catalog over the given providers. cache may be nil,
// in which case every listing is rebuilt from the providers.
func NewCatalog(providers []provider.Provider, cache *redis.Client) *Catalog {
	return &Catalog{providers: providers, cache: cache}
}

func (c *Catalog) List(ctx context.Context) (*Listing, error) {
	if c.cache != nil {
		var cached Listing
		err := c.cache.Get(ctx, cacheKey).Scan(&cached)
		if err == nil {
			return &cached, nil
		}
		if err != redis.Nil {
			// Cache outage degrades to an uncached listing.
			log.Printf("models: cache read failed: %v", err)
		}
	}

	listing := c.build()

	if c.cache != nil {
		if err := c.cache.Set(ctx, cacheKey, listing, cacheTTL).Err(); err != nil {
			log.Printf("models: cache write failed: %v", err)
		}
	}
	return listing, nil
}

func (c *Catalog) build() *Listing {
	var out []Model
	for _, p := range c.providers {
		for _, id := range p.SupportedModels() {
			out = append(out, Model{
				ID:            id,
				Provider:      p.Name(),
				InputCostUSD:  p.CostPerInputToken(),
				OutputCostUSD: p.CostPerOutputToken(),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return &Listing{Models: out}
}
