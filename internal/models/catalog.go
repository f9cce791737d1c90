// Package models exposes the curated list of LLM models a user can pick
// for a session.
package models

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/logger"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

// builtin is the curated fallback list shipped with the daemon.
var builtin = []v1.ModelInfo{
	{ID: "milo-fast", Name: "Milo Fast", Description: "Low latency model for quick turns", Default: true},
	{ID: "milo-balanced", Name: "Milo Balanced", Description: "General purpose coding model"},
	{ID: "milo-deep", Name: "Milo Deep", Description: "Slow, thorough model for large changes"},
}

// FetchFunc retrieves the remote curated list
type FetchFunc func(ctx context.Context) ([]v1.ModelInfo, error)

// Catalog caches the curated model list. The remote list, when available,
// replaces the builtin one for the duration of the TTL.
type Catalog struct {
	fetch  FetchFunc
	ttl    time.Duration
	logger *logger.Logger

	mu        sync.Mutex
	cached    []v1.ModelInfo
	fetchedAt time.Time
}

// NewCatalog creates a model catalog. fetch may be nil, in which case the
// builtin list is always served.
func NewCatalog(fetch FetchFunc, ttl time.Duration, log *logger.Logger) *Catalog {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Catalog{
		fetch:  fetch,
		ttl:    ttl,
		logger: log.WithFields(zap.String("component", "models")),
	}
}

// List returns the current curated models
func (c *Catalog) List(ctx context.Context) []v1.ModelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fetch != nil && time.Since(c.fetchedAt) > c.ttl {
		fetched, err := c.fetch(ctx)
		if err != nil {
			c.logger.Debug("model list fetch failed, serving cached", zap.Error(err))
		} else if len(fetched) > 0 {
			c.cached = fetched
			c.fetchedAt = time.Now()
		}
	}

	if len(c.cached) > 0 {
		out := make([]v1.ModelInfo, len(c.cached))
		copy(out, c.cached)
		return out
	}
	out := make([]v1.ModelInfo, len(builtin))
	copy(out, builtin)
	return out
}

// Default returns the id of the default model
func (c *Catalog) Default(ctx context.Context) string {
	for _, m := range c.List(ctx) {
		if m.Default {
			return m.ID
		}
	}
	return builtin[0].ID
}

// Valid reports whether id names a known model
func (c *Catalog) Valid(ctx context.Context, id string) bool {
	for _, m := range c.List(ctx) {
		if m.ID == id {
			return true
		}
	}
	return false
}
