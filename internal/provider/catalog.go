package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
)

const DefaultCatalogTTL = 5 * time.Minute

// DefaultContextWindow is assumed for listed models that omit their window.
const DefaultContextWindow = 8192

type FetchFunc func(ctx context.Context) ([]domain.ModelDescriptor, error)

// Catalog holds an adapter's model list. Static catalogs never change;
// dynamic ones are refetched when older than ttl, and the last good list is
// kept when a refetch fails.
type Catalog struct {
	name  string
	ttl   time.Duration
	fetch FetchFunc
	now   func() time.Time

	mu        sync.RWMutex
	models    []domain.ModelDescriptor
	index     map[string]domain.ModelDescriptor
	checkedAt time.Time
}

func NewStaticCatalog(name string, models []domain.ModelDescriptor) *Catalog {
	c := &Catalog{name: name, now: time.Now}
	c.replace(models)
	return c
}

// NewDynamicCatalog starts with fallback and replaces it with the result of
// fetch once one succeeds.
func NewDynamicCatalog(name string, ttl time.Duration, fallback []domain.ModelDescriptor, fetch FetchFunc) *Catalog {
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	c := &Catalog{name: name, ttl: ttl, fetch: fetch, now: time.Now}
	c.replace(fallback)
	c.checkedAt = time.Time{}
	return c
}

func (c *Catalog) Models(ctx context.Context) []domain.ModelDescriptor {
	if c.stale() {
		if err := c.Refresh(ctx); err != nil {
			slog.Warn("model catalog refresh failed, serving cached list",
				"provider", c.name,
				"error", err,
			)
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.ModelDescriptor, len(c.models))
	copy(out, c.models)
	return out
}

func (c *Catalog) Lookup(ctx context.Context, id string) (domain.ModelDescriptor, bool) {
	if c.stale() {
		c.Models(ctx)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.index[id]
	return m, ok
}

// Refresh refetches a dynamic catalog. It is a no-op for static catalogs.
// A failed or empty fetch keeps the current list until the next ttl expiry.
func (c *Catalog) Refresh(ctx context.Context) error {
	if c.fetch == nil {
		return nil
	}

	models, err := c.fetch(ctx)
	if err != nil || len(models) == 0 {
		c.mu.Lock()
		c.checkedAt = c.now()
		c.mu.Unlock()
		return err
	}

	c.replace(models)
	return nil
}

func (c *Catalog) stale() bool {
	if c.fetch == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkedAt.IsZero() || c.now().Sub(c.checkedAt) > c.ttl
}

func (c *Catalog) replace(models []domain.ModelDescriptor) {
	index := make(map[string]domain.ModelDescriptor, len(models))
	list := make([]domain.ModelDescriptor, 0, len(models))
	for _, m := range models {
		if _, dup := index[m.ID]; dup {
			continue
		}
		m.Provider = c.name
		index[m.ID] = m
		list = append(list, m)
	}

	c.mu.Lock()
	c.models = list
	c.index = index
	if c.fetch != nil {
		c.checkedAt = c.now()
	}
	c.mu.Unlock()
}
