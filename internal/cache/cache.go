// Package cache holds decrypted credentials for a short time so repeated
// resolutions skip the repository and the key derivation.
// Entries never leave process memory.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/mosmn/conversational-glass-ai-sub000/internal/domain"
)

const DefaultTTL = 5 * time.Minute

type key struct {
	tenantID string
	provider string
}

type cacheItem struct {
	credential domain.Credential
	expiresAt  time.Time
}

// CredentialCache is a TTL map keyed by tenant and provider.
type CredentialCache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	items map[key]*cacheItem
}

func New(ttl time.Duration) *CredentialCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CredentialCache{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[key]*cacheItem),
	}
}

func (c *CredentialCache) TTL() time.Duration {
	return c.ttl
}

func (c *CredentialCache) Get(tenantID, provider string) (domain.Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key{tenantID, provider}]
	if !ok || !c.now().Before(item.expiresAt) {
		return domain.Credential{}, false
	}
	return item.credential, true
}

func (c *CredentialCache) Set(tenantID, provider string, cred domain.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key{tenantID, provider}] = &cacheItem{
		credential: cred,
		expiresAt:  c.now().Add(c.ttl),
	}
}

func (c *CredentialCache) Delete(tenantID, provider string) {
	c.mu.Lock()
	delete(c.items, key{tenantID, provider})
	c.mu.Unlock()
}

// DeleteTenant drops every provider entry for tenantID.
func (c *CredentialCache) DeleteTenant(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.items {
		if k.tenantID == tenantID {
			delete(c.items, k)
		}
	}
}

func (c *CredentialCache) Clear() {
	c.mu.Lock()
	c.items = make(map[key]*cacheItem)
	c.mu.Unlock()
}

func (c *CredentialCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *CredentialCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, item := range c.items {
		if !now.Before(item.expiresAt) {
			delete(c.items, k)
		}
	}
}

// StartCleanup evicts expired entries every interval until ctx is done.
func (c *CredentialCache) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.evictExpired()
			}
		}
	}()
}
