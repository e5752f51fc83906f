// Package cache holds rendered projections keyed by entity and version.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/badgehub/badgehub-core/pkg/badge"
	"github.com/badgehub/badgehub-core/pkg/version"
)

// Key names one projection.
type Key struct {
	Kind     badge.Kind
	EntityID string
	Version  version.Version
}

// String returns "<kind>:<entity id>:<version>".
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Kind.Slug(), k.EntityID, k.Version)
}

// prefix is the part of the key shared by every version of one entity.
func (k Key) prefix() string {
	return k.Kind.Slug() + ":" + k.EntityID + ":"
}

// Entry is a cached rendering.
type Entry struct {
	ContentType string
	Body        []byte
}

// Cache stores rendered projections. Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the entry for key. A miss is (Entry{}, false, nil).
	Get(ctx context.Context, key Key) (Entry, bool, error)
	Set(ctx context.Context, key Key, e Entry) error
	// Invalidate drops every version of one entity.
	Invalidate(ctx context.Context, kind badge.Kind, entityID string) error
}

type memoryItem struct {
	entry   Entry
	expires time.Time
}

// MemoryCache is an in-process Cache with an optional TTL.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryCache creates a MemoryCache. A zero ttl keeps entries until invalidated.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		items: make(map[string]memoryItem),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key Key) (Entry, bool, error) {
	c.mu.RLock()
	item, ok := c.items[key.String()]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if !item.expires.IsZero() && c.now().After(item.expires) {
		c.mu.Lock()
		delete(c.items, key.String())
		c.mu.Unlock()
		return Entry{}, false, nil
	}
	return item.entry, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key Key, e Entry) error {
	item := memoryItem{entry: Entry{ContentType: e.ContentType, Body: append([]byte(nil), e.Body...)}}
	if c.ttl > 0 {
		item.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.items[key.String()] = item
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, kind badge.Kind, entityID string) error {
	prefix := Key{Kind: kind, EntityID: entityID}.prefix()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
		}
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Nop is a Cache that stores nothing.
type Nop struct{}

func (Nop) Get(context.Context, Key) (Entry, bool, error)        { return Entry{}, false, nil }
func (Nop) Set(context.Context, Key, Entry) error                { return nil }
func (Nop) Invalidate(context.Context, badge.Kind, string) error { return nil }
