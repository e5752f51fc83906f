// Package revocation keeps a local record of revoked assertions, both the
// ones this issuer revoked and the ones synced from remote OB 2.0 revocation
// lists during verification.
package revocation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Common errors returned by this package.
var (
	ErrCacheNotFound = errors.New("revocation cache not found")
	ErrCacheCorrupt  = errors.New("revocation cache is corrupt")
)

// DefaultStaleThreshold is the age after which a synced list is fetched again.
const DefaultStaleThreshold = 5 * time.Minute

// Cache is the interface for a revocation cache.
type Cache interface {
	// IsRevoked checks whether an assertion id is revoked.
	IsRevoked(assertionID string) bool

	// Lookup returns the revocation entry of an assertion id.
	Lookup(assertionID string) (Revocation, bool)

	// Add records a single revocation.
	Add(rev Revocation) error

	// Sync merges the revocations of the list at listURL and marks that
	// list fresh.
	Sync(listURL string, revocations []Revocation) error

	// LastSynced returns when the list at listURL was last synced, or the
	// zero time if it never was.
	LastSynced(listURL string) time.Time

	// IsStale reports whether the list at listURL was not synced within
	// threshold.
	IsStale(listURL string, threshold time.Duration) bool

	// Clear clears all revocations from the cache.
	Clear() error
}

// Revocation represents a single revoked assertion.
type Revocation struct {
	// AssertionID is the public id (URL) of the revoked assertion.
	AssertionID string `json:"id"`

	// UID is the 1.x uid of the assertion, when known.
	UID string `json:"uid,omitempty"`

	RevokedAt time.Time `json:"revokedAt"`
	Reason    string    `json:"revocationReason,omitempty"`
}

// cacheData is the serialized cache format.
type cacheData struct {
	Lists       map[string]time.Time `json:"lists,omitempty"`
	Revocations []Revocation         `json:"revocations"`
}

// FileCache implements Cache using a JSON file.
type FileCache struct {
	path string
	mu   sync.RWMutex

	data  *cacheData
	index map[string]int
}

// DefaultCacheDir returns the default revocation cache directory.
func DefaultCacheDir() string {
	if envPath := os.Getenv("BADGEHUB_CACHE_PATH"); envPath != "" {
		return envPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".badgehub/cache"
	}
	return filepath.Join(home, ".badgehub", "cache")
}

// NewFileCache creates a new file-based revocation cache.
// If path is empty, uses default location.
func NewFileCache(path string) (*FileCache, error) {
	if path == "" {
		path = filepath.Join(DefaultCacheDir(), "revocations.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	cache := &FileCache{
		path:  path,
		data:  &cacheData{},
		index: make(map[string]int),
	}

	// A corrupt file starts an empty cache; it is overwritten on the next save.
	if err := cache.load(); err != nil && !os.IsNotExist(err) {
		cache.data = &cacheData{}
		cache.index = make(map[string]int)
	}

	return cache, nil
}

// IsRevoked checks whether an assertion id is revoked.
func (c *FileCache) IsRevoked(assertionID string) bool {
	_, ok := c.Lookup(assertionID)
	return ok
}

// Lookup returns the revocation entry of an assertion id. Entries match on id or uid.
func (c *FileCache) Lookup(assertionID string) (Revocation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.index[assertionID]
	if !ok {
		return Revocation{}, false
	}
	return c.data.Revocations[i], true
}

// Add records a single revocation.
func (c *FileCache) Add(rev Revocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rev.AssertionID == "" {
		return errors.New("revocation requires an assertion id")
	}
	if _, exists := c.index[rev.AssertionID]; exists {
		return nil
	}
	c.insert(rev)
	return c.save()
}

// Sync merges revocations from a revocation list and marks it fresh.
func (c *FileCache) Sync(listURL string, revocations []Revocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rev := range revocations {
		if _, exists := c.index[rev.AssertionID]; !exists && rev.AssertionID != "" {
			c.insert(rev)
		}
	}

	if c.data.Lists == nil {
		c.data.Lists = make(map[string]time.Time)
	}
	c.data.Lists[listURL] = time.Now()
	return c.save()
}

func (c *FileCache) insert(rev Revocation) {
	c.data.Revocations = append(c.data.Revocations, rev)
	i := len(c.data.Revocations) - 1
	c.index[rev.AssertionID] = i
	if rev.UID != "" {
		c.index[rev.UID] = i
	}
}

// LastSynced returns when a list was last synced.
func (c *FileCache) LastSynced(listURL string) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.Lists[listURL]
}

// IsStale reports whether a list is older than the threshold.
func (c *FileCache) IsStale(listURL string, threshold time.Duration) bool {
	return stale(c.LastSynced(listURL), threshold)
}

func stale(syncedAt time.Time, threshold time.Duration) bool {
	return syncedAt.IsZero() || time.Since(syncedAt) > threshold
}

// Clear removes all revocations from the cache.
func (c *FileCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = &cacheData{}
	c.index = make(map[string]int)

	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	return nil
}

// Count returns the number of revocations in the cache.
func (c *FileCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data.Revocations)
}

func (c *FileCache) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}

	var cached cacheData
	if err := json.Unmarshal(data, &cached); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheCorrupt, err)
	}

	c.data = &cacheData{Lists: cached.Lists}
	c.index = make(map[string]int, len(cached.Revocations))
	for _, rev := range cached.Revocations {
		c.insert(rev)
	}
	return nil
}

func (c *FileCache) save() error {
	data, err := json.MarshalIndent(c.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// MemoryCache is an in-memory cache.
type MemoryCache struct {
	mu          sync.RWMutex
	revocations map[string]Revocation
	lists       map[string]time.Time
}

// NewMemoryCache creates a new in-memory revocation cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		revocations: make(map[string]Revocation),
		lists:       make(map[string]time.Time),
	}
}

// IsRevoked checks whether an assertion id is revoked.
func (c *MemoryCache) IsRevoked(assertionID string) bool {
	_, ok := c.Lookup(assertionID)
	return ok
}

// Lookup returns the revocation entry of an assertion id.
func (c *MemoryCache) Lookup(assertionID string) (Revocation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rev, ok := c.revocations[assertionID]
	return rev, ok
}

// Add records a single revocation.
func (c *MemoryCache) Add(rev Revocation) error {
	if rev.AssertionID == "" {
		return errors.New("revocation requires an assertion id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(rev)
	return nil
}

// Sync merges revocations from a revocation list.
func (c *MemoryCache) Sync(listURL string, revocations []Revocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rev := range revocations {
		if rev.AssertionID != "" {
			c.put(rev)
		}
	}
	c.lists[listURL] = time.Now()
	return nil
}

func (c *MemoryCache) put(rev Revocation) {
	c.revocations[rev.AssertionID] = rev
	if rev.UID != "" {
		c.revocations[rev.UID] = rev
	}
}

// LastSynced returns the time a list was last synced.
func (c *MemoryCache) LastSynced(listURL string) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lists[listURL]
}

// IsStale returns true if a list hasn't been synced within the threshold.
func (c *MemoryCache) IsStale(listURL string, threshold time.Duration) bool {
	return stale(c.LastSynced(listURL), threshold)
}

func (c *MemoryCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revocations = make(map[string]Revocation)
	c.lists = make(map[string]time.Time)
	return nil
}
