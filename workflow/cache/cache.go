// Package cache provides an in-memory, TTL-expiring cache of loaded
// Workflow values (SPEC_FULL §4.13), keyed by workflow ID and
// invalidated explicitly when a workflow's definition changes.
package cache

import (
	"sync"
	"time"

	"github.com/openobserve/swisspipe/workflow"
)

// DefaultTTL is the cache entry lifetime used when New is called with
// ttl <= 0, matching the original's 300-second default.
const DefaultTTL = 5 * time.Minute

type entry struct {
	wf       workflow.Workflow
	cachedAt time.Time
	ttl      time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.After(e.cachedAt.Add(e.ttl))
}

// Cache is a thread-safe, in-memory Workflow cache. The zero value is
// not usable; construct with New.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]entry
	defaultTTL time.Duration
}

// New returns an empty Cache whose entries expire after ttl unless Put
// is called with an explicit override (DefaultTTL if ttl <= 0).
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{entries: make(map[string]entry), defaultTTL: ttl}
}

// Get returns the cached workflow and true if present and unexpired.
func (c *Cache) Get(workflowID string) (workflow.Workflow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[workflowID]
	if !ok || e.expired(time.Now()) {
		return workflow.Workflow{}, false
	}
	return e.wf, true
}

// Put caches wf under its ID using the cache's default TTL.
func (c *Cache) Put(wf workflow.Workflow) {
	c.PutWithTTL(wf, c.defaultTTL)
}

// PutWithTTL caches wf under its ID with a per-entry TTL override.
func (c *Cache) PutWithTTL(wf workflow.Workflow, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[wf.ID] = entry{wf: wf, cachedAt: time.Now(), ttl: ttl}
}

// Invalidate removes workflowID's entry, if any. Callers must invalidate
// on every write to a workflow's definition (§5).
func (c *Cache) Invalidate(workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, workflowID)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Contains reports whether workflowID has an entry, ignoring expiry.
func (c *Cache) Contains(workflowID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[workflowID]
	return ok
}

// CleanupExpired evicts every expired entry and returns how many were
// removed. Nothing in this repository calls it on a schedule; Get
// already treats an expired entry as a miss.
func (c *Cache) CleanupExpired() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Stats summarizes the cache's current contents.
type Stats struct {
	TotalEntries   int
	ValidEntries   int
	ExpiredEntries int
}

func (c *Cache) Stats() Stats {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{TotalEntries: len(c.entries)}
	for _, e := range c.entries {
		if e.expired(now) {
			s.ExpiredEntries++
		} else {
			s.ValidEntries++
		}
	}
	return s
}
