// Package restore keeps the last known state of restorable entities across
// restarts. A MemoryCache answers lookups during startup; a Store persists
// it in SQLite.
package restore

import (
	"sort"
	"strings"
	"sync"

	"homehelpers/internal/ha"
)

// MemoryCache is an in-memory ha.RestoreCache
type MemoryCache struct {
	mu     sync.RWMutex
	states map[string]*ha.State
}

// NewMemoryCache creates a cache seeded with states
func NewMemoryCache(states ...*ha.State) *MemoryCache {
	c := &MemoryCache{states: make(map[string]*ha.State, len(states))}
	for _, s := range states {
		c.Put(s)
	}
	return c
}

// Put stores or replaces the last state of an entity
func (c *MemoryCache) Put(state *ha.State) {
	if state == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[strings.ToLower(state.EntityID)] = state
}

// LastState implements ha.RestoreCache
func (c *MemoryCache) LastState(entityID string) (*ha.State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[strings.ToLower(entityID)]
	return s, ok
}

// EntityIDs lists the cached entity ids, sorted
func (c *MemoryCache) EntityIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.states))
	for id := range c.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of cached states
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.states)
}
