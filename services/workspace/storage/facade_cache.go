// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// DefaultFacadeCacheSize is the per-snapshot façade cache capacity.
const DefaultFacadeCacheSize = 4096

// facadeCache memoizes Entity façades for one snapshot.
//
// Description:
//
//	Fixed-size LRU keyed by EntityID. It is owned by exactly one Snapshot
//	and dies with it, so snapshots never pin each other through a shared
//	cache. Two readers racing on a miss may both build a façade; the
//	second Set wins and both façades are value-equal.
//
// Thread Safety: All methods are safe for concurrent use.
//
// Performance:
//
//	| Operation | Complexity |
//	|-----------|------------|
//	| get       | O(1)       |
//	| set       | O(1)       |
type facadeCache struct {
	mu       sync.Mutex
	capacity int
	items    map[EntityID]*list.Element
	order    *list.List // Front = most recent

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func newFacadeCache(capacity int) *facadeCache {
	if capacity <= 0 {
		capacity = DefaultFacadeCacheSize
	}
	return &facadeCache{
		capacity: capacity,
		items:    make(map[EntityID]*list.Element),
		order:    list.New(),
	}
}

func (c *facadeCache) get(id EntityID) (*Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[id]; ok {
		c.order.MoveToFront(elem)
		c.hits.Add(1)
		return elem.Value.(*Entity), true
	}
	c.misses.Add(1)
	return nil, false
}

func (c *facadeCache) set(e *Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[e.id]; ok {
		c.order.MoveToFront(elem)
		elem.Value = e
		return
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*Entity).id)
			c.evictions.Add(1)
		}
	}
	c.items[e.id] = c.order.PushFront(e)
}

func (c *facadeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// CacheStats reports façade cache effectiveness for one snapshot.
type CacheStats struct {
	Size      int
	Capacity  int
	Hits      int64
	Misses    int64
	Evictions int64
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (c *facadeCache) stats() CacheStats {
	return CacheStats{
		Size:      c.len(),
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
