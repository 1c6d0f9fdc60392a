package playback

import (
	"container/list"
	"encoding/json"
	"slices"
	"sync"

	"github.com/example/delta-crdt-engine/internal/types"
)

type cacheKey struct {
	Collection types.CollectionID
	LSN        int64
}

// cacheEntry stores a reusable collection state for a particular log position.
type cacheEntry struct {
	LSN   int64
	State json.RawMessage
}

type stateCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element
}

func newStateCache(capacity int) *stateCache {
	if capacity < 1 {
		capacity = 1
	}
	return &stateCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

// Get returns the cached state with the highest LSN not beyond targetLSN.
func (c *stateCache) Get(id types.CollectionID, targetLSN int64) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bestKey cacheKey
	var bestItem *list.Element

	for key, item := range c.items {
		if key.Collection != id || key.LSN > targetLSN {
			continue
		}
		if bestItem == nil || key.LSN > bestKey.LSN {
			bestKey = key
			bestItem = item
		}
	}

	if bestItem == nil {
		return cacheEntry{}, false
	}

	c.ll.MoveToFront(bestItem)
	entry := bestItem.Value.(cacheEntry)
	entry.State = slices.Clone(entry.State)
	return entry, true
}

func (c *stateCache) Put(id types.CollectionID, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{Collection: id, LSN: entry.LSN}
	if element, ok := c.items[key]; ok {
		element.Value = entry
		c.ll.MoveToFront(element)
		return
	}

	element := c.ll.PushFront(entry)
	c.items[key] = element

	if c.ll.Len() > c.capacity {
		last := c.ll.Back()
		if last != nil {
			c.ll.Remove(last)
			for k, v := range c.items {
				if v == last {
					delete(c.items, k)
					break
				}
			}
		}
	}
}
