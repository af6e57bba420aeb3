package conflict

import (
	"container/list"
	"sync"

	"github.com/example/offline-sync/internal/types"
)

type baseKey struct {
	Tenant     types.TenantID
	EntityType types.EntityType
	EntityID   types.EntityID
	Version    types.Version
}

type cacheItem struct {
	key   baseKey
	state types.State
}

// baseCache is an LRU of historical entity states. A version's content never
// changes once written, so entries need no invalidation.
type baseCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[baseKey]*list.Element
}

func newBaseCache(capacity int) *baseCache {
	if capacity < 1 {
		capacity = 1
	}
	return &baseCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[baseKey]*list.Element),
	}
}

func (c *baseCache) Get(key baseKey) (types.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return types.State{}, false
	}
	c.ll.MoveToFront(el)
	item := el.Value.(*cacheItem)
	return types.State{Version: item.state.Version, Fields: item.state.Fields.Clone()}, true
}

func (c *baseCache) Add(key baseKey, state types.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheItem).state = state
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheItem{key: key, state: types.State{Version: state.Version, Fields: state.Fields.Clone()}})
	c.items[key] = el

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheItem).key)
		}
	}
}
