package reader

import (
	"container/list"
	"sync"
)

// Bitmap is a rendered page handle backed by a native or browser resource.
// Release frees that resource; it must be called exactly once.
type Bitmap interface {
	Release()
}

// RenderCache is a strict LRU over rendered pages for one reading session.
// Handles never outlive the session: eviction, replacement, and Clear all
// release them, so no plaintext page image survives teardown.
type RenderCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[int]*list.Element
}

type renderEntry struct {
	page   int
	bitmap Bitmap
}

// NewRenderCache builds a cache holding at most capacity pages.
func NewRenderCache(capacity int) *RenderCache {
	if capacity < 1 {
		capacity = 1
	}
	return &RenderCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[int]*list.Element),
	}
}

// Get returns the cached bitmap for the page and marks it most recently
// used, or nil when the page is not resident.
func (c *RenderCache) Get(page int) Bitmap {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[page]
	if !ok {
		return nil
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*renderEntry).bitmap
}

// Put stores a freshly rendered page. If the page is already resident the
// new handle is redundant and is released immediately; the resident handle
// stays. When the cache is full the least recently used page is evicted and
// its handle released.
func (c *RenderCache) Put(page int, bitmap Bitmap) {
	if bitmap == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[page]; ok {
		c.order.MoveToFront(elem)
		bitmap.Release()
		return
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			entry := oldest.Value.(*renderEntry)
			c.order.Remove(oldest)
			delete(c.entries, entry.page)
			entry.bitmap.Release()
		}
	}
	c.entries[page] = c.order.PushFront(&renderEntry{page: page, bitmap: bitmap})
}

// Clear releases every held handle. Invoked on content switch and teardown.
func (c *RenderCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		elem.Value.(*renderEntry).bitmap.Release()
	}
	c.order.Init()
	c.entries = make(map[int]*list.Element)
}

// Len reports the number of resident pages.
func (c *RenderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
