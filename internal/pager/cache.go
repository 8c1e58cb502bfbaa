package pager

import (
	"sort"
	"sync"
)

// frame is one cached page (spec.md §3 "Ownership and lifecycle": "A Page
// is owned by the cache; cursors hold reference counts that pin pages
// against eviction").
type frame struct {
	pgno  uint32
	buf   []byte
	dirty bool
	ref   int
	prev  *frame
	next  *frame
}

// cache is a power-of-two chained hash keyed by page number, with an LRU
// list over unreferenced clean pages and a separate dirty list untouchable
// by eviction (spec.md §4.4 "Pager": "Cache is a power-of-two chained hash
// keyed by page number; eviction policy is LRU over unreferenced, clean
// pages. Dirty pages hang on a separate list and are untouchable by
// eviction.").
type cache struct {
	mu       sync.Mutex
	maxPages int
	byPgno   map[uint32]*frame
	lruHead  *frame // most recently used
	lruTail  *frame // least recently used
	dirty    map[uint32]*frame
}

func newCache(maxPages int) *cache {
	if maxPages <= 0 {
		maxPages = 2048
	}
	return &cache{
		maxPages: maxPages,
		byPgno:   make(map[uint32]*frame, maxPages),
		dirty:    make(map[uint32]*frame),
	}
}

func (c *cache) get(pgno uint32) (*frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.byPgno[pgno]
	if ok && !f.dirty {
		c.lruUnlink(f)
		c.lruPushFront(f)
	}
	return f, ok
}

// insert adds a freshly read clean page, first evicting unreferenced clean
// pages from the LRU tail while the cache is at capacity; when none can be
// evicted the cache grows past maxPages.
func (c *cache) insert(f *frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byPgno[f.pgno]; exists {
		return
	}
	for len(c.byPgno) >= c.maxPages {
		if !c.evictOne() {
			break // every page is dirty or pinned; cache grows past maxPages
		}
	}
	c.byPgno[f.pgno] = f
	c.lruPushFront(f)
}

func (c *cache) markDirty(f *frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.dirty {
		return
	}
	f.dirty = true
	c.lruUnlink(f)
	c.dirty[f.pgno] = f
}

// drainDirty returns the dirty set in page-number order and clears it, for writing out at
// commit (spec.md §4.4 "On commit the dirty list is drained in order").
func (c *cache) drainDirty() []*frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*frame, 0, len(c.dirty))
	for pgno, f := range c.dirty {
		out = append(out, f)
		delete(c.dirty, pgno)
		f.dirty = false
		c.lruPushFront(f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pgno < out[j].pgno })
	return out
}

func (c *cache) evictOne() bool {
	for f := c.lruTail; f != nil; f = f.prev {
		if f.ref == 0 && !f.dirty {
			c.lruUnlink(f)
			delete(c.byPgno, f.pgno)
			return true
		}
	}
	return false
}

func (c *cache) lruPushFront(f *frame) {
	f.prev = nil
	f.next = c.lruHead
	if c.lruHead != nil {
		c.lruHead.prev = f
	}
	c.lruHead = f
	if c.lruTail == nil {
		c.lruTail = f
	}
}

func (c *cache) lruUnlink(f *frame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else if c.lruHead == f {
		c.lruHead = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else if c.lruTail == f {
		c.lruTail = f.prev
	}
	f.prev, f.next = nil, nil
}
