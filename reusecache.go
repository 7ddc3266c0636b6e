package redzone

import (
	"sync"

	"github.com/vusec/gperftools/pageheap"
)

// ReuseCache is the large-span reuse cache: a small fixed-capacity
// set of recently-freed large spans, retained with their head/tail
// redzones still poisoned so a future large allocation can skip
// re-materializing them.
//
// The array itself is protected by its own lock rather than the owning
// PageHeap's lock: PageHeap.Delete and PageHeap.Split already take
// h.Lock internally, and Insert/FindOrSplit need to call both, so
// sharing a single non-reentrant sync.Mutex between the two types
// would deadlock on the first eviction or split. Giving the cache its
// own lock keeps PageHeap.Lock's critical sections single-level, at
// the cost of a span briefly being visible to neither the cache nor
// the page heap's own lists while Insert/FindOrSplit are mid-call --
// acceptable because nothing else holds a pointer to it during that
// window.
type ReuseCache struct {
	mu    sync.Mutex
	slots [LargeFreelistCap]*pageheap.Span
}

// NewReuseCache returns an empty cache.
func NewReuseCache() *ReuseCache { return &ReuseCache{} }

// Len reports how many spans are currently retained.
func (c *ReuseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Insert offers span to the cache (spec §4.4 Insert). If a free slot
// exists, span is retained there. Otherwise, if span is larger than the
// smallest currently-retained span, it evicts that span (clearing its
// redzones and unmapping it through ph) and retains span instead.
// Insert reports whether span was retained; if false, the caller must
// clear span's redzones and unmap it normally.
func (c *ReuseCache) Insert(span *pageheap.Span, ph *pageheap.PageHeap, p *Poisoner, geom Geometry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.slots {
		if s == nil {
			c.slots[i] = span
			return true
		}
	}

	smallestIdx := 0
	for i, s := range c.slots {
		if s.Length < c.slots[smallestIdx].Length {
			smallestIdx = i
		}
	}
	smallest := c.slots[smallestIdx]
	if span.Length <= smallest.Length {
		return false
	}

	p.UnpoisonAllInSpan(smallest, geom)
	ph.Delete(smallest)
	c.slots[smallestIdx] = span
	return true
}

// FindOrSplit satisfies an n-page large allocation from the cache (spec
// §4.4 FindOrSplit), preserving existing poisoning whenever possible. It
// returns nil if no retained span is big enough.
func (c *ReuseCache) FindOrSplit(n uintptr, ph *pageheap.PageHeap, p *Poisoner, geom Geometry) (*pageheap.Span, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := -1
	for i, s := range c.slots {
		if s == nil || s.Length < n {
			continue
		}
		if idx == -1 || s.Length > c.slots[idx].Length {
			idx = i
		}
	}
	if idx == -1 {
		return nil, nil
	}

	s := c.slots[idx]
	if s.Length == n {
		c.slots[idx] = nil
		return s, nil
	}

	// s.Length > n: split into a retained head of n pages and a tail.
	head, tail, err := ph.Split(s, n)
	if err != nil {
		return nil, err
	}

	maxSmallClassSize := geom.Classes.SlotSize(uint8(geom.Classes.NumClasses()))
	tailUsable := tail.Length*pageheap.PageSize - 2*RZLarge
	if tail.Length*pageheap.PageSize < 2*RZLarge || tailUsable <= maxSmallClassSize {
		// The tail would be wasted in the cache: no large request can
		// use it, and returning it to the page heap loses its
		// poisoning for small-class reuse anyway.
		p.clearLargeTail(tail)
		ph.Delete(tail)
		c.slots[idx] = nil
		return head, nil
	}

	// Poison the new boundary and keep the tail retained.
	p.repoisonSplitBoundary(head, tail)
	c.slots[idx] = tail
	return head, nil
}
