package cache

import (
	"github.com/RoaringBitmap/roaring"
)

// PageCache holds the loaded rows and pending page requests of one hierarchy
// level: the root, or the children of one expanded item.
type PageCache struct {
	parent      *PageCache
	parentIndex int
	parentItem  Item

	// items maps local index to item. Only loaded indices are present.
	items map[int]Item

	// children maps local index to the sub cache of an expanded item.
	// expanded holds the same indices for ordered iteration.
	children map[uint32]*PageCache
	expanded *roaring.Bitmap

	// pending holds page numbers with a request in flight.
	pending *roaring.Bitmap

	size          int
	effectiveSize int

	// dataEnd is the row count implied by a short page when the provider
	// reports no size, or UnknownSize.
	dataEnd int
}

// NewPageCache creates an empty root cache.
func NewPageCache() *PageCache {
	return newPageCache(nil, -1, nil)
}

func newPageCache(parent *PageCache, parentIndex int, parentItem Item) *PageCache {
	return &PageCache{
		parent:      parent,
		parentIndex: parentIndex,
		parentItem:  parentItem,
		items:       make(map[int]Item),
		children:    make(map[uint32]*PageCache),
		expanded:    roaring.New(),
		pending:     roaring.New(),
		dataEnd:     UnknownSize,
	}
}

// Parent returns the enclosing cache, or nil for the root and for detached caches.
func (c *PageCache) Parent() *PageCache {
	return c.parent
}

// ParentItem returns the item whose expansion created this cache (nil for the root).
func (c *PageCache) ParentItem() Item {
	return c.parentItem
}

// ParentIndex returns the local index of the parent item in the parent cache,
// or -1 for the root.
func (c *PageCache) ParentIndex() int {
	return c.parentIndex
}

// Depth returns the nesting level, 0 for the root.
func (c *PageCache) Depth() int {
	depth := 0
	for p := c.parent; p != nil; p = p.parent {
		depth++
	}
	return depth
}

// Size returns the number of direct rows of this level.
func (c *PageCache) Size() int {
	return c.size
}

// EffectiveSize returns the number of flat rows contributed by this level
// and all expanded descendants.
func (c *PageCache) EffectiveSize() int {
	return c.effectiveSize
}

// IsLoading reports whether a page request of this level is in flight.
// Descendants are not considered.
func (c *PageCache) IsLoading() bool {
	return !c.pending.IsEmpty()
}

// ItemForIndex returns the item at a local index if it is loaded.
// It never triggers a fetch.
func (c *PageCache) ItemForIndex(local int) (Item, bool) {
	item, ok := c.items[local]
	return item, ok
}

// LoadedCount returns the number of loaded items of this level.
func (c *PageCache) LoadedCount() int {
	return len(c.items)
}

// SubCache returns the sub cache of the expanded item at a local index, or nil.
func (c *PageCache) SubCache(local int) *PageCache {
	if local < 0 {
		return nil
	}
	return c.children[uint32(local)]
}

// SubCacheCount returns the number of expanded items of this level.
func (c *PageCache) SubCacheCount() int {
	return len(c.children)
}

// ForEachSubCache calls fn for every sub cache in ascending local index order.
// Iteration stops when fn returns false.
func (c *PageCache) ForEachSubCache(fn func(local int, sub *PageCache) bool) {
	it := c.expanded.Iterator()
	for it.HasNext() {
		local := it.Next()
		if !fn(int(local), c.children[local]) {
			return
		}
	}
}

// UpdateSize recomputes the effective size of this level and propagates the
// change to every ancestor.
func (c *PageCache) UpdateSize() {
	for n := c; n != nil; n = n.parent {
		effective := n.size
		for _, sub := range n.children {
			effective += sub.effectiveSize
		}
		n.effectiveSize = effective
	}
}

// SetSize sets the authoritative number of direct rows. Shrinking drops
// loaded items and sub caches beyond the new bound.
func (c *PageCache) SetSize(size int) {
	if size < 0 {
		size = 0
	}
	if size < c.size {
		c.truncate(size)
	}
	c.size = size
	c.UpdateSize()
}

// truncate drops items and sub caches at local indices >= size.
func (c *PageCache) truncate(size int) {
	for local := range c.items {
		if local >= size {
			delete(c.items, local)
		}
	}
	var dropped []uint32
	it := c.expanded.Iterator()
	it.AdvanceIfNeeded(uint32(size))
	for it.HasNext() {
		dropped = append(dropped, it.Next())
	}
	for _, local := range dropped {
		c.detach(local)
	}
}

// EnsureSubCacheForScaledIndex returns the sub cache for the item at a local
// index, creating it if absent. The second return value reports creation.
func (c *PageCache) EnsureSubCacheForScaledIndex(local int) (*PageCache, bool) {
	if sub := c.SubCache(local); sub != nil {
		if item, ok := c.items[local]; ok {
			sub.parentItem = item
		}
		return sub, false
	}
	sub := newPageCache(c, local, c.items[local])
	c.children[uint32(local)] = sub
	c.expanded.Add(uint32(local))
	sub.UpdateSize()
	return sub, true
}

// RemoveSubCache destroys the sub cache at a local index and subtracts its
// effective size from every ancestor. Returns false if none existed.
func (c *PageCache) RemoveSubCache(local int) bool {
	if c.SubCache(local) == nil {
		return false
	}
	c.detach(uint32(local))
	c.UpdateSize()
	return true
}

func (c *PageCache) detach(local uint32) {
	if sub, ok := c.children[local]; ok {
		sub.parent = nil
		delete(c.children, local)
	}
	c.expanded.Remove(local)
}

func (c *PageCache) setItem(local int, item Item) {
	c.items[local] = item
}

func (c *PageCache) markPending(page int) {
	c.pending.Add(uint32(page))
}

func (c *PageCache) isPending(page int) bool {
	return c.pending.Contains(uint32(page))
}

func (c *PageCache) clearPending(page int) {
	c.pending.Remove(uint32(page))
}

// attachedTo reports whether the cache is still reachable from root.
func (c *PageCache) attachedTo(root *PageCache) bool {
	n := c
	for n.parent != nil {
		if n.parent.children[uint32(n.parentIndex)] != n {
			return false
		}
		n = n.parent
	}
	return n == root
}
