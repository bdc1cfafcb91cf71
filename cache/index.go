package cache

// GetCacheAndIndex translates a flat visible index into the cache that owns
// the row and the row's local index in that cache.
//
// Expanded rows render immediately after their parent: the flat index of an
// expanded item is followed by the EffectiveSize rows of its sub cache.
// The index is not clamped; callers keep it within [0, root.EffectiveSize()).
func GetCacheAndIndex(root *PageCache, flat int) (*PageCache, int) {
	c, rest := root, flat
	for {
		next, nextRest := descend(c, rest)
		if next == nil {
			return c, nextRest
		}
		c, rest = next, nextRest
	}
}

// descend resolves rest against the expanded items of c. It returns the sub
// cache to continue in, or nil when the row belongs to c itself.
func descend(c *PageCache, rest int) (*PageCache, int) {
	var (
		next      *PageCache
		nextRest  = rest
		remaining = rest
	)
	c.ForEachSubCache(func(local int, sub *PageCache) bool {
		if remaining <= local {
			nextRest = remaining
			return false
		}
		if remaining <= local+sub.effectiveSize {
			next = sub
			nextRest = remaining - local - 1
			return false
		}
		remaining -= sub.effectiveSize
		nextRest = remaining
		return true
	})
	return next, nextRest
}

// Level returns the nesting depth of the row at a flat index, 0 for root rows.
func Level(root *PageCache, flat int) int {
	c, _ := GetCacheAndIndex(root, flat)
	return c.Depth()
}
