package cache

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/jacentio/arbor/internal/page"
)

// Orchestrator owns the cache tree and is its only mutator. It resolves flat
// indices, requests missing pages from the DataProvider, applies answers and
// keeps sizes consistent bottom-up.
//
// All methods are safe for concurrent use. The provider is always invoked
// without the internal lock held, so it may answer synchronously or from any
// goroutine.
type Orchestrator struct {
	mu         sync.Mutex
	provider   DataProvider
	config     Config
	logger     *slog.Logger
	expansion  *Expansion
	root       *PageCache
	filters    []Filter
	sortOrders []Sorter
	onChange   func()

	// generation identifies the current tree in logs and diagnostics.
	// Stale answers are detected by root attachment, not by generation.
	generation string

	// explicitSize is the root total for flat sources, or UnknownSize.
	explicitSize int
}

// request is a page fetch prepared under the lock and dispatched after it.
type request struct {
	provider   DataProvider
	params     Params
	cache      *PageCache
	page       int
	generation string
}

// New creates an Orchestrator and requests the first root page if a provider is set.
func New(provider DataProvider, config Config, logger *slog.Logger) *Orchestrator {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}

	keyOf := IdentityKey
	if config.ItemIDPath != "" {
		fn, err := PathKey(config.ItemIDPath)
		if err != nil {
			logger.Warn("ignoring item id path",
				"path", config.ItemIDPath,
				"error", err,
			)
		} else {
			keyOf = fn
		}
	}

	o := &Orchestrator{
		provider:     provider,
		config:       config,
		logger:       logger,
		expansion:    NewExpansion(keyOf),
		explicitSize: UnknownSize,
	}

	o.mu.Lock()
	reqs := o.resetLocked()
	o.mu.Unlock()
	o.dispatch(reqs)

	return o
}

// SetOnChange registers fn to be called after every change of loaded data or
// sizes. fn is called without the internal lock held.
func (o *Orchestrator) SetOnChange(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onChange = fn
}

// PageSize returns the effective page size.
func (o *Orchestrator) PageSize() int {
	return o.config.PageSize
}

// Size returns the number of visible flat rows (the root effective size).
func (o *Orchestrator) Size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.root.EffectiveSize()
}

// Root returns the current root cache. The tree must be treated as read-only.
func (o *Orchestrator) Root() *PageCache {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.root
}

// Generation returns the identity of the current cache tree. It changes on
// every ClearCache.
func (o *Orchestrator) Generation() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation
}

// Loading reports whether any page of any level is in flight.
func (o *Orchestrator) Loading() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	var walk func(c *PageCache) bool
	walk = func(c *PageCache) bool {
		if c.IsLoading() {
			return true
		}
		loading := false
		c.ForEachSubCache(func(_ int, sub *PageCache) bool {
			loading = walk(sub)
			return !loading
		})
		return loading
	}
	return walk(o.root)
}

// Level returns the nesting depth of the row at a flat index.
func (o *Orchestrator) Level(flat int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Level(o.root, flat)
}

// ItemForIndex returns the item at a flat index. If the owning page is not
// loaded it is requested (once) and false is returned until it arrives.
func (o *Orchestrator) ItemForIndex(flat int) (Item, bool) {
	if flat < 0 {
		return nil, false
	}
	o.mu.Lock()
	c, local := GetCacheAndIndex(o.root, flat)
	if item, ok := c.ItemForIndex(local); ok {
		o.mu.Unlock()
		return item, true
	}
	var reqs []request
	if r, ok := o.loadPageLocked(page.Of(local, o.config.PageSize), c); ok {
		reqs = append(reqs, r)
	}
	o.mu.Unlock()

	if len(reqs) == 0 {
		return nil, false
	}
	o.dispatch(reqs)

	// A synchronous provider has already answered.
	o.mu.Lock()
	defer o.mu.Unlock()
	if !c.attachedTo(o.root) {
		return nil, false
	}
	return c.ItemForIndex(local)
}

// EnsureSubCacheForScaledIndex creates the sub cache for the expanded item at
// a local index of c and requests its first page. It returns nil when the
// item is not loaded, not expanded, or c is no longer part of the tree.
func (o *Orchestrator) EnsureSubCacheForScaledIndex(c *PageCache, local int) *PageCache {
	o.mu.Lock()
	item, ok := c.ItemForIndex(local)
	if !ok || !o.expansion.Contains(item) || !c.attachedTo(o.root) {
		o.mu.Unlock()
		return nil
	}
	sub, reqs := o.ensureSubCacheLocked(c, local)
	o.mu.Unlock()
	o.dispatch(reqs)
	return sub
}

func (o *Orchestrator) ensureSubCacheLocked(c *PageCache, local int) (*PageCache, []request) {
	sub, created := c.EnsureSubCacheForScaledIndex(local)
	if !created {
		return sub, nil
	}
	if r, ok := o.loadPageLocked(0, sub); ok {
		return sub, []request{r}
	}
	return sub, nil
}

// IsExpanded reports whether an item is marked expanded.
func (o *Orchestrator) IsExpanded(item Item) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.expansion.Contains(item)
}

// ExpandedItems returns the expanded items in expansion order.
func (o *Orchestrator) ExpandedItems() []Item {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.expansion.Items()
}

// ExpandItem marks an item expanded. If the item is loaded, its sub cache is
// created and its first page requested; otherwise the sub cache is created
// when the item's page arrives.
func (o *Orchestrator) ExpandItem(item Item) {
	o.mu.Lock()
	o.expansion.Expand(item)
	var reqs []request
	changed := false
	if c, local, ok := o.findLocked(item); ok {
		var sub *PageCache
		sub, reqs = o.ensureSubCacheLocked(c, local)
		changed = sub != nil
	}
	onChange := o.onChange
	o.mu.Unlock()

	o.dispatch(reqs)
	if changed && onChange != nil {
		onChange()
	}
}

// CollapseItem clears the expanded mark of an item and destroys its sub cache.
// Pending requests of the destroyed cache are ignored when they complete.
func (o *Orchestrator) CollapseItem(item Item) {
	o.mu.Lock()
	o.expansion.Collapse(item)
	changed := false
	for {
		c, local, ok := o.findExpandedLocked(item)
		if !ok {
			break
		}
		c.RemoveSubCache(local)
		changed = true
	}
	onChange := o.onChange
	o.mu.Unlock()

	if changed && onChange != nil {
		onChange()
	}
}

// ClearCache discards the whole cache tree, abandoning in-flight requests,
// and requests the first root page when the size is not known.
func (o *Orchestrator) ClearCache() {
	o.mu.Lock()
	reqs := o.resetLocked()
	onChange := o.onChange
	o.mu.Unlock()

	o.dispatch(reqs)
	if onChange != nil {
		onChange()
	}
}

// SetDataProvider replaces the provider and clears the cache.
func (o *Orchestrator) SetDataProvider(provider DataProvider) {
	o.mu.Lock()
	o.provider = provider
	o.mu.Unlock()
	o.ClearCache()
}

// SetFilters replaces the active filters and clears the cache, since cached
// rows may no longer occupy valid positions.
func (o *Orchestrator) SetFilters(filters []Filter) {
	o.mu.Lock()
	o.filters = slices.Clone(filters)
	o.mu.Unlock()
	o.ClearCache()
}

// SetSortOrders replaces the active sorters and clears the cache.
func (o *Orchestrator) SetSortOrders(sortOrders []Sorter) {
	o.mu.Lock()
	o.sortOrders = slices.Clone(sortOrders)
	o.mu.Unlock()
	o.ClearCache()
}

// SetSize sets an explicit root row count for flat providers that do not
// report sizes. UnknownSize removes it.
func (o *Orchestrator) SetSize(size int) {
	o.mu.Lock()
	if size < 0 {
		o.explicitSize = UnknownSize
	} else {
		o.explicitSize = size
		o.root.dataEnd = UnknownSize
		o.root.SetSize(size)
	}
	onChange := o.onChange
	o.mu.Unlock()

	if onChange != nil {
		onChange()
	}
}

// resetLocked installs a fresh root and returns the initial request, if any.
func (o *Orchestrator) resetLocked() []request {
	o.root = NewPageCache()
	o.generation = uuid.NewString()
	if o.explicitSize >= 0 {
		o.root.SetSize(o.explicitSize)
	}
	if o.root.EffectiveSize() > 0 {
		return nil
	}
	if r, ok := o.loadPageLocked(0, o.root); ok {
		return []request{r}
	}
	return nil
}

// loadPageLocked marks a page pending and prepares its request. It returns
// false when no provider is set or the page is already in flight.
func (o *Orchestrator) loadPageLocked(pageNum int, c *PageCache) (request, bool) {
	if o.provider == nil || c.isPending(pageNum) {
		return request{}, false
	}
	c.markPending(pageNum)
	return request{
		provider: o.provider,
		params: Params{
			Page:       pageNum,
			PageSize:   o.config.PageSize,
			Filters:    slices.Clone(o.filters),
			SortOrders: slices.Clone(o.sortOrders),
			ParentItem: c.ParentItem(),
		},
		cache:      c,
		page:       pageNum,
		generation: o.generation,
	}, true
}

// dispatch invokes the provider for each request. Must be called without the lock.
func (o *Orchestrator) dispatch(reqs []request) {
	for _, r := range reqs {
		r.provider.Fetch(r.params, o.completion(r))
	}
}

// completion returns the callback answering r.
func (o *Orchestrator) completion(r request) Callback {
	return func(items []Item, size int) {
		o.mu.Lock()
		if !r.cache.attachedTo(o.root) || !r.cache.isPending(r.page) {
			o.mu.Unlock()
			o.logger.Debug("discarding stale page",
				"page", r.page,
				"generation", r.generation,
				"items", len(items),
			)
			return
		}
		reqs := o.applyPageLocked(r, items, size)
		onChange := o.onChange
		o.mu.Unlock()

		o.dispatch(reqs)
		if onChange != nil {
			onChange()
		}
	}
}

// applyPageLocked stores a page answer and returns requests for the first
// pages of expanded items it contained.
func (o *Orchestrator) applyPageLocked(r request, items []Item, size int) []request {
	c := r.cache
	pageSize := o.config.PageSize
	start, _ := page.Bounds(r.page, pageSize)

	if len(items) > pageSize {
		o.logger.Warn("provider returned more items than page size",
			"page", r.page,
			"pageSize", pageSize,
			"items", len(items),
		)
		items = items[:pageSize]
	}

	c.clearPending(r.page)

	var reqs []request
	for i, item := range items {
		local := start + i
		c.setItem(local, item)
		if o.expansion.Contains(item) {
			_, subReqs := o.ensureSubCacheLocked(c, local)
			reqs = append(reqs, subReqs...)
		}
	}

	switch {
	case size >= 0:
		c.dataEnd = UnknownSize
		c.SetSize(size)
	case c.Parent() == nil:
		c.SetSize(o.estimateRootSize(c, start, len(items)))
	default:
		o.logger.Warn("provider omitted size for nested level",
			"page", r.page,
			"depth", c.Depth(),
		)
		c.UpdateSize()
	}

	return reqs
}

// estimateRootSize grows the root size of a provider that reports no totals.
// A full page reveals one more page; a short page marks the end of the data,
// and later full pages never grow the size past that end.
func (o *Orchestrator) estimateRootSize(c *PageCache, start, received int) int {
	if o.explicitSize >= 0 {
		return o.explicitSize
	}
	known := start + received
	if received < o.config.PageSize {
		if c.dataEnd < 0 || known < c.dataEnd {
			c.dataEnd = known
		}
		return known
	}
	estimate := max(c.Size(), known+o.config.PageSize)
	if c.dataEnd >= 0 {
		if known > c.dataEnd {
			// A full page past the recorded end: the data grew.
			c.dataEnd = UnknownSize
		} else {
			estimate = min(estimate, c.dataEnd)
		}
	}
	return estimate
}

// findLocked locates a loaded item by identity. Levels are searched parent
// first and rows in local index order, so the first match is stable when
// keys repeat.
func (o *Orchestrator) findLocked(item Item) (*PageCache, int, bool) {
	var (
		found    *PageCache
		foundIdx int
	)
	var walk func(c *PageCache) bool
	walk = func(c *PageCache) bool {
		for _, local := range slices.Sorted(maps.Keys(c.items)) {
			if candidate := c.items[local]; o.expansion.Same(candidate, item) {
				found, foundIdx = c, local
				return true
			}
		}
		done := false
		c.ForEachSubCache(func(_ int, sub *PageCache) bool {
			done = walk(sub)
			return !done
		})
		return done
	}
	if walk(o.root) {
		return found, foundIdx, true
	}
	return nil, 0, false
}

// findExpandedLocked locates a sub cache whose parent item matches item.
func (o *Orchestrator) findExpandedLocked(item Item) (*PageCache, int, bool) {
	var (
		found    *PageCache
		foundIdx int
	)
	var walk func(c *PageCache) bool
	walk = func(c *PageCache) bool {
		done := false
		c.ForEachSubCache(func(local int, sub *PageCache) bool {
			if o.expansion.Same(sub.ParentItem(), item) {
				found, foundIdx, done = c, local, true
				return false
			}
			done = walk(sub)
			return !done
		})
		return done
	}
	if walk(o.root) {
		return found, foundIdx, true
	}
	return nil, 0, false
}
