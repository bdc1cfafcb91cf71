// Package cache provides a hierarchical, lazily-paginated item cache for
// virtualized lists and trees.
//
// A virtualized view displays millions of rows while only materializing the
// visible window. The cache maps a single flat row index onto a tree of
// independently paginated levels: the root level, plus one nested level per
// expanded item.
//
// # Components
//
//   - [PageCache] holds one level's loaded items, pending page requests and
//     sizes. It never fetches.
//   - [GetCacheAndIndex] resolves a flat index to the owning PageCache and the
//     local index within it. It is pure and never fetches.
//   - [Orchestrator] owns the tree, requests pages from a [DataProvider],
//     applies answers and keeps sizes consistent.
//
// # Sizes
//
// Every level keeps two sizes:
//
//	EffectiveSize(level) = Size(level) + Σ EffectiveSize(sub cache)
//
// Size is the number of direct rows; EffectiveSize is the number of flat rows
// the level contributes including expanded descendants. Any change is
// propagated to every ancestor by [PageCache.UpdateSize].
//
// # Data Providers
//
// A DataProvider answers one page at a time:
//
//	provider := cache.DataProviderFunc(func(p cache.Params, done cache.Callback) {
//	    go func() {
//	        items, total := fetch(p.ParentItem, p.Page, p.PageSize)
//	        done(items, total)
//	    }()
//	})
//	o := cache.New(provider, cache.DefaultConfig(), logger)
//
// At most one request per page per level is in flight. Answers for levels
// that were collapsed or cleared in the meantime are discarded.
//
// # Invalidation
//
// Replacing the provider, changing filters or changing sort orders discards
// the whole tree, like [Orchestrator.ClearCache]. Expansion state is kept by
// item identity (see [Config.ItemIDPath]) and re-applied as pages reload.
package cache
