// Package dynamo provides a cache.DataProvider backed by a DynamoDB hierarchy.
//
// Rows reference their parent through a parent attribute (default
// "parent_ref") holding the parent's entity reference (default "entity_ref").
// Top-level rows carry Config.RootRef. A GSI partitioned by the parent
// attribute serves each level:
//
//	provider, err := dynamo.NewProvider(client, dynamo.Config{
//	    TableName:   "nodes",
//	    ParentIndex: "by_parent",
//	    SortKey:     "name",
//	}, logger)
//	o := cache.New(provider, cache.Config{PageSize: 50, ItemIDPath: "entity_ref"}, logger)
//
// # Paging
//
// DynamoDB has no offsets. The provider remembers the exclusive start key of
// every page it has read, per parent, filter and sort combination, and walks
// forward from the closest remembered page. Sizes come from COUNT queries and
// are cached the same way. Call [Provider.Reset] when the table changes.
//
// # Filtering and Sorting
//
// Filters become contains() filter expressions on top-level attributes.
// Only the index range key can be sorted on. Paths that cannot be applied are
// logged as warnings and ignored. Soft-deleted rows (ttl at or before now) are
// always excluded.
//
// # Throttling
//
// Config.QueryRate caps queries per second across item and COUNT queries.
package dynamo
