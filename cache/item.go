package cache

// Item is a single row handed out by a DataProvider.
// Items are opaque to the cache; identity is derived by the expansion registry.
type Item = any

// UnknownSize is passed to a Callback when the provider does not know the
// total row count of the level it answered for.
const UnknownSize = -1

// Direction is a sort direction.
type Direction string

const (
	// Ascending sorts from lowest to highest.
	Ascending Direction = "asc"

	// Descending sorts from highest to lowest.
	Descending Direction = "desc"
)

// Filter restricts rows to those whose value at Path matches Value.
type Filter struct {
	// Path locates the filtered value inside an item (e.g., "name" or "$.meta.owner").
	Path string

	// Value is the filter text.
	Value string
}

// Sorter orders rows by the value at Path.
type Sorter struct {
	// Path locates the sorted value inside an item.
	Path string

	// Direction is the sort direction.
	Direction Direction
}

// Params describes a single page request sent to a DataProvider.
type Params struct {
	// Page is the zero-based page number.
	Page int

	// PageSize is the maximum number of items the provider may return.
	PageSize int

	// Filters are the active filters.
	Filters []Filter

	// SortOrders are the active sorters, highest priority first.
	SortOrders []Sorter

	// ParentItem is the expanded item whose children are requested.
	// Nil for the root level.
	ParentItem Item
}

// Callback delivers the answer to one page request.
// size is the total row count of the requested level, or UnknownSize.
// It may be invoked synchronously or from another goroutine.
type Callback func(items []Item, size int)

// DataProvider supplies pages of items to the cache.
// Exactly one invocation of done answers one Fetch call.
type DataProvider interface {
	Fetch(params Params, done Callback)
}

// DataProviderFunc adapts a function to the DataProvider interface.
type DataProviderFunc func(params Params, done Callback)

// Fetch calls f(params, done).
func (f DataProviderFunc) Fetch(params Params, done Callback) {
	f(params, done)
}

// Keyer is implemented by items that carry their own stable identity.
type Keyer interface {
	// ItemKey returns a key that stays equal across reloads of the same row.
	ItemKey() string
}
