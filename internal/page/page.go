// Package page provides page arithmetic for fixed-size paginated caches.
package page

// Of returns the zero-based page that holds the local index.
// A pageSize below 1 is treated as 1.
func Of(index, pageSize int) int {
	if pageSize < 1 {
		pageSize = 1
	}
	return index / pageSize
}

// Bounds returns the half-open local index range [start, end) covered by a page.
func Bounds(page, pageSize int) (start, end int) {
	if pageSize < 1 {
		pageSize = 1
	}
	start = page * pageSize
	return start, start + pageSize
}

// Count returns how many pages are needed to hold size rows.
func Count(size, pageSize int) int {
	if size <= 0 {
		return 0
	}
	if pageSize < 1 {
		pageSize = 1
	}
	return (size + pageSize - 1) / pageSize
}
