package cache

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// KeyFunc derives a stable identity for an item.
type KeyFunc func(item Item) any

// Expansion holds the set of expanded items, keyed by item identity.
// Keys rather than references are tracked because reloaded pages hand out
// new item instances for the same rows.
type Expansion struct {
	keyOf KeyFunc
	order []any
	byKey map[any]Item
}

// NewExpansion creates an empty Expansion using keyOf for identity.
// A nil keyOf falls back to IdentityKey.
func NewExpansion(keyOf KeyFunc) *Expansion {
	if keyOf == nil {
		keyOf = IdentityKey
	}
	return &Expansion{
		order: []any{},
		byKey: make(map[any]Item),
		keyOf: keyOf,
	}
}

// Expand marks an item as expanded. Returns false if it already was.
func (e *Expansion) Expand(item Item) bool {
	key := e.keyOf(item)
	if _, ok := e.byKey[key]; ok {
		e.byKey[key] = item
		return false
	}
	e.byKey[key] = item
	e.order = append(e.order, key)
	return true
}

// Collapse clears the expanded mark of an item. Returns false if it was not expanded.
func (e *Expansion) Collapse(item Item) bool {
	key := e.keyOf(item)
	if _, ok := e.byKey[key]; !ok {
		return false
	}
	delete(e.byKey, key)
	for i, k := range e.order {
		if k == key {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether an item is expanded.
func (e *Expansion) Contains(item Item) bool {
	_, ok := e.byKey[e.keyOf(item)]
	return ok
}

// Same reports whether two items share an identity.
func (e *Expansion) Same(a, b Item) bool {
	return e.keyOf(a) == e.keyOf(b)
}

// Items returns the expanded items in expansion order.
func (e *Expansion) Items() []Item {
	items := make([]Item, 0, len(e.order))
	for _, key := range e.order {
		items = append(items, e.byKey[key])
	}
	return items
}

// Len returns the number of expanded items.
func (e *Expansion) Len() int {
	return len(e.order)
}

// IdentityKey returns item.ItemKey() for Keyer items, the item itself when its
// dynamic type is comparable, and the underlying pointer for maps, slices,
// pointers and channels.
func IdentityKey(item Item) any {
	if k, ok := item.(Keyer); ok {
		return k.ItemKey()
	}
	v := reflect.ValueOf(item)
	if !v.IsValid() {
		return nil
	}
	if v.Comparable() {
		return item
	}
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer, reflect.Chan, reflect.Func:
		return v.Pointer()
	}
	return fmt.Sprintf("%#v", item)
}

// PathKey returns a KeyFunc that reads item identity at a JSONPath.
// A leading "$." is implied. Items without a value at the path fall back to
// IdentityKey.
func PathKey(path string) (KeyFunc, error) {
	x, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return func(item Item) any {
		v := x.First(item)
		if v == nil {
			return IdentityKey(item)
		}
		if reflect.ValueOf(v).Comparable() {
			return v
		}
		return fmt.Sprintf("%v", v)
	}, nil
}

// ParsePath parses a dotted item path as a JSONPath expression.
func ParsePath(path string) (jp.Expr, error) {
	if path == "" {
		return nil, fmt.Errorf("empty item path")
	}
	if !strings.HasPrefix(path, "$") {
		path = "$." + path
	}
	x, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("invalid item path %q: %w", path, err)
	}
	return x, nil
}
