package dynamo

import (
	"time"

	"github.com/jacentio/arbor/cache"
)

// Config holds configuration for the Provider.
type Config struct {
	// TableName is the DynamoDB table holding the hierarchy.
	TableName string

	// ParentIndex is the GSI partitioned by ParentAttr (and ranged by SortKey, if set).
	ParentIndex string

	// ParentAttr is the attribute holding the parent's entity reference.
	// Default: "parent_ref"
	ParentAttr string

	// RefAttr is the attribute holding an item's own entity reference.
	// Children of an item are rows whose ParentAttr equals the item's RefAttr.
	// Default: "entity_ref"
	RefAttr string

	// RootRef is the ParentAttr value of top-level rows.
	// Default: "root"
	RootRef string

	// SortKey is the range key of ParentIndex. Sorting is only possible on it.
	SortKey string

	// Attributes lists the attribute names accepted as filter paths.
	// When empty, any top-level attribute is accepted.
	Attributes []string

	// Timeout bounds one page fetch, including the size query.
	// Default: 10s
	Timeout time.Duration

	// QueryRate limits DynamoDB queries per second issued by the provider.
	// Zero disables throttling.
	QueryRate float64

	// QueryBurst is the burst size allowed above QueryRate.
	// Default: 1
	QueryBurst int

	// OnError is called when a page cannot be fetched. The page stays pending
	// in the cache; callers typically clear the cache to retry.
	OnError func(params cache.Params, err error)
}

// DefaultConfig returns defaults matching the parent_ref/entity_ref layout of
// hierarchical entity tables.
func DefaultConfig() Config {
	return Config{
		ParentAttr: "parent_ref",
		RefAttr:    "entity_ref",
		RootRef:    "root",
		Timeout:    10 * time.Second,
	}
}

// validate fills defaults and checks required fields.
func (c *Config) validate() error {
	if c.TableName == "" {
		return ErrMissingTable
	}
	if c.ParentIndex == "" {
		return ErrMissingIndex
	}
	if c.ParentAttr == "" {
		c.ParentAttr = "parent_ref"
	}
	if c.RefAttr == "" {
		c.RefAttr = "entity_ref"
	}
	if c.RootRef == "" {
		c.RootRef = "root"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return nil
}
