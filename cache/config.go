package cache

const (
	// DefaultPageSize is the page size used when none is configured.
	DefaultPageSize = 50

	// MaxPageSize is the largest accepted page size.
	MaxPageSize = 10000
)

// Config holds configuration for the Orchestrator.
type Config struct {
	// PageSize is the number of rows requested per page.
	// Default: 50
	// Max: 10000
	PageSize int

	// ItemIDPath is an optional JSONPath locating item identity
	// (e.g., "id" or "$.meta.id"). Expansion state is tracked by this value,
	// so it survives pages being reloaded with new item instances.
	// When empty, items implementing Keyer use ItemKey, others use identity.
	ItemIDPath string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PageSize: DefaultPageSize,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.PageSize < 1 {
		c.PageSize = DefaultPageSize
	}
	if c.PageSize > MaxPageSize {
		c.PageSize = MaxPageSize
	}
}
