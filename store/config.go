package store

import "time"

// Config holds configuration for the Store.
type Config struct {
	// CatalogShards is the number of partitions each per-type catalog is spread over.
	// Listing a catalog queries every shard in parallel.
	// Default: 1 (no sharding, single query)
	// Max: 256
	CatalogShards int

	// PageSize is the number of ids returned by a listing when the caller gives no limit.
	// Default: 100
	PageSize int32

	// MaxPageSize caps any caller supplied limit.
	// Default: 1000
	MaxPageSize int32

	// OperationTimeout bounds each attempt of a single table operation.
	// A timed out attempt counts as ErrStoreUnavailable and is retried once.
	// Default: 5s. A negative value disables the per-operation deadline.
	OperationTimeout time.Duration
}

// DefaultConfig returns sensible defaults for small datasets.
func DefaultConfig() Config {
	return Config{
		CatalogShards:    1,
		PageSize:         100,
		MaxPageSize:      1000,
		OperationTimeout: 5 * time.Second,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.CatalogShards < 1 {
		c.CatalogShards = 1
	}
	if c.CatalogShards > 256 {
		c.CatalogShards = 256
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = 1000
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.PageSize > c.MaxPageSize {
		c.PageSize = c.MaxPageSize
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = 5 * time.Second
	}
	if c.OperationTimeout < 0 {
		c.OperationTimeout = 0
	}
}

// limit resolves a caller supplied page limit against the configured bounds.
func (c Config) limit(requested int32) int32 {
	if requested <= 0 {
		return c.PageSize
	}
	if requested > c.MaxPageSize {
		return c.MaxPageSize
	}
	return requested
}
