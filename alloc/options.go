package alloc

import (
	"fmt"

	"github.com/pagemill/segheap/internal/align"
	"github.com/pagemill/segheap/internal/region"
)

// Config carries pool construction parameters. Zero fields take defaults;
// use the With* options rather than building a Config directly.
type Config struct {
	// SegmentSize is the span acquired from the region source per
	// segment. Power of two, multiple of PageSize.
	SegmentSize int

	// PageSize is the slab size carved for one size class. Power of two,
	// at least the region source's granularity.
	PageSize int

	// SegmentCache is the number of fully free segments a heap retains
	// (decommitted) instead of releasing, damping acquire/release churn.
	SegmentCache int

	// SizeClasses selects the size-class strategy.
	SizeClasses SizeClassConfig

	// Source supplies coarse memory regions. Defaults to the OS source.
	Source region.Source

	// DebugChecks enables invalid-free/double-free detection and
	// freed-block poisoning. Allocation paths get slower; invariant
	// violations panic. Also enabled by the SEGHEAP_DEBUG env var.
	DebugChecks bool
}

// Option mutates a Config before validation.
type Option func(*Config)

// WithSegmentSize sets the per-segment reservation size.
func WithSegmentSize(n int) Option {
	return func(c *Config) { c.SegmentSize = n }
}

// WithPageSize sets the page slab size.
func WithPageSize(n int) Option {
	return func(c *Config) { c.PageSize = n }
}

// WithSegmentCache sets how many idle segments each heap retains.
func WithSegmentCache(n int) Option {
	return func(c *Config) { c.SegmentCache = n }
}

// WithSizeClasses selects a size-class configuration.
func WithSizeClasses(cfg SizeClassConfig) Option {
	return func(c *Config) { c.SizeClasses = cfg }
}

// WithRegionSource injects the region source, typically an in-memory or
// byte-capped source in tests.
func WithRegionSource(src region.Source) Option {
	return func(c *Config) { c.Source = src }
}

// WithDebugChecks toggles debug-mode free checking.
func WithDebugChecks(on bool) Option {
	return func(c *Config) { c.DebugChecks = on }
}

// defaultConfig returns the production defaults: 4 MiB segments, 64 KiB
// pages, the Balanced class table, and the OS region source.
func defaultConfig() Config {
	return Config{
		SegmentSize:  DefaultSegmentSize,
		PageSize:     DefaultPageSize,
		SegmentCache: 2,
		SizeClasses:  DefaultConfig,
		DebugChecks:  debugEnv,
	}
}

// validate checks geometry constraints the engine depends on.
func (c *Config) validate() error {
	switch {
	case !align.IsPowerOfTwo(c.PageSize):
		return fmt.Errorf("alloc: page size %d must be a power of two", c.PageSize)
	case !align.IsPowerOfTwo(c.SegmentSize):
		return fmt.Errorf("alloc: segment size %d must be a power of two", c.SegmentSize)
	case c.SegmentSize%c.PageSize != 0 || c.SegmentSize < c.PageSize:
		return fmt.Errorf("alloc: segment size %d must be a multiple of page size %d", c.SegmentSize, c.PageSize)
	case c.SegmentSize > maxSegmentSize:
		return fmt.Errorf("alloc: segment size %d exceeds maximum %d", c.SegmentSize, maxSegmentSize)
	case c.SegmentCache < 0:
		return fmt.Errorf("alloc: segment cache %d must be non-negative", c.SegmentCache)
	}
	if c.Source != nil {
		if g := c.Source.Granularity(); c.PageSize%g != 0 {
			return fmt.Errorf("alloc: page size %d not a multiple of region granularity %d", c.PageSize, g)
		}
	}
	return nil
}
