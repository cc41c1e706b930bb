package alloc

import (
	"fmt"

	"github.com/pagemill/segheap/internal/align"
)

// SizeClassConfig defines the allocation size-class strategy.
// Different configurations trade lookup-table size against internal
// fragmentation; the per-class waste bound of a table is 1/GrowthSteps.
type SizeClassConfig struct {
	// Name for this configuration (for benchmarking and reports)
	Name string

	// Small allocation settings (linear increments)
	SmallMin       int // Minimum block size (typically 8)
	SmallMax       int // Max for linear increments; a power of two
	SmallIncrement int // Increment size for small classes (multiple of 8)

	// Geometric growth settings
	MediumMax   int // Class ceiling; larger requests take the huge path
	GrowthSteps int // Subdivisions per power-of-two doubling (4, 8, or 16)
}

// Predefined configurations.
var (
	// FineGrained: many classes, waste bounded by ~6.25% above the
	// linear range. 16 linear + 112 geometric = 128 classes.
	ConfigFineGrained = SizeClassConfig{
		Name:           "FineGrained",
		SmallMin:       8,
		SmallMax:       128,
		SmallIncrement: 8,
		MediumMax:      16384,
		GrowthSteps:    16,
	}

	// Balanced: waste bounded by ~12.5%. 16 linear + 56 geometric = 72
	// classes, the usual production choice.
	ConfigBalanced = SizeClassConfig{
		Name:           "Balanced",
		SmallMin:       8,
		SmallMax:       128,
		SmallIncrement: 8,
		MediumMax:      16384,
		GrowthSteps:    8,
	}

	// Coarse: fewer classes, faster table build, waste bounded by ~25%.
	// 16 linear + 28 geometric = 44 classes.
	ConfigCoarse = SizeClassConfig{
		Name:           "Coarse",
		SmallMin:       8,
		SmallMax:       128,
		SmallIncrement: 8,
		MediumMax:      16384,
		GrowthSteps:    4,
	}

	// Default configuration (used if none specified).
	DefaultConfig = ConfigBalanced
)

// validate rejects configurations the page layout cannot honour. Every
// block size must be a multiple of MinBlockSize so embedded links fit and
// natural 8-byte alignment holds, and the geometric phase must start on a
// power of two so aligned requests land exactly on a class boundary.
func (c SizeClassConfig) validate() error {
	switch {
	case c.SmallMin < MinBlockSize || c.SmallMin%MinBlockSize != 0:
		return fmt.Errorf("alloc: SmallMin %d must be a positive multiple of %d", c.SmallMin, MinBlockSize)
	case c.SmallIncrement < MinBlockSize || c.SmallIncrement%MinBlockSize != 0:
		return fmt.Errorf("alloc: SmallIncrement %d must be a positive multiple of %d", c.SmallIncrement, MinBlockSize)
	case c.SmallMin%c.SmallIncrement != 0:
		return fmt.Errorf("alloc: SmallMin %d must be a multiple of SmallIncrement %d", c.SmallMin, c.SmallIncrement)
	case !align.IsPowerOfTwo(c.SmallMax) || c.SmallMax < c.SmallMin:
		return fmt.Errorf("alloc: SmallMax %d must be a power of two >= SmallMin", c.SmallMax)
	case (c.SmallMax-c.SmallMin)%c.SmallIncrement != 0:
		return fmt.Errorf("alloc: SmallMax %d not reachable from SmallMin %d in steps of %d",
			c.SmallMax, c.SmallMin, c.SmallIncrement)
	case !align.IsPowerOfTwo(c.MediumMax) || c.MediumMax < c.SmallMax:
		return fmt.Errorf("alloc: MediumMax %d must be a power of two >= SmallMax", c.MediumMax)
	case !align.IsPowerOfTwo(c.GrowthSteps) || c.GrowthSteps < 2:
		return fmt.Errorf("alloc: GrowthSteps %d must be a power of two >= 2", c.GrowthSteps)
	case c.SmallMax/c.GrowthSteps < MinBlockSize:
		return fmt.Errorf("alloc: SmallMax/GrowthSteps = %d below minimum step %d",
			c.SmallMax/c.GrowthSteps, MinBlockSize)
	}
	return nil
}

// sizeClass is one canonical bucket of allocation sizes.
type sizeClass struct {
	blockSize     int32
	blocksPerPage int32
}

// sizeClassTable holds the precomputed classes plus a dense lookup array,
// so classFor is a single bounds check and a table load.
type sizeClassTable struct {
	config     SizeClassConfig
	classes    []sizeClass
	lookup     []uint16 // ceil(size/MinBlockSize) -> class index
	numClasses int
	maxSize    int
}

// newSizeClassTable computes size classes from config and binds them to
// the given page size.
func newSizeClassTable(config SizeClassConfig, pageSize int) (*sizeClassTable, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.MediumMax > pageSize {
		return nil, fmt.Errorf("alloc: class ceiling %d exceeds page size %d", config.MediumMax, pageSize)
	}

	t := &sizeClassTable{
		config:  config,
		classes: make([]sizeClass, 0, 128),
		maxSize: config.MediumMax,
	}

	// Phase 1: small classes, linear increments.
	for sz := config.SmallMin; sz <= config.SmallMax; sz += config.SmallIncrement {
		t.classes = append(t.classes, sizeClass{blockSize: int32(sz)})
	}

	// Phase 2: geometric growth, GrowthSteps classes per doubling. Step
	// sizes stay multiples of MinBlockSize by the config validation.
	for base := config.SmallMax; base < config.MediumMax; base *= 2 {
		step := base / config.GrowthSteps
		for sz := base + step; sz <= base*2; sz += step {
			t.classes = append(t.classes, sizeClass{blockSize: int32(sz)})
		}
	}

	t.numClasses = len(t.classes)
	for i := range t.classes {
		t.classes[i].blocksPerPage = int32(pageSize) / t.classes[i].blockSize
	}

	// Dense lookup: entry i serves sizes in ((i-1)*8, i*8].
	t.lookup = make([]uint16, config.MediumMax/MinBlockSize+1)
	c := 0
	for i := range t.lookup {
		for int(t.classes[c].blockSize) < i*MinBlockSize {
			c++
		}
		t.lookup[i] = uint16(c)
	}
	return t, nil
}

// classFor returns the size class index for an allocation of size bytes.
// Returns numClasses for sizes above the ceiling (huge path). Zero and
// negative sizes map to the distinguished minimum class.
func (t *sizeClassTable) classFor(size int) int {
	if size > t.maxSize {
		return t.numClasses
	}
	if size <= 0 {
		return 0
	}
	return int(t.lookup[(size+MinBlockSize-1)/MinBlockSize])
}

// classForAligned resolves the class for a size/alignment pair. Rounding
// the size up to a multiple of the alignment first guarantees the chosen
// block size is itself a multiple of the alignment: every class boundary
// at or above the rounded size is a multiple of the phase step, and a
// power-of-two alignment either divides the step or is divided by it.
// alignment must be a power of two not exceeding maxNaturalAlign.
func (t *sizeClassTable) classForAligned(size, alignment int) int {
	if alignment > MinBlockSize {
		if size <= 0 {
			size = 1
		}
		if size > t.maxSize {
			return t.numClasses
		}
		size = align.Up(size, alignment)
	}
	return t.classFor(size)
}

// blockSize returns the block size of class c.
func (t *sizeClassTable) blockSize(c int) int {
	return int(t.classes[c].blockSize)
}

// NumClasses returns the number of size classes (excluding the huge path).
func (t *sizeClassTable) NumClasses() int {
	return t.numClasses
}

// String returns the configuration name.
func (t *sizeClassTable) String() string {
	return t.config.Name
}
