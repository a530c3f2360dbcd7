package kernel

import "time"

// Config holds the boot-time parameters every core subsystem is initialized
// with. cmd/kcore's demo boot sequence takes DefaultConfig's values;
// nothing in this module parses a boot command line into one.
type Config struct {
	// RAMPages is the number of page-sized physical frames available to
	// the physical page allocator.
	RAMPages uint64

	// LowMemoryWatermark is the free-frame count below which the PPA
	// schedules eviction (spec.md §4.2).
	LowMemoryWatermark uint64

	// EmergencyReserve is the free-frame count AllocContiguous refuses to
	// dip below. Single-frame Alloc does not consult it.
	EmergencyReserve uint64

	// SwapSlots is the number of page-sized slots in the swap file.
	SwapSlots uint64

	// DefaultTimesliceBase and DefaultTimesliceDivisor parameterize the
	// scheduler's timeslice formula: base + priority/divisor.
	DefaultTimesliceBase    time.Duration
	DefaultTimesliceDivisor int
}

// DefaultConfig returns a Config with the constants used throughout the
// test suite and cmd/kcore's demo boot sequence.
func DefaultConfig() Config {
	return Config{
		RAMPages:                4096,
		LowMemoryWatermark:      256,
		EmergencyReserve:        64,
		SwapSlots:               8192,
		DefaultTimesliceBase:    20 * time.Millisecond,
		DefaultTimesliceDivisor: 4,
	}
}
