package constants

// Default configuration constants for the mapping engine.
const (
	// MaxDevices is the number of minor-number slots the device registry
	// holds, matching the original fixed _devs[MAX_DEVICES] table.
	MaxDevices = 64

	// DefaultFanout is the number of keys per mapping-table node (K in
	// the fixed-fanout search tree).
	DefaultFanout = 32

	// DefaultHookPoolSize bounds how many I/O hooks may be in flight for
	// a single device at once.
	DefaultHookPoolSize = 256

	// DefaultDeferredQueueCapacity is a capacity hint for the deferred
	// queue. The queue itself is unbounded, and no metric compares its
	// length against this value.
	DefaultDeferredQueueCapacity = 1024

	// DefaultSectorSize is the logical sector size in bytes.
	DefaultSectorSize = 512

	// AutoAssignMinor indicates the registry should pick the next free
	// minor number rather than use a caller-supplied one.
	AutoAssignMinor = -1
)

// Geometry constants mirror the synthetic HDIO_GETGEO values the
// original driver reports, since no real disk geometry exists for a
// virtual device.
const (
	GeometryHeads              = 64
	GeometrySectorsPerTrack    = 32
	GeometrySectorsPerCylinder = GeometryHeads * GeometrySectorsPerTrack
)
