package dm

import "github.com/larkin-io/go-dm/internal/constants"

// Re-export the engine's default configuration constants for the
// public API.
const (
	MaxDevices                   = constants.MaxDevices
	DefaultFanout                = constants.DefaultFanout
	DefaultHookPoolSize          = constants.DefaultHookPoolSize
	DefaultDeferredQueueCapacity = constants.DefaultDeferredQueueCapacity
	DefaultSectorSize            = constants.DefaultSectorSize
	AutoAssignMinor              = constants.AutoAssignMinor

	GeometryHeads              = constants.GeometryHeads
	GeometrySectorsPerTrack    = constants.GeometrySectorsPerTrack
	GeometrySectorsPerCylinder = constants.GeometrySectorsPerCylinder
)
