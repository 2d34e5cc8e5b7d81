package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // unknown tag: drop the sighting
//	}
var (
	// ErrDeviceNotFound is returned when a device ID or tag does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidTag is returned when a lookup is attempted with an empty tag.
	ErrInvalidTag = errors.New("device: invalid tag")
)
