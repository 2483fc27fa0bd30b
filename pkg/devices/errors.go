package devices

import "errors"

var (
	// ErrDeviceUnavailable is returned when no device answers in the
	// requested mode, or the device went away between two operations.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrUnsupportedMode is returned when a workflow cannot run from the
	// mode the device is currently in.
	ErrUnsupportedMode = errors.New("unsupported device mode")
	// ErrConnection marks transient open/query failures. Callers retry these
	// according to their own policy.
	ErrConnection = errors.New("connection error")
	// ErrModelLookup is returned when a hardware model is not in the lookup
	// table.
	ErrModelLookup = errors.New("unknown hardware model")
	// ErrDeviceInfoUnavailable is returned when a handle cannot produce a
	// device-info structure at all.
	ErrDeviceInfoUnavailable = errors.New("device info unavailable")
)
