package devices

// Info is what a device reports about itself. Which fields are filled in
// depends on the mode the device was queried in: bootloader modes report
// chip/board IDs, Normal mode reports the hardware model directly.
type Info struct {
	ECID uint64
	CPID uint32
	CPRV uint32
	CPFM uint32
	SCEP uint32
	BDID uint32
	IBFL uint32
	// SerialNumber is the SRNM field (bootloader modes) or lockdown's
	// SerialNumber (Normal mode).
	SerialNumber  string
	HardwareModel string
	ProductType   string

	APNonce  []byte
	SEPNonce []byte
}

// Handle is an open connection to one device in one mode. At most one
// handle per device should be open at any time.
type Handle interface {
	Mode() Mode
	// DeviceInfo queries the device. Errors wrapping ErrConnection mean the
	// handle went stale and should be reopened.
	DeviceInfo() (*Info, error)
	Close() error
}

// Commander is a handle that accepts iBoot console commands (Recovery mode).
type Commander interface {
	Handle
	SendCommand(cmd string) error
}

// RecoveryEnterer is a handle that can ask the device to reboot into
// Recovery mode (Normal mode).
type RecoveryEnterer interface {
	Handle
	EnterRecovery() error
}

// Transport opens handles. It is the seam between this tool and the device
// management libraries.
type Transport interface {
	// Open makes a single attempt at opening the device with the given ECID
	// (0 matches any device) in the given mode. Asking for DFU also matches
	// devices in WTF mode. If no such device is present, the returned error
	// wraps ErrDeviceUnavailable.
	Open(ecid uint64, mode Mode) (Handle, error)
}
