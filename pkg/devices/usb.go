package devices

import (
	"errors"
	"time"
)

// Usb describes a common API to access a device in one of its bootloader
// modes (Recovery, DFU, WTF) over USB.
type Usb interface {
	// Control sends a control request to the device.
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)

	SetControlTimeout(time.Duration) error

	GetStringDescriptor(descIndex int) (string, error)

	// SerialNumber returns the iSerialNumber string descriptor. iBoot packs
	// most of the device identity (CPID, BDID, ECID, ...) into it.
	SerialNumber() (string, error)

	// Close disposes of this device. No other functions may be called on the
	// interface afterwards.
	Close() error
}

var UsbTimeoutError = errors.New("USB timeout error")
