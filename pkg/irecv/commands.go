package irecv

import (
	"fmt"

	"github.com/freemyipod/noncestatistics/pkg/devices"
)

// Reset asks iBoot to reset the device. The device drops off the bus while
// the command completes, so the returned error is usually a USB pipe error
// and callers may ignore it.
func Reset(c devices.Commander) error {
	return c.SendCommand("reset")
}

// SetAutoboot sets and persists the auto-boot NVRAM variable. With auto-boot
// disabled, a reset lands the device back in Recovery mode.
func SetAutoboot(c devices.Commander, enable bool) error {
	if err := c.SendCommand(fmt.Sprintf("setenv auto-boot %t", enable)); err != nil {
		return fmt.Errorf("unable to set auto-boot environment variable: %w", err)
	}
	if err := c.SendCommand("saveenv"); err != nil {
		return fmt.Errorf("unable to save environment variables: %w", err)
	}
	return nil
}
