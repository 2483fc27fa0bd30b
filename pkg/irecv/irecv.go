// Package irecv talks to iBoot/SecureROM on devices in Recovery, DFU or WTF
// mode.
package irecv

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/freemyipod/noncestatistics/pkg/devices"
)

const (
	// nonceDescriptor is the string descriptor index carrying NONC/SNON.
	nonceDescriptor = 1
	// maxCommandLength is the largest command iBoot accepts, excluding the
	// NUL terminator.
	maxCommandLength = 0xff
	// controlTimeout bounds every control transfer. A "reset" never
	// completes, the device drops off the bus instead.
	controlTimeout = time.Second
)

// Client is a handle to a device in one of the bootloader modes. It
// implements devices.Commander.
type Client struct {
	usb  devices.Usb
	mode devices.Mode
	info devices.Info
}

// New wraps an opened USB device, reading its identity from the serial
// number string and its nonces from the nonce string descriptor.
func New(usb devices.Usb, mode devices.Mode) (*Client, error) {
	if err := usb.SetControlTimeout(controlTimeout); err != nil {
		return nil, fmt.Errorf("%w: setting control timeout: %w", devices.ErrConnection, err)
	}
	serial, err := usb.SerialNumber()
	if err != nil {
		return nil, fmt.Errorf("%w: reading serial number: %w", devices.ErrConnection, err)
	}
	c := &Client{
		usb:  usb,
		mode: mode,
	}
	if err := parseSerial(serial, &c.info); err != nil {
		return nil, fmt.Errorf("could not parse serial %q: %w", serial, err)
	}

	nonces, err := usb.GetStringDescriptor(nonceDescriptor)
	if err != nil {
		// Old SecureROMs don't have it.
		slog.Debug("No nonce descriptor", "mode", mode, "err", err)
	} else if err := parseNonces(nonces, &c.info); err != nil {
		return nil, fmt.Errorf("could not parse nonces %q: %w", nonces, err)
	}
	return c, nil
}

// Candidate is a USB device that enumerated with a bootloader-mode PID.
type Candidate struct {
	Usb  devices.Usb
	Mode devices.Mode
}

// Find returns a client for the first candidate whose ECID matches (0
// matches any). All other candidates are closed.
func Find(candidates []Candidate, ecid uint64) (*Client, error) {
	var errs error
	var found *Client
	for _, cand := range candidates {
		if found != nil {
			cand.Usb.Close()
			continue
		}
		c, err := New(cand.Usb, cand.Mode)
		if err != nil {
			errs = multierror.Append(errs, err)
			cand.Usb.Close()
			continue
		}
		if ecid != 0 && c.info.ECID != ecid {
			slog.Debug("Skipping device", "ecid", fmt.Sprintf("0x%x", c.info.ECID), "want", fmt.Sprintf("0x%x", ecid))
			c.Close()
			continue
		}
		found = c
	}
	if found != nil {
		return found, nil
	}
	if errs == nil {
		return nil, fmt.Errorf("%w: no matching device", devices.ErrDeviceUnavailable)
	}
	return nil, fmt.Errorf("%w: %w", devices.ErrDeviceUnavailable, errs)
}

func (c *Client) Mode() devices.Mode {
	return c.mode
}

// DeviceInfo returns a copy of what the device reported when it was opened.
// iBoot regenerates the nonce only across a reset, which always means a new
// client.
func (c *Client) DeviceInfo() (*devices.Info, error) {
	info := c.info
	info.APNonce = append([]byte(nil), c.info.APNonce...)
	info.SEPNonce = append([]byte(nil), c.info.SEPNonce...)
	return &info, nil
}

// SendCommand runs a command on the iBoot console.
func (c *Client) SendCommand(cmd string) error {
	if len(cmd) > maxCommandLength {
		return fmt.Errorf("command too long (%d bytes)", len(cmd))
	}
	slog.Debug("Sending command", "cmd", cmd)
	data := append([]byte(cmd), 0)
	n, err := c.usb.Control(0x40, 0, 0, 0, data)
	if errors.Is(err, devices.UsbTimeoutError) {
		return fmt.Errorf("%w: sending %q: timed out", devices.ErrConnection, cmd)
	}
	if err != nil {
		return fmt.Errorf("%w: sending %q: %w", devices.ErrConnection, cmd, err)
	}
	if n != len(data) {
		return fmt.Errorf("sending %q: %d bytes written, want %d", cmd, n, len(data))
	}
	return nil
}

func (c *Client) Close() error {
	return c.usb.Close()
}

// parseSerial parses the iSerialNumber of a bootloader-mode device, eg.:
//
//	CPID:8960 CPRV:11 CPFM:03 SCEP:01 BDID:00 ECID:000012345678ABCD IBFL:1A SRNM:[F2LMXXXXFF9R]
func parseSerial(s string, info *devices.Info) error {
	fields := parseFields(s)
	if _, ok := fields["ECID"]; !ok {
		return fmt.Errorf("no ECID")
	}
	for _, f := range []struct {
		key string
		dst *uint32
	}{
		{"CPID", &info.CPID},
		{"CPRV", &info.CPRV},
		{"CPFM", &info.CPFM},
		{"SCEP", &info.SCEP},
		{"BDID", &info.BDID},
		{"IBFL", &info.IBFL},
	} {
		v, ok := fields[f.key]
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(v, 16, 32)
		if err != nil {
			return fmt.Errorf("invalid %s %q", f.key, v)
		}
		*f.dst = uint32(n)
	}
	ecid, err := strconv.ParseUint(fields["ECID"], 16, 64)
	if err != nil {
		return fmt.Errorf("invalid ECID %q", fields["ECID"])
	}
	info.ECID = ecid
	info.SerialNumber = fields["SRNM"]
	return nil
}

// parseNonces parses the nonce string descriptor, eg.:
//
//	 NONC:4A2C...9F SNON:BB01...07
func parseNonces(s string, info *devices.Info) error {
	fields := parseFields(s)
	for _, f := range []struct {
		key string
		dst *[]byte
	}{
		{"NONC", &info.APNonce},
		{"SNON", &info.SEPNonce},
	} {
		v, ok := fields[f.key]
		if !ok || v == "" {
			continue
		}
		b, err := hex.DecodeString(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.key, err)
		}
		*f.dst = b
	}
	return nil
}

func parseFields(s string) map[string]string {
	res := make(map[string]string)
	for _, part := range strings.Fields(s) {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		res[k] = strings.Trim(v, "[]")
	}
	return res
}
