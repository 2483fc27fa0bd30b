// Package devicestest provides an in-memory device for exercising code built
// on devices.Transport.
package devicestest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/freemyipod/noncestatistics/pkg/devices"
)

// Device is a single scripted device. It implements devices.Transport.
//
// iBoot semantics are modelled loosely: "setenv auto-boot" followed by
// "saveenv" persists the auto-boot flag, and "reset" moves to the next
// nonce and lands in Normal mode if auto-boot is enabled, Recovery
// otherwise.
type Device struct {
	ECID          uint64
	CPID          uint32
	BDID          uint32
	HardwareModel string
	ProductType   string

	// Mode is the mode the device is currently in.
	Mode devices.Mode
	// Autoboot is the persisted auto-boot flag.
	Autoboot bool

	// APNonces are handed out in order, one per reset, wrapping around. An
	// empty list means the device reports no AP nonce.
	APNonces [][]byte
	SEPNonce []byte

	// FailOpens makes that many upcoming Open calls fail as if the device
	// was still enumerating.
	FailOpens int
	// InfoErr, if set, is returned by every DeviceInfo call.
	InfoErr error
	// CommandErr fails commands with the given prefix.
	CommandErr map[string]error
	// OnReset runs after every reset command.
	OnReset func()

	mu       sync.Mutex
	nonceIdx int
	pending  map[string]string
	open     int

	Commands      []string
	Opens         int
	Overlaps      int
	RecoveryAsked int
}

// Open implements devices.Transport.
func (d *Device) Open(ecid uint64, mode devices.Mode) (devices.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ecid != 0 && ecid != d.ECID {
		return nil, fmt.Errorf("%w: no device with ECID 0x%x", devices.ErrDeviceUnavailable, ecid)
	}
	if !matches(mode, d.Mode) {
		return nil, fmt.Errorf("%w: device is in %s mode, not %s", devices.ErrDeviceUnavailable, d.Mode, mode)
	}
	if d.FailOpens > 0 {
		d.FailOpens--
		return nil, fmt.Errorf("%w: %w: not yet enumerated", devices.ErrDeviceUnavailable, devices.ErrConnection)
	}
	d.Opens++
	d.open++
	if d.open > 1 {
		d.Overlaps++
	}

	h := &handle{d: d, mode: d.Mode}
	switch d.Mode {
	case devices.Recovery:
		return &recoveryHandle{h}, nil
	case devices.Normal:
		return &normalHandle{h}, nil
	}
	return h, nil
}

// Sent returns a copy of the commands received so far.
func (d *Device) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.Commands...)
}

// OpenHandles returns how many handles are currently open.
func (d *Device) OpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func matches(want, have devices.Mode) bool {
	if want == devices.DFU {
		return have == devices.DFU || have == devices.WTF
	}
	return want == have
}

type handle struct {
	d      *Device
	mode   devices.Mode
	closed bool
}

func (h *handle) Mode() devices.Mode {
	return h.mode
}

func (h *handle) DeviceInfo() (*devices.Info, error) {
	d := h.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := h.checkLocked(); err != nil {
		return nil, err
	}
	if d.InfoErr != nil {
		return nil, d.InfoErr
	}
	info := &devices.Info{
		ECID:        d.ECID,
		CPID:        d.CPID,
		BDID:        d.BDID,
		ProductType: d.ProductType,
	}
	if h.mode == devices.Normal {
		info.HardwareModel = d.HardwareModel
	}
	if len(d.APNonces) > 0 {
		n := d.APNonces[d.nonceIdx%len(d.APNonces)]
		info.APNonce = append([]byte(nil), n...)
	}
	if len(d.SEPNonce) > 0 {
		info.SEPNonce = append([]byte(nil), d.SEPNonce...)
	}
	return info, nil
}

func (h *handle) Close() error {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.d.open--
	}
	return nil
}

// checkLocked fails operations on handles that are closed or that the
// device dropped by changing mode.
func (h *handle) checkLocked() error {
	if h.closed {
		return fmt.Errorf("%w: handle closed", devices.ErrConnection)
	}
	if h.d.Mode != h.mode {
		return fmt.Errorf("%w: device left %s mode", devices.ErrConnection, h.mode)
	}
	return nil
}

type recoveryHandle struct {
	*handle
}

func (h *recoveryHandle) SendCommand(cmd string) error {
	d := h.d
	d.mu.Lock()
	if err := h.checkLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	d.Commands = append(d.Commands, cmd)
	for prefix, err := range d.CommandErr {
		if strings.HasPrefix(cmd, prefix) {
			d.mu.Unlock()
			return err
		}
	}

	reset := false
	fields := strings.Fields(cmd)
	switch {
	case len(fields) == 3 && fields[0] == "setenv":
		if d.pending == nil {
			d.pending = make(map[string]string)
		}
		d.pending[fields[1]] = fields[2]
	case cmd == "saveenv":
		if v, ok := d.pending["auto-boot"]; ok {
			d.Autoboot = v == "true"
		}
		d.pending = nil
	case cmd == "reset":
		reset = true
		d.nonceIdx++
		if d.Autoboot {
			d.Mode = devices.Normal
		}
	}
	hook := d.OnReset
	d.mu.Unlock()

	if reset && hook != nil {
		hook()
	}
	return nil
}

type normalHandle struct {
	*handle
}

func (h *normalHandle) EnterRecovery() error {
	d := h.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := h.checkLocked(); err != nil {
		return err
	}
	d.RecoveryAsked++
	d.Mode = devices.Recovery
	return nil
}
