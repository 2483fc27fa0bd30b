// Package app holds the per-process device session: which device (ECID) we
// work with, the mode it was last seen in, what model it is and the handle
// currently open to it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/freemyipod/noncestatistics/pkg/devices"
	"github.com/freemyipod/noncestatistics/pkg/nonce"
)

// ErrStopped is returned by WaitSwitch when its stop condition fired before
// the device showed up.
var ErrStopped = errors.New("stopped")

// probeOrder is the order DetectMode tries modes in. Recovery comes first as
// it is the most likely mode during a collection session.
var probeOrder = []devices.Mode{devices.Recovery, devices.DFU, devices.Normal}

type App struct {
	Transport devices.Transport
	Table     devices.Table

	ECID uint64
	Mode devices.Mode
	Desc *devices.Description

	// DFUAttempts and DFUDelay bound opening a device in DFU/WTF mode.
	DFUAttempts int
	DFUDelay    time.Duration

	handle devices.Handle
}

// New creates a session for the device with the given ECID (0 means
// whichever device is found first).
func New(t devices.Transport, ecid uint64) *App {
	return &App{
		Transport:   t,
		Table:       devices.Descriptions,
		ECID:        ecid,
		DFUAttempts: 10,
		DFUDelay:    time.Second,
	}
}

// DetectMode probes Recovery, then DFU/WTF, then Normal mode and returns the
// first mode a device answers in. Each probe opens and immediately closes a
// handle.
func (a *App) DetectMode() (devices.Mode, error) {
	a.Release()
	a.Mode = devices.Unknown

	var errs error
	for _, m := range probeOrder {
		h, err := a.Transport.Open(a.ECID, m)
		if err != nil {
			slog.Debug("Probe failed", "mode", m, "err", err)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", m, err))
			continue
		}
		a.Mode = h.Mode()
		if err := h.Close(); err != nil {
			slog.Debug("Closing probe failed", "mode", a.Mode, "err", err)
		}
		return a.Mode, nil
	}
	return devices.Unknown, fmt.Errorf("%w: no device responded: %w", devices.ErrDeviceUnavailable, errs)
}

// DetectHardwareModel queries the device in its detected mode and resolves
// its hardware model through the lookup table.
func (a *App) DetectHardwareModel() (*devices.Description, error) {
	h, err := a.Open(a.Mode)
	if err != nil {
		return nil, err
	}
	defer a.Release()

	info, err := h.DeviceInfo()
	if err == nil && info == nil {
		err = devices.ErrDeviceInfoUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying device info: %w", devices.ErrDeviceUnavailable, err)
	}

	var desc *devices.Description
	switch a.Mode {
	case devices.Normal:
		desc, err = a.Table.ByHardwareModel(info.HardwareModel)
	case devices.Recovery, devices.DFU, devices.WTF:
		desc, err = a.Table.ByChip(info.CPID, info.BDID)
	default:
		return nil, fmt.Errorf("%w: %s", devices.ErrUnsupportedMode, a.Mode)
	}
	if err != nil {
		return nil, err
	}
	a.Desc = desc
	return desc, nil
}

// ResolveECID returns the session's ECID, reading it from the device in its
// detected mode if none was given.
func (a *App) ResolveECID() (uint64, error) {
	if a.ECID != 0 {
		return a.ECID, nil
	}
	h, err := a.Open(a.Mode)
	if err != nil {
		return 0, err
	}
	defer a.Release()

	ecid, err := nonce.ECID(h)
	if err != nil {
		return 0, fmt.Errorf("could not get ECID: %w", err)
	}
	if ecid == 0 {
		return 0, fmt.Errorf("could not get ECID: %w", devices.ErrDeviceInfoUnavailable)
	}
	a.ECID = ecid
	return ecid, nil
}

// Open releases the current handle and opens a new one in the given mode.
// DFU and WTF opens are retried DFUAttempts times, DFUDelay apart. The
// session keeps ownership of the returned handle.
func (a *App) Open(mode devices.Mode) (devices.Handle, error) {
	a.Release()

	attempts := 1
	if mode == devices.DFU || mode == devices.WTF {
		attempts = a.DFUAttempts
	}
	var err error
	for i := 1; i <= attempts; i++ {
		var h devices.Handle
		h, err = a.Transport.Open(a.ECID, mode)
		if err == nil {
			a.handle = h
			a.Mode = h.Mode()
			return h, nil
		}
		if i < attempts {
			slog.Debug("Retrying connection...", "mode", mode, "attempt", i, "err", err)
			time.Sleep(a.DFUDelay)
		}
	}
	return nil, fmt.Errorf("unable to connect to device in %s mode: %w", mode, err)
}

// WaitSwitch polls until the device shows up in the given mode, then makes
// that the session's handle. Before every wait stopped (if set) is
// consulted, returning ErrStopped when it reports true.
func (a *App) WaitSwitch(ctx context.Context, mode devices.Mode, interval time.Duration, stopped func() bool) (devices.Handle, error) {
	a.Release()
	for {
		h, err := a.Transport.Open(a.ECID, mode)
		if err == nil {
			a.handle = h
			a.Mode = h.Mode()
			return h, nil
		}
		if stopped != nil && stopped() {
			return nil, ErrStopped
		}
		slog.Debug("Waiting for device", "mode", mode, "err", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Handle returns the currently open handle, if any.
func (a *App) Handle() devices.Handle {
	return a.handle
}

// Release closes the current handle, if any.
func (a *App) Release() {
	if a.handle == nil {
		return
	}
	if err := a.handle.Close(); err != nil {
		slog.Debug("Closing handle failed", "mode", a.handle.Mode(), "err", err)
	}
	a.handle = nil
}

// Close releases everything the session owns.
func (a *App) Close() {
	a.Release()
}
