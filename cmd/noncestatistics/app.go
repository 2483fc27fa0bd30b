package main

import (
	"fmt"
	"time"

	"github.com/google/gousb"
	"golang.org/x/exp/slices"

	"github.com/freemyipod/noncestatistics/pkg/devices"
	"github.com/freemyipod/noncestatistics/pkg/irecv"
	"github.com/freemyipod/noncestatistics/pkg/lockdown"
)

type desktopUsb struct {
	usb *gousb.Device
}

func (d *desktopUsb) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	v, err := d.usb.Control(rType, request, val, idx, data)
	if err == gousb.ErrorTimeout {
		err = devices.UsbTimeoutError
	}
	return v, err
}

func (d *desktopUsb) SetControlTimeout(dur time.Duration) error {
	d.usb.ControlTimeout = dur
	return nil
}

func (d *desktopUsb) GetStringDescriptor(descIndex int) (string, error) {
	return d.usb.GetStringDescriptor(descIndex)
}

func (d *desktopUsb) SerialNumber() (string, error) {
	return d.usb.SerialNumber()
}

func (d *desktopUsb) Close() error {
	return d.usb.Close()
}

// desktopTransport reaches bootloader-mode devices through libusb and
// Normal mode devices through usbmuxd.
type desktopTransport struct {
	ctx *gousb.Context
}

func newTransport() (*desktopTransport, error) {
	ctx, err := newContext()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize USB: %w", err)
	}
	return &desktopTransport{ctx: ctx}, nil
}

func (t *desktopTransport) Open(ecid uint64, mode devices.Mode) (devices.Handle, error) {
	switch mode {
	case devices.Normal:
		c, err := lockdown.Open(ecid)
		if err != nil {
			return nil, err
		}
		return c, nil
	case devices.Recovery, devices.DFU, devices.WTF:
	default:
		return nil, fmt.Errorf("%w: cannot open devices in %s mode", devices.ErrUnsupportedMode, mode)
	}

	modes := []devices.Mode{mode}
	if mode == devices.DFU {
		modes = append(modes, devices.WTF)
	}
	usbs, err := t.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == devices.AppleVID && slices.Contains(modes, devices.ModeForPID(desc.Product))
	})
	if len(usbs) == 0 {
		if err != nil {
			return nil, fmt.Errorf("%w: %w: %w", devices.ErrDeviceUnavailable, devices.ErrConnection, err)
		}
		return nil, fmt.Errorf("%w: no device in %s mode", devices.ErrDeviceUnavailable, mode)
	}

	candidates := make([]irecv.Candidate, 0, len(usbs))
	for _, usb := range usbs {
		candidates = append(candidates, irecv.Candidate{
			Usb:  &desktopUsb{usb: usb},
			Mode: devices.ModeForPID(usb.Desc.Product),
		})
	}
	c, err := irecv.Find(candidates, ecid)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (t *desktopTransport) Close() error {
	if err := t.ctx.Close(); err != nil {
		return fmt.Errorf("when closing context: %w", err)
	}
	return nil
}

func newContext() (*gousb.Context, error) {
	resC := make(chan *gousb.Context)
	errC := make(chan error)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- fmt.Errorf("%v", r)
			}
		}()

		resC <- gousb.NewContext()
	}()

	select {
	case err := <-errC:
		return nil, err
	case res := <-resC:
		return res, nil
	}
}
