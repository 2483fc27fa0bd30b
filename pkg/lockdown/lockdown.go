// Package lockdown reaches devices in Normal mode through usbmuxd and the
// lockdown service.
package lockdown

import (
	"fmt"
	"log/slog"

	"github.com/danielpaulus/go-ios/ios"
	"github.com/hashicorp/go-multierror"
	"howett.net/plist"

	"github.com/freemyipod/noncestatistics/pkg/devices"
)

const label = "noncestatistics"

// conn is the subset of ios.LockDownConnection used here.
type conn interface {
	GetValues() (ios.GetAllValuesResponse, error)
	GetValue(key string) (interface{}, error)
	Send(msg interface{}) error
	ReadMessage() ([]byte, error)
	Close()
}

// Client is a lockdown session with a device in Normal mode. It implements
// devices.RecoveryEnterer.
type Client struct {
	udid string
	conn conn
}

// Open connects to the first paired device with the given ECID (0 matches
// any) and starts a lockdown session with it.
func Open(ecid uint64) (*Client, error) {
	list, err := ios.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("%w: listing usbmuxd devices: %w", devices.ErrConnection, err)
	}

	var errs error
	for _, entry := range list.DeviceList {
		udid := entry.Properties.SerialNumber
		lc, err := ios.ConnectLockdownWithSession(entry)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", udid, err))
			continue
		}
		c := &Client{udid: udid, conn: lc}
		if ecid == 0 {
			return c, nil
		}
		got, err := c.ecid()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", udid, err))
			c.Close()
			continue
		}
		if got == ecid {
			return c, nil
		}
		slog.Debug("Skipping device", "udid", udid, "ecid", fmt.Sprintf("0x%x", got))
		c.Close()
	}
	if errs == nil {
		return nil, fmt.Errorf("%w: no matching device in normal mode", devices.ErrDeviceUnavailable)
	}
	return nil, fmt.Errorf("%w: %w", devices.ErrDeviceUnavailable, errs)
}

func (c *Client) Mode() devices.Mode {
	return devices.Normal
}

func (c *Client) ecid() (uint64, error) {
	v, err := c.conn.GetValue("UniqueChipID")
	if err != nil {
		return 0, fmt.Errorf("%w: getting UniqueChipID: %w", devices.ErrConnection, err)
	}
	ecid, ok := toUint64(v)
	if !ok {
		return 0, fmt.Errorf("unexpected UniqueChipID %v", v)
	}
	return ecid, nil
}

// DeviceInfo queries all lockdown values plus both nonces.
func (c *Client) DeviceInfo() (*devices.Info, error) {
	resp, err := c.conn.GetValues()
	if err != nil {
		return nil, fmt.Errorf("%w: getting values: %w", devices.ErrConnection, err)
	}
	if resp.Value.UniqueChipID == 0 {
		return nil, devices.ErrDeviceInfoUnavailable
	}
	info := infoFromValues(&resp.Value)

	for _, n := range []struct {
		key string
		dst *[]byte
	}{
		{"ApNonce", &info.APNonce},
		{"SEPNonce", &info.SEPNonce},
	} {
		v, err := c.conn.GetValue(n.key)
		if err != nil {
			return nil, fmt.Errorf("%w: getting %s: %w", devices.ErrConnection, n.key, err)
		}
		if b, ok := v.([]byte); ok && len(b) > 0 {
			*n.dst = b
		}
	}
	return info, nil
}

type request struct {
	Label   string
	Request string
}

type response struct {
	Request string
	Error   string
}

// EnterRecovery asks the device to reboot into Recovery mode. The session
// is unusable afterwards.
func (c *Client) EnterRecovery() error {
	slog.Debug("Requesting recovery mode", "udid", c.udid)
	if err := c.conn.Send(request{Label: label, Request: "EnterRecovery"}); err != nil {
		return fmt.Errorf("%w: sending EnterRecovery: %w", devices.ErrConnection, err)
	}
	data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: reading EnterRecovery response: %w", devices.ErrConnection, err)
	}
	var res response
	if _, err := plist.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("could not parse EnterRecovery response: %w", err)
	}
	if res.Error != "" {
		return fmt.Errorf("device refused EnterRecovery: %s", res.Error)
	}
	return nil
}

func (c *Client) Close() error {
	c.conn.Close()
	return nil
}

func infoFromValues(v *ios.AllValuesType) *devices.Info {
	return &devices.Info{
		ECID:          v.UniqueChipID,
		CPID:          uint32(v.ChipID),
		BDID:          uint32(v.BoardID),
		SerialNumber:  v.SerialNumber,
		HardwareModel: v.HardwareModel,
		ProductType:   v.ProductType,
	}
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	}
	return 0, false
}
