package irecv

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freemyipod/noncestatistics/pkg/devices"
)

type fakeUsb struct {
	serial     string
	nonces     string
	noncesErr  error
	controlErr error

	sent   []string
	closed bool
}

func (f *fakeUsb) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	if f.controlErr != nil {
		return 0, f.controlErr
	}
	if rType != 0x40 || request != 0 {
		return 0, errors.New("unexpected request")
	}
	if len(data) == 0 || data[len(data)-1] != 0 {
		return 0, errors.New("command not NUL terminated")
	}
	f.sent = append(f.sent, string(data[:len(data)-1]))
	return len(data), nil
}

func (f *fakeUsb) SetControlTimeout(time.Duration) error { return nil }

func (f *fakeUsb) GetStringDescriptor(descIndex int) (string, error) {
	if descIndex != nonceDescriptor {
		return "", errors.New("no such descriptor")
	}
	return f.nonces, f.noncesErr
}

func (f *fakeUsb) SerialNumber() (string, error) { return f.serial, nil }

func (f *fakeUsb) Close() error {
	f.closed = true
	return nil
}

const (
	serialN51 = "CPID:8960 CPRV:11 CPFM:03 SCEP:01 BDID:00 ECID:000012345678ABCD IBFL:1A SRNM:[F2LMXXXXFF9R]"
	serialN61 = "CPID:7000 CPRV:11 CPFM:03 SCEP:01 BDID:06 ECID:00000AAAAAAAAAAA IBFL:1C SRNM:[C39NXXXXG5MR]"
	noncesN51 = " NONC:4A2C0102030405060708090A0B0C0D0E0F10119F SNON:BB0102030405060708090A0B0C0D0E0F10111207"
)

func TestNewParsesIdentity(t *testing.T) {
	c, err := New(&fakeUsb{serial: serialN51, nonces: noncesN51}, devices.Recovery)
	require.NoError(t, err)

	info, err := c.DeviceInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x12345678abcd), info.ECID)
	assert.Equal(t, uint32(0x8960), info.CPID)
	assert.Equal(t, uint32(0x00), info.BDID)
	assert.Equal(t, uint32(0x1a), info.IBFL)
	assert.Equal(t, "F2LMXXXXFF9R", info.SerialNumber)
	assert.Len(t, info.APNonce, 20)
	assert.Equal(t, byte(0x4a), info.APNonce[0])
	assert.Len(t, info.SEPNonce, 20)
	assert.Equal(t, devices.Recovery, c.Mode())
}

func TestDeviceInfoReturnsCopies(t *testing.T) {
	c, err := New(&fakeUsb{serial: serialN51, nonces: noncesN51}, devices.Recovery)
	require.NoError(t, err)

	a, _ := c.DeviceInfo()
	a.APNonce[0] = 0
	b, _ := c.DeviceInfo()
	assert.Equal(t, byte(0x4a), b.APNonce[0])
}

func TestNewWithoutNonceDescriptor(t *testing.T) {
	c, err := New(&fakeUsb{serial: serialN51, noncesErr: errors.New("stall")}, devices.DFU)
	require.NoError(t, err)
	info, _ := c.DeviceInfo()
	assert.Empty(t, info.APNonce)
	assert.Empty(t, info.SEPNonce)
}

func TestNewRejectsGarbage(t *testing.T) {
	for _, tc := range []struct {
		name   string
		serial string
		nonces string
	}{
		{"no ecid", "CPID:8960 BDID:00", ""},
		{"bad ecid", "CPID:8960 ECID:xyz", ""},
		{"bad cpid", "CPID:zz ECID:01", ""},
		{"bad nonce", serialN51, "NONC:abc"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(&fakeUsb{serial: tc.serial, nonces: tc.nonces}, devices.Recovery)
			assert.Error(t, err)
		})
	}
}

func TestFindMatchesECID(t *testing.T) {
	a := &fakeUsb{serial: serialN51}
	b := &fakeUsb{serial: serialN61}
	c, err := Find([]Candidate{{a, devices.Recovery}, {b, devices.DFU}}, 0xaaaaaaaaaaa)
	require.NoError(t, err)
	assert.Equal(t, devices.DFU, c.Mode())
	assert.True(t, a.closed)
	assert.False(t, b.closed)
}

func TestFindAnyReturnsFirst(t *testing.T) {
	a := &fakeUsb{serial: serialN51}
	b := &fakeUsb{serial: serialN61}
	c, err := Find([]Candidate{{a, devices.Recovery}, {b, devices.Recovery}}, 0)
	require.NoError(t, err)
	info, _ := c.DeviceInfo()
	assert.Equal(t, uint64(0x12345678abcd), info.ECID)
	assert.False(t, a.closed)
	assert.True(t, b.closed)
}

func TestFindNothing(t *testing.T) {
	_, err := Find(nil, 0)
	assert.ErrorIs(t, err, devices.ErrDeviceUnavailable)

	_, err = Find([]Candidate{{&fakeUsb{serial: "garbage"}, devices.Recovery}}, 0)
	assert.ErrorIs(t, err, devices.ErrDeviceUnavailable)

	_, err = Find([]Candidate{{&fakeUsb{serial: serialN51}, devices.Recovery}}, 0x1)
	assert.ErrorIs(t, err, devices.ErrDeviceUnavailable)
}

func TestCommands(t *testing.T) {
	u := &fakeUsb{serial: serialN51}
	c, err := New(u, devices.Recovery)
	require.NoError(t, err)

	require.NoError(t, SetAutoboot(c, false))
	require.NoError(t, Reset(c))
	require.NoError(t, SetAutoboot(c, true))
	assert.Equal(t, []string{
		"setenv auto-boot false",
		"saveenv",
		"reset",
		"setenv auto-boot true",
		"saveenv",
	}, u.sent)
}

func TestCommandErrors(t *testing.T) {
	u := &fakeUsb{serial: serialN51, controlErr: errors.New("pipe")}
	c, err := New(u, devices.Recovery)
	require.NoError(t, err)

	assert.ErrorIs(t, Reset(c), devices.ErrConnection)
	assert.Error(t, SetAutoboot(c, true))

	long := make([]byte, maxCommandLength+1)
	assert.Error(t, c.SendCommand(string(long)))
}

func TestCommandTimeout(t *testing.T) {
	u := &fakeUsb{serial: serialN51, controlErr: devices.UsbTimeoutError}
	c, err := New(u, devices.Recovery)
	require.NoError(t, err)

	err = Reset(c)
	assert.ErrorIs(t, err, devices.ErrConnection)
	assert.ErrorContains(t, err, "timed out")
}
