package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freemyipod/noncestatistics/pkg/app"
	"github.com/freemyipod/noncestatistics/pkg/devices"
	"github.com/freemyipod/noncestatistics/pkg/devices/devicestest"
	"github.com/freemyipod/noncestatistics/pkg/nonce"
	"github.com/freemyipod/noncestatistics/pkg/noncelog"
)

func testNonces(n int) [][]byte {
	res := make([][]byte, n)
	for i := range res {
		b := make([]byte, 20)
		for j := range b {
			b[j] = byte(i*20 + j)
		}
		res[i] = b
	}
	return res
}

func newDevice(mode devices.Mode, nonces int) *devicestest.Device {
	return &devicestest.Device{
		ECID:          0x12345678abcd,
		CPID:          0x8960,
		BDID:          0x00,
		HardwareModel: "N51AP",
		ProductType:   "iPhone6,1",
		Mode:          mode,
		APNonces:      testNonces(nonces),
		SEPNonce:      []byte{0xaa, 0xbb},
	}
}

func testConfig(times int) Config {
	return Config{
		Times:      times,
		RetryDelay: time.Millisecond,
		ResetPause: time.Millisecond,
	}
}

type fixture struct {
	dev  *devicestest.Device
	log  *noncelog.Writer
	path string
	c    *Collector
}

func newFixture(t *testing.T, dev *devicestest.Device, cfg Config) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nonces.txt")
	w, err := noncelog.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	return &fixture{
		dev:  dev,
		log:  w,
		path: path,
		c:    New(app.New(dev, 0), w, cfg, nil),
	}
}

// nonceLines returns the log's nonce lines, header stripped.
func (f *fixture) nonceLines(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.path)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(data), "\n"), "log must end on a full line")

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, "ECID: 12345678abcd", lines[0])
	assert.Equal(t, "Identified device as n51ap, iPhone6,1 ", lines[1])
	return lines[2:]
}

func TestCollectTimes(t *testing.T) {
	f := newFixture(t, newDevice(devices.Recovery, 5), testConfig(3))

	var printed []string
	f.c.OnNonce = func(count int, n nonce.Nonce) {
		printed = append(printed, fmt.Sprintf("%06d\t%s", count, n))
	}
	require.NoError(t, f.c.Run(context.Background()))
	assert.Equal(t, Done, f.c.State())
	assert.Equal(t, 3, f.c.Collected())

	nonces := testNonces(3)
	lines := f.nonceLines(t)
	require.Len(t, lines, 3)
	for i, l := range lines {
		assert.Equal(t, nonce.New(nonce.KindAP, nonces[i]).Hex(), l)
	}
	assert.Equal(t, "000001\tApNonce="+lines[0], printed[0])
	assert.Len(t, printed, 3)

	assert.Equal(t, []string{
		"setenv auto-boot false", "saveenv",
		"reset", "reset", "reset",
		"setenv auto-boot true", "saveenv", "reset",
	}, f.dev.Sent())
	assert.True(t, f.dev.Autoboot)
	assert.Equal(t, devices.Normal, f.dev.Mode)
	assert.Equal(t, 0, f.dev.OpenHandles())
	assert.Zero(t, f.dev.Overlaps)
}

func TestCollectInterrupted(t *testing.T) {
	f := newFixture(t, newDevice(devices.Recovery, 5), testConfig(0))
	f.c.OnNonce = func(count int, _ nonce.Nonce) {
		if count == 2 {
			assert.True(t, f.c.Interrupt.Stop())
		}
	}
	require.NoError(t, f.c.Run(context.Background()))
	assert.Equal(t, Done, f.c.State())
	assert.Len(t, f.nonceLines(t), 2)
	assert.True(t, f.dev.Autoboot, "auto-boot must be restored after a single interrupt")
	assert.False(t, f.c.Interrupt.Stop(), "second stop is not the first")
}

// stopOnRetry fails the next fail Recovery opens and raises the interrupt
// while doing so, as if the user hit ^C while the device re-enumerates.
type stopOnRetry struct {
	*devicestest.Device
	intr *Interrupt
	fail int
}

func (s *stopOnRetry) Open(ecid uint64, mode devices.Mode) (devices.Handle, error) {
	if mode == devices.Recovery && s.fail > 0 {
		s.fail--
		s.intr.Stop()
		return nil, fmt.Errorf("%w: re-enumerating", devices.ErrDeviceUnavailable)
	}
	return s.Device.Open(ecid, mode)
}

func TestCollectInterruptedWhileReconnecting(t *testing.T) {
	dev := newDevice(devices.Recovery, 5)
	f := newFixture(t, dev, testConfig(0))
	tr := &stopOnRetry{Device: dev, intr: f.c.Interrupt}
	f.c.App.Transport = tr

	resets := 0
	dev.OnReset = func() {
		resets++
		if resets == 2 {
			tr.fail = 1
		}
	}
	require.NoError(t, f.c.Run(context.Background()))
	assert.Equal(t, Done, f.c.State())
	assert.Len(t, f.nonceLines(t), 2)
	assert.True(t, dev.Autoboot)
}

func TestCollectReconnects(t *testing.T) {
	dev := newDevice(devices.Recovery, 5)
	dev.OnReset = func() { dev.FailOpens = 3 }
	f := newFixture(t, dev, testConfig(2))

	require.NoError(t, f.c.Run(context.Background()))
	assert.Len(t, f.nonceLines(t), 2)
}

func TestCollectFromNormal(t *testing.T) {
	dev := newDevice(devices.Normal, 5)
	f := newFixture(t, dev, testConfig(1))

	require.NoError(t, f.c.Run(context.Background()))
	assert.Equal(t, 1, dev.RecoveryAsked)
	assert.Len(t, f.nonceLines(t), 1)
	assert.Equal(t, devices.Normal, dev.Mode)
}

func TestCollectDFUUnsupported(t *testing.T) {
	for _, mode := range []devices.Mode{devices.DFU, devices.WTF} {
		dev := newDevice(mode, 5)
		f := newFixture(t, dev, testConfig(1))

		err := f.c.Run(context.Background())
		assert.ErrorIs(t, err, devices.ErrUnsupportedMode)
		assert.Equal(t, Discover, f.c.State())
		assert.Empty(t, dev.Sent())
	}
}

func TestCollectNoDevice(t *testing.T) {
	f := newFixture(t, newDevice(devices.Restore, 5), testConfig(1))
	assert.ErrorIs(t, f.c.Run(context.Background()), devices.ErrDeviceUnavailable)
}

func TestCollectEmptyNonce(t *testing.T) {
	dev := newDevice(devices.Recovery, 0)
	f := newFixture(t, dev, testConfig(2))

	require.NoError(t, f.c.Run(context.Background()))
	assert.Empty(t, f.nonceLines(t))
	assert.Equal(t, 0, f.c.Collected())
	assert.True(t, dev.Autoboot)
}

func TestAbortOnly(t *testing.T) {
	dev := newDevice(devices.Recovery, 5)
	c := New(app.New(dev, 0), nil, Config{AbortOnly: true}, nil)
	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []string{"setenv auto-boot true", "saveenv", "reset"}, dev.Sent())
	assert.Equal(t, devices.Normal, dev.Mode)

	dev = newDevice(devices.Normal, 5)
	c = New(app.New(dev, 0), nil, Config{AbortOnly: true}, nil)
	require.NoError(t, c.Run(context.Background()))
	assert.Empty(t, dev.Sent())
	assert.Equal(t, Done, c.State())
}

func TestHardAbort(t *testing.T) {
	dev := newDevice(devices.Recovery, 5)
	f := newFixture(t, dev, testConfig(0))
	f.c.Config.ResetPause = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	f.c.OnNonce = func(count int, _ nonce.Nonce) {
		if count == 1 {
			cancel()
		}
	}
	err := f.c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Aborted, f.c.State())
	assert.Len(t, f.nonceLines(t), 1)
	assert.False(t, dev.Autoboot)
	assert.NotContains(t, dev.Sent(), "setenv auto-boot true")
	assert.Equal(t, 0, dev.OpenHandles())
}

type brokenLog struct{}

func (brokenLog) WriteHeader(uint64, *devices.Description) error { return nil }
func (brokenLog) Append(nonce.Nonce) error { return errors.New("disk full") }

func TestLogErrorIsFatal(t *testing.T) {
	dev := newDevice(devices.Recovery, 5)
	c := New(app.New(dev, 0), brokenLog{}, testConfig(3), nil)
	err := c.Run(context.Background())
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, Collecting, c.State())
	assert.Equal(t, 0, dev.OpenHandles())

	assert.True(t, dev.Autoboot, "auto-boot must be restored after a fatal error")
	assert.Equal(t, []string{
		"setenv auto-boot false", "saveenv",
		"setenv auto-boot true", "saveenv", "reset",
	}, dev.Sent())
}

func TestRescueFailureKeepsError(t *testing.T) {
	dev := newDevice(devices.Recovery, 5)
	dev.CommandErr = map[string]error{
		"setenv auto-boot true": fmt.Errorf("%w: stall", devices.ErrConnection),
	}
	c := New(app.New(dev, 0), brokenLog{}, testConfig(3), nil)
	err := c.Run(context.Background())
	assert.ErrorContains(t, err, "disk full")
	assert.NotErrorIs(t, err, devices.ErrConnection)
	assert.Equal(t, Collecting, c.State())
	assert.False(t, dev.Autoboot)
}

func TestSwitchTimeout(t *testing.T) {
	dev := newDevice(devices.Normal, 5)
	f := newFixture(t, dev, testConfig(1))
	f.c.Config.SwitchTimeout = 20 * time.Millisecond
	f.c.App.Transport = &slowSwitch{Device: dev}

	err := f.c.Run(context.Background())
	assert.ErrorIs(t, err, devices.ErrDeviceUnavailable)
	assert.Equal(t, EnsureRecovery, f.c.State())
}

// slowSwitch hides the device once it is in Recovery mode.
type slowSwitch struct {
	*devicestest.Device
}

func (s *slowSwitch) Open(ecid uint64, mode devices.Mode) (devices.Handle, error) {
	if mode == devices.Recovery {
		return nil, fmt.Errorf("%w: still rebooting", devices.ErrDeviceUnavailable)
	}
	return s.Device.Open(ecid, mode)
}
