// Package collector implements the nonce collection run: get a device into
// Recovery mode, read and reset its AP nonce over and over, then hand the
// device back with auto-boot enabled.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/freemyipod/noncestatistics/pkg/app"
	"github.com/freemyipod/noncestatistics/pkg/devices"
	"github.com/freemyipod/noncestatistics/pkg/irecv"
	"github.com/freemyipod/noncestatistics/pkg/nonce"
)

// rescueTimeout bounds the auto-boot restore attempted after a fatal error.
const rescueTimeout = 30 * time.Second

type State int

const (
	Discover State = iota
	EnsureRecovery
	Collecting
	Restoring
	Done
	Aborted
)

func (s State) String() string {
	switch s {
	case Discover:
		return "Discover"
	case EnsureRecovery:
		return "EnsureRecovery"
	case Collecting:
		return "Collecting"
	case Restoring:
		return "Restoring"
	case Done:
		return "Done"
	case Aborted:
		return "Aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Log receives collected nonces.
type Log interface {
	WriteHeader(ecid uint64, desc *devices.Description) error
	Append(n nonce.Nonce) error
}

type Config struct {
	// Times is the number of collection rounds, 0 for no limit.
	Times int
	// RetryDelay is the pause between attempts to reach the device in
	// Recovery mode.
	RetryDelay time.Duration
	// ResetPause is the pause after every reset.
	ResetPause time.Duration
	// SwitchTimeout bounds the wait for a Normal mode device to show up in
	// Recovery mode. 0 waits until it does.
	SwitchTimeout time.Duration
	// AbortOnly skips collection and only restores auto-boot.
	AbortOnly bool
}

// DefaultConfig returns the tunables used when nothing else is configured.
func DefaultConfig() Config {
	return Config{
		RetryDelay: 50 * time.Millisecond,
		ResetPause: 500 * time.Millisecond,
	}
}

type Collector struct {
	App       *app.App
	Log       Log
	Config    Config
	Interrupt *Interrupt

	// OnNonce, if set, is called after every nonce written to the log with
	// the number of nonces written so far.
	OnNonce func(count int, n nonce.Nonce)

	state       State
	rounds      int
	collected   int
	autobootOff bool
}

func New(a *app.App, log Log, cfg Config, intr *Interrupt) *Collector {
	if intr == nil {
		intr = &Interrupt{}
	}
	return &Collector{
		App:       a,
		Log:       log,
		Config:    cfg,
		Interrupt: intr,
	}
}

// State returns the state the collector is in, or stopped in.
func (c *Collector) State() State {
	return c.state
}

// Collected returns the number of nonces written to the log.
func (c *Collector) Collected() int {
	return c.collected
}

// Run drives the collector from Discover to Done. Errors stop the run in the
// state they happened in; once auto-boot has been disabled, a restore is
// attempted before the error is returned. Cancelling ctx stops it in Aborted
// without restoring auto-boot.
func (c *Collector) Run(ctx context.Context) error {
	if c.Log == nil && !c.Config.AbortOnly {
		return fmt.Errorf("no nonce log to collect into")
	}
	defer c.App.Release()

	c.state = Discover
	for c.state != Done {
		var (
			next State
			err  error
		)
		switch c.state {
		case Discover:
			next, err = c.discover()
		case EnsureRecovery:
			next, err = c.ensureRecovery(ctx)
		case Collecting:
			next, err = c.collect(ctx)
		case Restoring:
			next, err = c.restore(ctx)
		default:
			return fmt.Errorf("invalid state %s", c.state)
		}
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				c.state = Aborted
				return err
			}
			if c.autobootOff && c.state != Restoring {
				c.rescue(ctx, err)
			}
			return err
		}
		slog.Debug("State transition", "from", c.state, "to", next)
		c.state = next
	}
	return nil
}

func (c *Collector) discover() (State, error) {
	mode, err := c.App.DetectMode()
	if err != nil {
		return Discover, err
	}
	switch mode {
	case devices.Normal, devices.Recovery:
	default:
		return Discover, fmt.Errorf("%w: device is in %s mode, only Normal and Recovery are supported", devices.ErrUnsupportedMode, mode)
	}
	slog.Info("Found device", "mode", mode)

	if c.App.ECID == 0 {
		slog.Info("No ECID was specified, using first device found")
		if _, err := c.App.ResolveECID(); err != nil {
			return Discover, err
		}
	}
	desc, err := c.App.DetectHardwareModel()
	if err != nil {
		return Discover, err
	}
	slog.Info("Identified device", "device", desc.String(), "name", desc.DisplayName, "ecid", fmt.Sprintf("0x%x", c.App.ECID))

	if c.Config.AbortOnly {
		if mode != devices.Recovery {
			slog.Info("Device is not in recovery mode, nothing to restore")
			return Done, nil
		}
		return Restoring, nil
	}
	if err := c.Log.WriteHeader(c.App.ECID, desc); err != nil {
		return Discover, fmt.Errorf("could not write log header: %w", err)
	}
	return EnsureRecovery, nil
}

func (c *Collector) ensureRecovery(ctx context.Context) (State, error) {
	var h devices.Handle
	var err error
	if c.App.Mode == devices.Normal {
		h, err = c.enterRecovery(ctx)
		if errors.Is(err, app.ErrStopped) {
			slog.Info("Interrupted while waiting for recovery mode")
			return Restoring, nil
		}
	} else {
		h, err = c.App.Open(devices.Recovery)
	}
	if err != nil {
		return EnsureRecovery, err
	}

	if sep, err := nonce.SEP(h); err != nil {
		slog.Debug("Could not read SEP nonce", "err", err)
	} else if !sep.Empty() {
		slog.Debug("Current nonces", "sep", sep.Hex())
	}

	cmd, err := commander(h)
	if err != nil {
		return EnsureRecovery, err
	}
	c.autobootOff = true
	if err := irecv.SetAutoboot(cmd, false); err != nil {
		return EnsureRecovery, err
	}
	return Collecting, nil
}

func (c *Collector) enterRecovery(ctx context.Context) (devices.Handle, error) {
	h, err := c.App.Open(devices.Normal)
	if err != nil {
		return nil, err
	}
	re, ok := h.(devices.RecoveryEnterer)
	if !ok {
		return nil, fmt.Errorf("%w: cannot enter recovery from %s mode", devices.ErrUnsupportedMode, h.Mode())
	}
	slog.Info("Entering recovery mode")
	if err := re.EnterRecovery(); err != nil {
		return nil, fmt.Errorf("could not enter recovery mode: %w", err)
	}
	c.App.Release()

	wctx := ctx
	if t := c.Config.SwitchTimeout; t > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	h, err = c.App.WaitSwitch(wctx, devices.Recovery, c.retryDelay(), c.Interrupt.Stopped)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: device did not show up in recovery mode within %s", devices.ErrDeviceUnavailable, c.Config.SwitchTimeout)
	}
	return h, err
}

func (c *Collector) collect(ctx context.Context) (State, error) {
	slog.Info("Collecting nonces", "times", c.Config.Times)
	for {
		if c.Config.Times > 0 && c.rounds >= c.Config.Times {
			return Restoring, nil
		}
		if c.Interrupt.Stopped() {
			slog.Info("Stopping collection", "collected", c.collected)
			return Restoring, nil
		}

		h := c.App.Handle()
		if h == nil {
			var err error
			h, err = c.App.WaitSwitch(ctx, devices.Recovery, c.retryDelay(), c.Interrupt.Stopped)
			if errors.Is(err, app.ErrStopped) {
				continue
			}
			if err != nil {
				return Collecting, err
			}
		}

		n, err := nonce.AP(h)
		if errors.Is(err, devices.ErrConnection) {
			slog.Debug("Lost device, reconnecting", "err", err)
			c.App.Release()
			if err := sleep(ctx, c.retryDelay()); err != nil {
				return Collecting, err
			}
			continue
		}
		if err != nil {
			return Collecting, err
		}
		c.rounds++
		if n.Empty() {
			slog.Warn("Device reported no ApNonce")
		} else {
			if err := c.Log.Append(n); err != nil {
				return Collecting, fmt.Errorf("could not write nonce: %w", err)
			}
			c.collected++
			slog.Debug("Collected nonce", "count", c.collected, "len", n.Len())
			if c.OnNonce != nil {
				c.OnNonce(c.collected, n)
			}
		}

		cmd, err := commander(h)
		if err != nil {
			return Collecting, err
		}
		if err := irecv.Reset(cmd); err != nil {
			slog.Debug("Reset", "err", err)
		}
		c.App.Release()

		if err := sleep(ctx, c.Config.ResetPause); err != nil {
			return Collecting, err
		}
	}
}

func (c *Collector) restore(ctx context.Context) (State, error) {
	slog.Info("Restoring auto-boot")
	h := c.App.Handle()
	if h == nil || h.Mode() != devices.Recovery {
		var err error
		h, err = c.App.WaitSwitch(ctx, devices.Recovery, c.retryDelay(), nil)
		if err != nil {
			return Restoring, err
		}
	}
	cmd, err := commander(h)
	if err != nil {
		return Restoring, err
	}
	if err := irecv.SetAutoboot(cmd, true); err != nil {
		return Restoring, err
	}
	c.autobootOff = false
	if err := irecv.Reset(cmd); err != nil {
		slog.Debug("Reset", "err", err)
	}
	c.App.Release()
	return Done, nil
}

// rescue restores auto-boot after the run failed with cause. The state the
// run failed in is kept.
func (c *Collector) rescue(ctx context.Context, cause error) {
	slog.Warn("Run failed, restoring auto-boot", "state", c.state, "err", cause)
	rctx, cancel := context.WithTimeout(ctx, rescueTimeout)
	defer cancel()
	if _, err := c.restore(rctx); err != nil {
		slog.Error("Could not restore auto-boot, run again with --abort", "err", err)
	}
}

func (c *Collector) retryDelay() time.Duration {
	if c.Config.RetryDelay > 0 {
		return c.Config.RetryDelay
	}
	return DefaultConfig().RetryDelay
}

func commander(h devices.Handle) (devices.Commander, error) {
	cmd, ok := h.(devices.Commander)
	if !ok {
		return nil, fmt.Errorf("%w: cannot send commands in %s mode", devices.ErrUnsupportedMode, h.Mode())
	}
	return cmd, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
