package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/freemyipod/noncestatistics/pkg/app"
	"github.com/freemyipod/noncestatistics/pkg/collector"
	"github.com/freemyipod/noncestatistics/pkg/devices"
	"github.com/freemyipod/noncestatistics/pkg/nonce"
	"github.com/freemyipod/noncestatistics/pkg/noncelog"
)

func runCollect(ctx context.Context, out io.Writer, cfg *config, path string) error {
	table, err := loadDevices(cfg.Devices)
	if err != nil {
		return err
	}
	ecid := parseECID(cfg.ECID)
	if cfg.ECID != "" && ecid == 0 {
		slog.Warn("Could not parse ECID, using first device found", "ecid", cfg.ECID)
	}

	t, err := newTransport()
	if err != nil {
		return err
	}
	defer t.Close()

	a := app.New(t, ecid)
	a.Table = table
	a.DFUAttempts = cfg.DFUAttempts
	a.DFUDelay = cfg.DFUDelay
	defer a.Close()

	var (
		w   *noncelog.Writer
		log collector.Log
	)
	if !cfg.Abort {
		w, err = noncelog.Open(path)
		if err != nil {
			return err
		}
		defer w.Close()
		log = w
	}

	intr := &collector.Interrupt{}
	stop := handleInterrupts(intr, w)
	defer stop()

	c := collector.New(a, log, cfg.collector(), intr)
	counter := color.New(color.FgGreen)
	c.OnNonce = func(count int, n nonce.Nonce) {
		counter.Fprintf(out, "%06d\t%s\n", count, n)
	}
	if err := c.Run(ctx); err != nil {
		if errors.Is(err, devices.ErrModelLookup) {
			return fmt.Errorf("%s: %w (list it in a plist passed with --devices)", c.State(), err)
		}
		return fmt.Errorf("%s: %w", c.State(), err)
	}
	if !cfg.Abort {
		slog.Info("Done", "collected", w.Written(), "path", w.Path())
	}
	return nil
}

// handleInterrupts turns the first SIGINT/SIGTERM into a stop request. The
// second one closes the log and exits right away, leaving the device as it
// is.
func handleInterrupts(intr *collector.Interrupt, w *noncelog.Writer) (stop func()) {
	sigC := make(chan os.Signal, 2)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigC:
			}
			if intr.Stop() {
				slog.Info("Stopping after the current nonce, interrupt again to quit immediately")
				continue
			}
			slog.Warn("Quitting immediately, auto-boot may still be disabled. Run again with --abort to restore it.")
			if w != nil {
				if err := w.Close(); err != nil {
					slog.Error("Closing nonce log failed", "err", err)
				}
			}
			os.Exit(1)
		}
	}()

	return func() {
		signal.Stop(sigC)
		close(done)
	}
}
