package collector

import "sync/atomic"

// Interrupt is a stop request shared between a signal handler and a running
// Collector. The collector only looks at it between rounds and before
// waiting for the device, so a round in progress always completes.
type Interrupt struct {
	stopped atomic.Bool
}

// Stop requests a stop. It returns true for the first request only.
func (i *Interrupt) Stop() bool {
	return i.stopped.CompareAndSwap(false, true)
}

func (i *Interrupt) Stopped() bool {
	return i.stopped.Load()
}
