// Package noncelog appends collected nonces to a plain text log, one hex
// value per line.
package noncelog

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/freemyipod/noncestatistics/pkg/devices"
	"github.com/freemyipod/noncestatistics/pkg/nonce"
)

var ErrClosed = errors.New("nonce log closed")

// Writer is an append-only nonce log. Every line is written with a single
// write and synced before Append returns. Close may be called concurrently
// with Append (eg. from a signal handler) and never leaves half a line
// behind.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	written int
}

// Open opens path for appending, creating it if needed.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open nonce log: %w", err)
	}
	return &Writer{f: f, path: path}, nil
}

// WriteHeader records which device the following nonces come from.
func (w *Writer) WriteHeader(ecid uint64, desc *devices.Description) error {
	return w.writeLine(fmt.Sprintf("ECID: %x\nIdentified device as %s \n", ecid, desc))
}

// Append writes one nonce line. Empty nonces are refused.
func (w *Writer) Append(n nonce.Nonce) error {
	if n.Empty() {
		return fmt.Errorf("refusing to log empty %s", n.Kind)
	}
	if err := w.writeLine(n.Hex() + "\n"); err != nil {
		return err
	}
	w.mu.Lock()
	w.written++
	w.mu.Unlock()
	return nil
}

func (w *Writer) writeLine(s string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return ErrClosed
	}
	if _, err := w.f.WriteString(s); err != nil {
		return fmt.Errorf("could not write to %s: %w", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("could not flush %s: %w", w.path, err)
	}
	return nil
}

// Written returns the number of nonces appended through this writer.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *Writer) Path() string {
	return w.path
}

// Close closes the log. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
