// Package nonce retrieves AP and SEP nonces from open device handles.
package nonce

import (
	"encoding/hex"
	"fmt"

	"github.com/freemyipod/noncestatistics/pkg/devices"
)

type Kind string

const (
	KindAP  Kind = "ApNonce"
	KindSEP Kind = "SepNonce"
)

// Nonce is an immutable nonce value. The zero value (Empty) means the device
// did not expose a nonce of this kind in its current mode.
type Nonce struct {
	Kind  Kind
	bytes []byte
}

// New copies b into a new nonce.
func New(kind Kind, b []byte) Nonce {
	return Nonce{Kind: kind, bytes: append([]byte(nil), b...)}
}

func (n Nonce) Empty() bool {
	return len(n.bytes) == 0
}

func (n Nonce) Len() int {
	return len(n.bytes)
}

// Bytes returns a copy of the nonce.
func (n Nonce) Bytes() []byte {
	return append([]byte(nil), n.bytes...)
}

// Hex returns the lower case hex encoding of the nonce.
func (n Nonce) Hex() string {
	return hex.EncodeToString(n.bytes)
}

func (n Nonce) String() string {
	return fmt.Sprintf("%s=%s", n.Kind, n.Hex())
}

func info(h devices.Handle) (*devices.Info, error) {
	i, err := h.DeviceInfo()
	if err != nil {
		return nil, err
	}
	if i == nil {
		return nil, devices.ErrDeviceInfoUnavailable
	}
	return i, nil
}

// AP returns the AP nonce currently held by the device. A device that does
// not expose one yields an Empty nonce and no error.
func AP(h devices.Handle) (Nonce, error) {
	i, err := info(h)
	if err != nil {
		return Nonce{}, fmt.Errorf("querying %s in %s mode: %w", KindAP, h.Mode(), err)
	}
	return New(KindAP, i.APNonce), nil
}

// SEP returns the SEP nonce currently held by the device, or an Empty nonce.
func SEP(h devices.Handle) (Nonce, error) {
	i, err := info(h)
	if err != nil {
		return Nonce{}, fmt.Errorf("querying %s in %s mode: %w", KindSEP, h.Mode(), err)
	}
	return New(KindSEP, i.SEPNonce), nil
}

// ECID returns the ECID reported by the device.
func ECID(h devices.Handle) (uint64, error) {
	i, err := info(h)
	if err != nil {
		return 0, fmt.Errorf("querying ECID in %s mode: %w", h.Mode(), err)
	}
	return i.ECID, nil
}
