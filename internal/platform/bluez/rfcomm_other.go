//go:build !linux

package bluez

import "github.com/srg/btlink/internal/device"

func newRFCOMMSocket(string, [6]byte, uint8, uint8) (device.StreamSocket, error) {
	return nil, device.ErrUnsupported
}
