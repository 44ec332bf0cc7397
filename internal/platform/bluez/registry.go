package bluez

import (
	"fmt"
	"net"

	"github.com/srg/btlink/internal/device"
)

// RFCOMM security levels (BT_SECURITY_LOW, BT_SECURITY_MEDIUM).
const (
	securityLow    uint8 = 1
	securityMedium uint8 = 2
)

// Resolve returns a handle for address. Devices BlueZ has not seen resolve too since
// an RFCOMM connect needs only the address.
func (b *Backend) Resolve(address string) (device.Handle, error) {
	addr, err := device.ValidateAddress(address)
	if err != nil {
		return nil, err
	}
	hw, err := net.ParseMAC(addr)
	if err != nil || len(hw) != 6 {
		return nil, fmt.Errorf("%w: %q is not a MAC address", device.ErrInvalidAddress, addr)
	}

	path := devicePath(b.adapterPath, addr)
	d := device.Device{Address: addr, Kind: device.KindClassic}
	if props, ok := b.devices.Load(path); ok {
		d = deviceOf(path, props)
	}

	h := &handle{backend: b, device: d}
	copy(h.mac[:], hw)
	return h, nil
}

type handle struct {
	backend *Backend
	device  device.Device
	mac     [6]byte
}

func (h *handle) Device() device.Device { return h.device }

func (h *handle) SecureSocket() (device.StreamSocket, error) {
	return newRFCOMMSocket(h.device.Address, h.mac, h.backend.opts.RFCOMMChannel, securityMedium)
}

func (h *handle) InsecureSocket() (device.StreamSocket, error) {
	return newRFCOMMSocket(h.device.Address, h.mac, h.backend.opts.RFCOMMChannel, securityLow)
}

// AlternateSocket opens an unauthenticated socket on the fallback channel.
func (h *handle) AlternateSocket() (device.StreamSocket, bool) {
	s, err := newRFCOMMSocket(h.device.Address, h.mac, h.backend.opts.FallbackChannel, securityLow)
	if err != nil {
		h.backend.logger.WithError(err).Debug("Alternate socket unavailable")
		return nil, false
	}
	return s, true
}
