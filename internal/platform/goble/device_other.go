//go:build !darwin && !linux

package goble

import (
	"github.com/go-ble/ble"

	"github.com/srg/btlink/internal/device"
)

func newDevice() (ble.Device, error) {
	return nil, device.ErrUnsupported
}
