package goble

import (
	"encoding/hex"
	"strings"

	"github.com/go-ble/ble"
	"github.com/google/uuid"

	"github.com/srg/btlink/internal/device"
)

// toUUID converts a go-ble UUID (little-endian, 2, 4 or 16 bytes) to its canonical
// 128-bit form.
func toUUID(u ble.UUID) (uuid.UUID, bool) {
	b := make([]byte, len(u))
	for i := range u {
		b[len(u)-1-i] = u[i]
	}
	switch len(b) {
	case 2, 4:
		id, err := device.ParseAttributeUUID(hex.EncodeToString(b))
		return id, err == nil
	case 16:
		id, err := uuid.FromBytes(b)
		return id, err == nil
	default:
		return uuid.Nil, false
	}
}

// profile is a discovered attribute table plus the go-ble handles behind it.
type profile struct {
	services []*device.Service
	chars    map[uuid.UUID]*ble.Characteristic
}

func newProfile(p *ble.Profile) *profile {
	out := &profile{chars: make(map[uuid.UUID]*ble.Characteristic)}
	if p == nil {
		return out
	}
	for _, s := range p.Services {
		su, ok := toUUID(s.UUID)
		if !ok {
			continue
		}
		svc := &device.Service{UUID: su}
		for _, c := range s.Characteristics {
			cu, ok := toUUID(c.UUID)
			if !ok {
				continue
			}
			ch := &device.Characteristic{UUID: cu, Properties: device.Property(c.Property)}
			for _, d := range c.Descriptors {
				if du, ok := toUUID(d.UUID); ok {
					ch.Descriptors = append(ch.Descriptors, &device.Descriptor{UUID: du})
				}
			}
			if c.CCCD != nil && ch.Descriptor(device.ClientCharacteristicConfig) == nil {
				ch.Descriptors = append(ch.Descriptors, &device.Descriptor{UUID: device.ClientCharacteristicConfig})
			}
			svc.Characteristics = append(svc.Characteristics, ch)
			out.chars[cu] = c
		}
		out.services = append(out.services, svc)
	}
	return out
}

// descriptor returns the go-ble descriptor u of c.
func (p *profile) descriptor(c *ble.Characteristic, u uuid.UUID) *ble.Descriptor {
	for _, d := range c.Descriptors {
		if du, ok := toUUID(d.UUID); ok && du == u {
			return d
		}
	}
	if u == device.ClientCharacteristicConfig {
		return c.CCCD
	}
	return nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
