package bluez

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/groutine"
)

// CreateBond starts pairing with address and returns once BlueZ accepted the request.
// Watchers see bonding, then bonded or none when the Pair call settles.
func (b *Backend) CreateBond(address string) error {
	addr, err := device.ValidateAddress(address)
	if err != nil {
		return err
	}
	path := devicePath(b.adapterPath, addr)
	props, known := b.devices.Load(path)
	if !known {
		return fmt.Errorf("device %s: %w", addr, device.ErrNotFound)
	}
	if bondStateOf(props) == device.BondBonded {
		b.publishBond(path, props, device.BondBonded)
		return nil
	}

	log := b.logger.WithField("address", addr)
	log.Info("Pairing...")
	b.publishBond(path, props, device.BondBonding)

	groutine.Go(b.ctx, "bluez-pair", func(ctx context.Context) {
		call := b.bus.Call(ctx, path, deviceIface+".Pair")
		latest, _ := b.devices.Load(path)
		if latest == nil {
			latest = props
		}
		if call.Err != nil {
			log.WithError(wrapCall(call.Err, "pair", "Pairing failed")).Warn("Pairing failed")
			b.publishBond(path, latest, device.BondNone)
			return
		}
		log.Info("Paired")
		b.publishBond(path, latest, device.BondBonded)
	})
	return nil
}

// WatchBondState reports every bond-state transition of adapter devices.
func (b *Backend) WatchBondState(fn func(device.Device, device.BondState)) (func(), error) {
	return subscribe(b, b.bonds, topicBond, "bluez-bond-watch", func(e bondEvent) {
		fn(e.device, e.state)
	})
}

// CancelBondProcess aborts a running Pair call.
func (b *Backend) CancelBondProcess(address string) bool {
	return b.bestEffort("CancelPairing", address, func(ctx context.Context, addr string) error {
		return b.bus.Call(ctx, devicePath(b.adapterPath, addr), deviceIface+".CancelPairing").Err
	})
}

// RemoveBond deletes the device and its keys from the adapter.
func (b *Backend) RemoveBond(address string) bool {
	return b.bestEffort("RemoveDevice", address, func(ctx context.Context, addr string) error {
		return b.bus.Call(ctx, b.adapterPath, adapterIface+".RemoveDevice", devicePath(b.adapterPath, addr)).Err
	})
}

func (b *Backend) bestEffort(op, address string, fn func(context.Context, string) error) bool {
	addr, err := device.ValidateAddress(address)
	if err != nil {
		return false
	}
	return device.TryBestEffort(func() bool {
		if err := fn(b.ctx, addr); err != nil {
			b.logger.WithFields(logrus.Fields{
				"op":      op,
				"address": addr,
				"error":   err,
			}).Debug("Best-effort call failed")
			return false
		}
		return true
	})
}
