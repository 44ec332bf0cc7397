package goble

import (
	"context"
	"errors"
	"time"

	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/groutine"
)

// DefaultScanWindow bounds a discovery session when nobody cancels it.
const DefaultScanWindow = 12 * time.Second

// StartDiscovery runs an advertisement scan. Every advertiser is reported as an
// attribute peripheral; the session ends on CancelDiscovery or after DefaultScanWindow.
func (b *Backend) StartDiscovery(events device.DiscoveryEvents) error {
	if err := b.ready(); err != nil {
		return err
	}

	b.scanMu.Lock()
	if b.scanCancel != nil {
		b.scanMu.Unlock()
		return errors.New("discovery already running")
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultScanWindow)
	b.scanCancel = cancel
	b.scanMu.Unlock()

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		defer func() {
			b.scanMu.Lock()
			b.scanCancel = nil
			b.scanMu.Unlock()
			cancel()
			if events.OnFinished != nil {
				events.OnFinished()
			}
		}()

		err := b.scan(ctx, func(a advertisement) {
			if ctx.Err() != nil || a.Addr() == nil || events.OnFound == nil {
				return
			}
			events.OnFound(device.Device{
				Address: device.NormalizeAddress(a.Addr().String()),
				Name:    a.LocalName(),
				Kind:    device.KindAttribute,
			})
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			b.logger.WithError(normalizeError(err)).Warn("Scan ended with error")
		}
	})
	return nil
}

func (b *Backend) CancelDiscovery() error {
	b.scanMu.Lock()
	cancel := b.scanCancel
	b.scanMu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// BondedDevices is unsupported: go-ble keeps no bond table.
func (b *Backend) BondedDevices() ([]device.Device, error) {
	return nil, device.ErrUnsupported
}

// CreateBond is unsupported: the platform pairs implicitly on first encrypted access.
func (b *Backend) CreateBond(string) error {
	return device.ErrUnsupported
}

func (b *Backend) WatchBondState(func(device.Device, device.BondState)) (func(), error) {
	return func() {}, nil
}

// AdapterStatus reports enabled when the radio opens.
func (b *Backend) AdapterStatus() (device.AdapterStatus, error) {
	if err := b.ready(); err != nil {
		if errors.Is(err, errAdapterOff) {
			return device.AdapterDisabled, nil
		}
		return device.AdapterDisabled, err
	}
	return device.AdapterEnabled, nil
}

func (b *Backend) WatchAdapterStatus(func(device.AdapterStatus)) (func(), error) {
	return nil, device.ErrUnsupported
}
