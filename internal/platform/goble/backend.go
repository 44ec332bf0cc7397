// Package goble is the attribute (GATT) backend built on the go-ble stack. It dials
// peripherals, discovers their profile, routes notifications back to the connector and
// runs advertisement scans on platforms without a BlueZ daemon.
package goble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/device"
)

// DeviceFactory creates the go-ble radio. Tests override it.
//
//nolint:revive // exported for test substitution
var DeviceFactory = newDevice

// bleClient is the part of ble.Client the backend uses.
type bleClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	WriteDescriptor(d *ble.Descriptor, v []byte) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// advertisement is the part of ble.Advertisement discovery reads.
type advertisement interface {
	LocalName() string
	Addr() ble.Addr
	Connectable() bool
}

// Backend owns the go-ble radio and every live attribute channel.
type Backend struct {
	logger *logrus.Logger

	initOnce sync.Once
	dev      ble.Device
	initErr  error

	ready func() error
	dial  func(ctx context.Context, address string) (bleClient, error)
	scan  func(ctx context.Context, h func(advertisement)) error

	channels *xsync.MapOf[string, *channel]
	seq      atomic.Uint64

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
}

func New(logger *logrus.Logger) *Backend {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	b := &Backend{
		logger:   logger,
		channels: xsync.NewMapOf[string, *channel](),
	}
	b.ready = func() error {
		_, err := b.radio()
		return err
	}
	b.dial = b.dialRadio
	b.scan = b.scanRadio
	return b
}

// radio opens the go-ble device on first use.
func (b *Backend) radio() (ble.Device, error) {
	b.initOnce.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			b.initErr = fmt.Errorf("failed to open bluetooth device: %w", normalizeError(err))
			return
		}
		b.dev = dev
	})
	return b.dev, b.initErr
}

func (b *Backend) dialRadio(ctx context.Context, address string) (bleClient, error) {
	dev, err := b.radio()
	if err != nil {
		return nil, err
	}
	return dev.Dial(ctx, ble.NewAddr(address))
}

func (b *Backend) scanRadio(ctx context.Context, h func(advertisement)) error {
	dev, err := b.radio()
	if err != nil {
		return err
	}
	return dev.Scan(ctx, false, func(a ble.Advertisement) { h(a) })
}

// Live returns the number of channels that are dialing or connected.
func (b *Backend) Live() int { return b.channels.Size() }

// Close drops every live channel and stops the radio.
func (b *Backend) Close() error {
	_ = b.CancelDiscovery()
	b.channels.Range(func(_ string, ch *channel) bool {
		_ = ch.Close()
		return true
	})
	if b.dev == nil {
		return nil
	}
	if err := b.dev.Stop(); err != nil && !errors.Is(err, context.Canceled) {
		return normalizeError(err)
	}
	return nil
}

// normalizeError maps go-ble messages onto device cause sentinels.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case containsFold(msg, "is bluetooth turned on"),
		containsFold(msg, "bluetooth is turned off"),
		containsFold(msg, "powered off"):
		return fmt.Errorf("%w: %v", errAdapterOff, err)
	case containsFold(msg, "device not connected"),
		containsFold(msg, "disconnected"):
		return fmt.Errorf("%w: %v", errLinkLost, err)
	default:
		return device.NormalizeError(err)
	}
}

var (
	errAdapterOff = errors.New("bluetooth adapter is off")
	errLinkLost   = errors.New("link lost")
	errClosed     = errors.New("channel closed")
)
