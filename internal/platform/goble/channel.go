package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/groutine"
	"github.com/srg/btlink/internal/ringchan"
)

// notificationQueueSize bounds undelivered notifications per channel; the oldest are
// dropped when a consumer stalls.
const notificationQueueSize = 256

type notification struct {
	characteristic uuid.UUID
	value          []byte
}

// channel is one go-ble connection. Events fire from background goroutines and never
// after Close.
type channel struct {
	id      string
	address string
	backend *Backend
	events  device.AttributeEvents
	logger  *logrus.Entry

	closed atomic.Bool
	queue  *ringchan.RingChannel[notification]

	mu         sync.Mutex
	client     bleClient
	profile    *profile
	subscribed map[uuid.UUID]bool
}

// Dial starts a connection to address and returns the pending channel at once.
func (b *Backend) Dial(ctx context.Context, address string, events device.AttributeEvents) (device.AttributeChannel, error) {
	addr, err := device.ValidateAddress(address)
	if err != nil {
		return nil, err
	}
	ch := &channel{
		id:         fmt.Sprintf("goble-%d", b.seq.Add(1)),
		address:    addr,
		backend:    b,
		events:     events,
		queue:      ringchan.New[notification](notificationQueueSize),
		profile:    newProfile(nil),
		subscribed: make(map[uuid.UUID]bool),
	}
	ch.logger = b.logger.WithFields(logrus.Fields{
		"address": addr,
		"channel": ch.id,
	})
	b.channels.Store(ch.id, ch)

	groutine.Go(context.Background(), "ble-notify", func(context.Context) { ch.deliverNotifications() })
	groutine.Go(ctx, "ble-dial", func(ctx context.Context) { ch.connect(ctx) })
	return ch, nil
}

func (c *channel) connect(ctx context.Context) {
	c.logger.Debug("Dialing")
	client, err := c.backend.dial(ctx, c.address)
	if err != nil {
		c.logger.WithError(err).Debug("Dial failed")
		if !c.closed.Load() {
			c.emitState(false, normalizeError(err))
		}
		return
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		c.logger.Debug("Channel closed while dialing, dropping connection")
		_ = client.CancelConnection()
		return
	}
	c.client = client
	c.mu.Unlock()

	groutine.Go(context.Background(), "ble-monitor", func(context.Context) { c.monitor(client) })
	c.emitState(true, nil)
}

// monitor reports a link the peer or the radio dropped.
func (c *channel) monitor(client bleClient) {
	<-client.Disconnected()
	if c.closed.Load() {
		return
	}
	c.logger.Info("Peripheral disconnected")
	c.emitState(false, errLinkLost)
}

func (c *channel) emitState(connected bool, err error) {
	if fn := c.events.OnConnectionState; fn != nil {
		fn(c, connected, err)
	}
}

func (c *channel) deliverNotifications() {
	for {
		n, ok := c.queue.Receive()
		if !ok {
			return
		}
		if c.closed.Load() {
			continue
		}
		if fn := c.events.OnNotification; fn != nil {
			fn(c, n.characteristic, n.value)
		}
	}
}

func (c *channel) ID() string      { return c.id }
func (c *channel) Address() string { return c.address }

// Close cancels a pending dial or drops the connection. Safe to call more than once.
func (c *channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.backend.channels.Delete(c.id)

	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	c.queue.Close()
	if client == nil {
		return nil
	}
	c.logger.Debug("Cancelling connection")
	return normalizeError(client.CancelConnection())
}

func (c *channel) connected() (bleClient, *profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, nil, errClosed
	}
	if c.client == nil {
		return nil, nil, errLinkLost
	}
	return c.client, c.profile, nil
}

func (c *channel) DiscoverServices() error {
	client, _, err := c.connected()
	if err != nil {
		return err
	}
	p, err := client.DiscoverProfile(true)
	if err != nil {
		return fmt.Errorf("profile discovery failed: %w", normalizeError(err))
	}
	prof := newProfile(p)

	c.mu.Lock()
	c.profile = prof
	c.mu.Unlock()
	c.logger.WithField("services", len(prof.services)).Debug("Profile discovered")
	return nil
}

func (c *channel) Services() []*device.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile.services
}

func (c *channel) lookup(ch *device.Characteristic) (bleClient, *profile, *ble.Characteristic, error) {
	if ch == nil {
		return nil, nil, nil, fmt.Errorf("characteristic: %w", device.ErrNotFound)
	}
	client, prof, err := c.connected()
	if err != nil {
		return nil, nil, nil, err
	}
	bc, ok := prof.chars[ch.UUID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("characteristic %s: %w", device.ShortenUUID(ch.UUID), device.ErrNotFound)
	}
	return client, prof, bc, nil
}

// SetNotify subscribes to value changes of ch, preferring notifications over
// indications. go-ble writes the CCCD itself.
func (c *channel) SetNotify(ch *device.Characteristic, enable bool) error {
	client, _, bc, err := c.lookup(ch)
	if err != nil {
		return err
	}
	ind := !ch.Properties.Has(device.PropNotify) && ch.Properties.Has(device.PropIndicate)

	if !enable {
		c.mu.Lock()
		delete(c.subscribed, ch.UUID)
		c.mu.Unlock()
		return normalizeError(client.Unsubscribe(bc, ind))
	}

	u := ch.UUID
	err = client.Subscribe(bc, ind, func(value []byte) {
		if c.closed.Load() {
			return
		}
		v := make([]byte, len(value))
		copy(v, value)
		if c.queue.Send(notification{characteristic: u, value: v}) {
			c.logger.WithField("characteristic", device.ShortenUUID(u)).Warn("Notification queue full, dropped oldest")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", device.ShortenUUID(u), normalizeError(err))
	}
	c.mu.Lock()
	c.subscribed[u] = true
	c.mu.Unlock()
	return nil
}

// WriteDescriptor writes d of ch. A CCCD write on a subscribed characteristic is a no-op
// since the subscription already configured it.
func (c *channel) WriteDescriptor(ch *device.Characteristic, d *device.Descriptor, value []byte) error {
	client, prof, bc, err := c.lookup(ch)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("descriptor: %w", device.ErrNotFound)
	}
	if d.UUID == device.ClientCharacteristicConfig {
		c.mu.Lock()
		subscribed := c.subscribed[ch.UUID]
		c.mu.Unlock()
		if subscribed {
			return nil
		}
	}
	bd := prof.descriptor(bc, d.UUID)
	if bd == nil {
		return fmt.Errorf("descriptor %s: %w", device.ShortenUUID(d.UUID), device.ErrNotFound)
	}
	return normalizeError(client.WriteDescriptor(bd, value))
}

func (c *channel) WriteCharacteristic(ch *device.Characteristic, value []byte, withResponse bool) error {
	client, _, bc, err := c.lookup(ch)
	if err != nil {
		return err
	}
	return normalizeError(client.WriteCharacteristic(bc, value, !withResponse))
}
