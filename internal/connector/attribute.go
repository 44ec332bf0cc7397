package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/device"
)

// DefaultConnectTimeout bounds the wait for an attribute link to come up.
const DefaultConnectTimeout = 10 * time.Second

// NotificationSink routes attribute events to the transport bound to a channel.
// Both methods report whether a bound transport took the event.
type NotificationSink interface {
	Dispatch(ch device.AttributeChannel, characteristic uuid.UUID, value []byte) bool
	DispatchClosed(ch device.AttributeChannel) bool
}

// Attribute connects over an asynchronous attribute (GATT) link with a bounded wait.
// Once the link is up it discovers the attribute table and then publishes CONNECTED.
type Attribute struct {
	dialer  device.AttributeDialer
	sink    NotificationSink
	timeout time.Duration
	logger  *logrus.Logger
	pub     *publisher

	slot connectSlot

	mu      sync.Mutex
	link    *attributeLink
	address string
	pending chan error // outcome of the attempt in flight
	gen     uint64
}

// NewAttribute creates an attribute connector. sink may be nil when no transport needs
// notifications; timeout <= 0 uses DefaultConnectTimeout.
func NewAttribute(dialer device.AttributeDialer, sink NotificationSink, timeout time.Duration, logger *logrus.Logger) (*Attribute, error) {
	if dialer == nil {
		return nil, errors.New("connector: dialer is required")
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = nopLogger()
	}
	return &Attribute{
		dialer:  dialer,
		sink:    sink,
		timeout: timeout,
		logger:  logger,
		pub:     newPublisher("attribute", logger),
		slot:    newConnectSlot(),
	}, nil
}

func (a *Attribute) Connect(ctx context.Context, address string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := a.slot.acquire(ctx); err != nil {
		return device.NewCancelledError("connect")
	}
	err := a.connect(ctx, address)
	a.slot.release()
	a.pub.drain()
	return err
}

func (a *Attribute) connect(ctx context.Context, address string) error {
	a.pub.publish(device.StatusConnecting, address)
	a.release()

	addr, err := device.ValidateAddress(address)
	if err != nil {
		return a.fail(address, device.NewConnectionError("connect", err))
	}

	outcome := make(chan error, 1)
	a.mu.Lock()
	gen := a.gen
	a.pending = outcome
	a.mu.Unlock()

	log := a.logger.WithFields(logrus.Fields{
		"address": addr,
		"timeout": a.timeout,
	})
	log.Info("Connecting...")

	dialCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	ch, err := a.dialer.Dial(dialCtx, addr, device.AttributeEvents{
		OnConnectionState: func(ch device.AttributeChannel, connected bool, err error) {
			a.handleConnectionState(outcome, ch, connected, err)
		},
		OnNotification: a.handleNotification,
	})
	if err != nil {
		a.clearPending(outcome)
		return a.fail(addr, device.NewConnectionError("dial", err))
	}

	select {
	case err = <-outcome:
	case <-dialCtx.Done():
		a.clearPending(outcome)
		if ctx.Err() != nil {
			err = device.NewCancelledError("connect")
		} else {
			err = device.ErrTimeout
		}
	}
	if err != nil {
		a.closeChannel(ch)
		if device.IsKind(err, device.Cancelled) {
			return a.fail(addr, err)
		}
		return a.fail(addr, device.NewConnectionError("link", err))
	}

	link := &attributeLink{AttributeChannel: ch}
	if err := ch.DiscoverServices(); err != nil {
		log.WithError(err).Warn("Service discovery failed")
	}

	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		_ = link.Close()
		return a.fail(addr, device.NewCancelledError("disconnected while connecting"))
	}
	a.link = link
	a.address = addr
	a.mu.Unlock()

	log.WithField("services", len(ch.Services())).Info("Connected")
	a.pub.enqueue(device.StatusConnected, addr)
	return nil
}

// handleConnectionState runs on the platform's goroutine.
func (a *Attribute) handleConnectionState(outcome chan error, ch device.AttributeChannel, connected bool, err error) {
	a.mu.Lock()
	if a.pending == outcome {
		a.pending = nil
		a.mu.Unlock()
		if connected {
			outcome <- nil
			return
		}
		if err == nil {
			err = errors.New("link not established")
		}
		outcome <- err
		return
	}

	link := a.link
	a.mu.Unlock()
	if connected || link == nil || link.AttributeChannel != ch {
		return
	}

	a.logger.WithFields(logrus.Fields{
		"address": link.Address(),
		"error":   err,
	}).Warn("Link lost")
	if a.sink != nil && a.sink.DispatchClosed(link) {
		return
	}
	a.Disconnect()
}

func (a *Attribute) handleNotification(ch device.AttributeChannel, characteristic uuid.UUID, value []byte) {
	if a.sink == nil {
		return
	}
	a.mu.Lock()
	link := a.link
	a.mu.Unlock()
	if link == nil || link.AttributeChannel != ch {
		return
	}
	a.sink.Dispatch(link, characteristic, value)
}

func (a *Attribute) clearPending(outcome chan error) {
	a.mu.Lock()
	if a.pending == outcome {
		a.pending = nil
	}
	a.mu.Unlock()
}

func (a *Attribute) closeChannel(ch device.AttributeChannel) {
	if err := ch.Close(); err != nil {
		a.logger.WithError(err).Debug("Failed to release channel")
	}
}

func (a *Attribute) fail(address string, err error) error {
	a.logger.WithError(err).WithField("address", address).Warn("Connection failed")
	a.pub.enqueue(device.StatusFailed, address)
	return err
}

func (a *Attribute) release() {
	a.mu.Lock()
	link := a.link
	a.link = nil
	a.mu.Unlock()

	if link != nil {
		if err := link.Close(); err != nil {
			a.logger.WithError(err).Debug("Failed to release previous channel")
		}
	}
}

// Disconnect releases the channel, aborts an attempt in flight and publishes
// DISCONNECTED.
func (a *Attribute) Disconnect() {
	a.mu.Lock()
	a.gen++
	address := a.address
	if a.pending != nil {
		a.pending <- device.NewCancelledError("disconnect requested")
		a.pending = nil
	}
	a.mu.Unlock()

	a.release()
	a.logger.WithField("address", address).Info("Disconnected")
	a.pub.publish(device.StatusDisconnected, address)
}

func (a *Attribute) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.link != nil && a.pub.isConnected()
}

func (a *Attribute) OnStatusChanged(fn func(device.ConnectionStatus)) func() {
	return a.pub.listeners.Add(fn)
}

func (a *Attribute) LowLevelChannel() device.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.link == nil {
		return nil
	}
	return a.link
}
