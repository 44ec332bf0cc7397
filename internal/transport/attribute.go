package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/device"
)

// Nordic UART service identifiers, the default serial profile.
var (
	DefaultServiceUUID = device.MustParseAttributeUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	DefaultRXUUID      = device.MustParseAttributeUUID("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
	DefaultTXUUID      = device.MustParseAttributeUUID("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
)

// WriteMode selects how TX writes are acknowledged.
type WriteMode int

const (
	WriteWithResponse WriteMode = iota
	WriteWithoutResponse
)

func (m WriteMode) String() string {
	if m == WriteWithoutResponse {
		return "without-response"
	}
	return "with-response"
}

// ParseWriteMode accepts "with-response" and "without-response".
func ParseWriteMode(s string) (WriteMode, error) {
	switch s {
	case "", "with-response", "response":
		return WriteWithResponse, nil
	case "without-response", "no-response":
		return WriteWithoutResponse, nil
	}
	return WriteWithResponse, fmt.Errorf("unknown write mode %q", s)
}

// AttributeOptions names the characteristics that carry data.
type AttributeOptions struct {
	RX        uuid.UUID // notifies incoming data
	TX        uuid.UUID // receives outgoing data
	WriteMode WriteMode
}

func DefaultAttributeOptions() AttributeOptions {
	return AttributeOptions{RX: DefaultRXUUID, TX: DefaultTXUUID, WriteMode: WriteWithResponse}
}

// Attribute streams data over a notifying RX characteristic and a writable TX
// characteristic. Events arrive through the Registry the connector feeds.
type Attribute struct {
	registry *Registry
	opts     AttributeOptions
	logger   *logrus.Logger

	mu  sync.Mutex
	att *attributeAttachment

	data   *device.Listeners[[]byte]
	closed *device.Listeners[device.Channel]
}

type attributeAttachment struct {
	ch      device.AttributeChannel
	rx, tx  *device.Characteristic
	state   atomic.Int32
	writeMu sync.Mutex
	once    sync.Once
}

func (a *attributeAttachment) close(logger *logrus.Logger) {
	a.once.Do(func() {
		if err := a.ch.Close(); err != nil {
			logger.WithError(err).Debug("Failed to close attribute channel")
		}
	})
}

// NewAttribute creates an attribute transport bound through registry.
func NewAttribute(registry *Registry, opts AttributeOptions, logger *logrus.Logger) (*Attribute, error) {
	if registry == nil {
		return nil, errors.New("transport: registry is required")
	}
	if opts.RX == uuid.Nil || opts.TX == uuid.Nil {
		return nil, errors.New("transport: rx and tx characteristics are required")
	}
	if logger == nil {
		logger = nopLogger()
	}
	return &Attribute{
		registry: registry,
		opts:     opts,
		logger:   logger,
		data:     device.NewListeners[[]byte]("attribute-data", logger),
		closed:   device.NewListeners[device.Channel]("attribute-closed", logger),
	}, nil
}

func (t *Attribute) Attach(ch device.Channel) error {
	ac, ok := ch.(device.AttributeChannel)
	if !ok || ac == nil {
		return fmt.Errorf("%w: attribute transport needs an attribute channel, got %T", device.ErrUnsupported, ch)
	}

	t.Detach()

	log := t.logger.WithFields(logrus.Fields{
		"address": ac.Address(),
		"rx":      device.ShortenUUID(t.opts.RX),
		"tx":      device.ShortenUUID(t.opts.TX),
	})

	services := ac.Services()
	if len(services) == 0 {
		if err := ac.DiscoverServices(); err != nil {
			return fmt.Errorf("discover services: %w", err)
		}
		services = ac.Services()
	}

	rx := device.FindCharacteristic(services, t.opts.RX)
	tx := device.FindCharacteristic(services, t.opts.TX)
	if rx == nil || tx == nil {
		log.Warn("Serial characteristics not found")
		return fmt.Errorf("%w: rx/tx characteristics", device.ErrNotFound)
	}

	if err := ac.SetNotify(rx, true); err != nil {
		return fmt.Errorf("enable notifications: %w", err)
	}
	if cccd := rx.Descriptor(device.ClientCharacteristicConfig); cccd != nil {
		if err := ac.WriteDescriptor(rx, cccd, device.EnableNotificationValue); err != nil {
			return fmt.Errorf("write notification descriptor: %w", err)
		}
	} else {
		log.Debug("RX has no client configuration descriptor")
	}

	att := &attributeAttachment{ch: ac, rx: rx, tx: tx}
	t.mu.Lock()
	t.att = att
	t.mu.Unlock()
	t.registry.bind(ac, t)

	log.WithField("write_mode", t.opts.WriteMode).Debug("Attribute transport attached")
	return nil
}

func (t *Attribute) current() *attributeAttachment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.att
}

func (t *Attribute) handleNotification(ch device.AttributeChannel, characteristic uuid.UUID, value []byte) bool {
	att := t.current()
	if att == nil || att.ch.ID() != ch.ID() {
		return false
	}
	if characteristic != att.rx.UUID {
		return true
	}
	chunk := make([]byte, len(value))
	copy(chunk, value)
	t.data.Emit(chunk)
	return true
}

// handleLost tears the attachment down and fires closed.
func (t *Attribute) handleLost(ch device.AttributeChannel) bool {
	t.mu.Lock()
	att := t.att
	if att == nil || att.ch.ID() != ch.ID() {
		t.mu.Unlock()
		return false
	}
	t.att = nil
	t.mu.Unlock()

	if !att.state.CompareAndSwap(stateAttached, stateLost) {
		return false
	}
	t.registry.unbind(att.ch, t)
	att.close(t.logger)

	t.logger.WithField("address", att.ch.Address()).Info("Attribute channel closed")
	t.closed.Emit(att.ch)
	return true
}

// Detach turns notifications off best-effort and releases the channel.
func (t *Attribute) Detach() {
	t.mu.Lock()
	att := t.att
	t.att = nil
	t.mu.Unlock()

	if att == nil || !att.state.CompareAndSwap(stateAttached, stateDetached) {
		return
	}
	t.registry.unbind(att.ch, t)

	if err := att.ch.SetNotify(att.rx, false); err != nil {
		t.logger.WithError(err).Debug("Failed to disable notifications")
	}
	att.close(t.logger)
	t.logger.WithField("address", att.ch.Address()).Debug("Attribute transport detached")
}

func (t *Attribute) Send(data []byte) error {
	att := t.current()
	if att == nil {
		return device.ErrNotAttached
	}

	att.writeMu.Lock()
	defer att.writeMu.Unlock()

	if err := att.ch.WriteCharacteristic(att.tx, data, t.opts.WriteMode == WriteWithResponse); err != nil {
		t.logger.WithError(err).Warn("Send failed")
		return fmt.Errorf("write characteristic: %w", err)
	}
	return nil
}

func (t *Attribute) OnData(fn func([]byte)) func() {
	return t.data.Add(fn)
}

func (t *Attribute) OnClosed(fn func(device.Channel)) func() {
	return t.closed.Add(fn)
}
