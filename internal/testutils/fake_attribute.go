package testutils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/srg/btlink/internal/device"
)

// Nordic UART identifiers used by attribute tests.
var (
	UARTService = device.MustParseAttributeUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	UARTRX      = device.MustParseAttributeUUID("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
	UARTTX      = device.MustParseAttributeUUID("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
)

// UARTProfile returns a service table with a notifying RX and a writable TX.
func UARTProfile() []*device.Service {
	return []*device.Service{{
		UUID: UARTService,
		Characteristics: []*device.Characteristic{
			{
				UUID:        UARTRX,
				Properties:  device.PropNotify,
				Descriptors: []*device.Descriptor{{UUID: device.ClientCharacteristicConfig}},
			},
			{
				UUID:       UARTTX,
				Properties: device.PropWrite | device.PropWriteNoResp,
			},
		},
	}}
}

// CharWrite records one characteristic write.
type CharWrite struct {
	Characteristic uuid.UUID
	Value          []byte
	WithResponse   bool
}

// DescriptorWrite records one descriptor write.
type DescriptorWrite struct {
	Characteristic uuid.UUID
	Descriptor     uuid.UUID
	Value          []byte
}

// FakeAttributeChannel is an in-memory attribute connection.
type FakeAttributeChannel struct {
	id      string
	addr    string
	events  device.AttributeEvents
	profile []*device.Service

	DiscoverErr error
	NotifyErr   error
	WriteErr    error

	mu         sync.Mutex
	discovered bool
	notify     map[uuid.UUID]bool
	charWrites []CharWrite
	descWrites []DescriptorWrite

	closes atomic.Int32
}

func (c *FakeAttributeChannel) ID() string      { return c.id }
func (c *FakeAttributeChannel) Address() string { return c.addr }

func (c *FakeAttributeChannel) DiscoverServices() error {
	if c.DiscoverErr != nil {
		return c.DiscoverErr
	}
	c.mu.Lock()
	c.discovered = true
	c.mu.Unlock()
	return nil
}

func (c *FakeAttributeChannel) Services() []*device.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.discovered {
		return nil
	}
	return c.profile
}

func (c *FakeAttributeChannel) SetNotify(ch *device.Characteristic, enable bool) error {
	if c.NotifyErr != nil {
		return c.NotifyErr
	}
	c.mu.Lock()
	c.notify[ch.UUID] = enable
	c.mu.Unlock()
	return nil
}

func (c *FakeAttributeChannel) WriteDescriptor(ch *device.Characteristic, d *device.Descriptor, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.descWrites = append(c.descWrites, DescriptorWrite{
		Characteristic: ch.UUID,
		Descriptor:     d.UUID,
		Value:          append([]byte(nil), value...),
	})
	return nil
}

func (c *FakeAttributeChannel) WriteCharacteristic(ch *device.Characteristic, value []byte, withResponse bool) error {
	if c.WriteErr != nil {
		return c.WriteErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.charWrites = append(c.charWrites, CharWrite{
		Characteristic: ch.UUID,
		Value:          append([]byte(nil), value...),
		WithResponse:   withResponse,
	})
	return nil
}

func (c *FakeAttributeChannel) Close() error {
	c.closes.Add(1)
	return nil
}

func (c *FakeAttributeChannel) Closes() int { return int(c.closes.Load()) }

func (c *FakeAttributeChannel) NotifyEnabled(u uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notify[u]
}

func (c *FakeAttributeChannel) CharWrites() []CharWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CharWrite(nil), c.charWrites...)
}

func (c *FakeAttributeChannel) DescriptorWrites() []DescriptorWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DescriptorWrite(nil), c.descWrites...)
}

// Establish reports the link as up.
func (c *FakeAttributeChannel) Establish() {
	c.events.OnConnectionState(c, true, nil)
}

// FailConnect reports a failed connection attempt.
func (c *FakeAttributeChannel) FailConnect(err error) {
	c.events.OnConnectionState(c, false, err)
}

// Lose reports loss of an established link.
func (c *FakeAttributeChannel) Lose() {
	c.events.OnConnectionState(c, false, nil)
}

// Notify delivers a characteristic value change.
func (c *FakeAttributeChannel) Notify(char uuid.UUID, value []byte) {
	c.events.OnNotification(c, char, value)
}

// FakeAttributeDialer creates FakeAttributeChannels. With AutoEstablish each channel
// reports the link as up right after Dial returns.
type FakeAttributeDialer struct {
	DialErr       error
	AutoEstablish bool
	AutoFail      error
	Profile       []*device.Service

	mu       sync.Mutex
	channels []*FakeAttributeChannel
	dialed   chan *FakeAttributeChannel
}

func NewFakeAttributeDialer() *FakeAttributeDialer {
	return &FakeAttributeDialer{
		Profile: UARTProfile(),
		dialed:  make(chan *FakeAttributeChannel, 16),
	}
}

func (d *FakeAttributeDialer) Dial(_ context.Context, address string, events device.AttributeEvents) (device.AttributeChannel, error) {
	if d.DialErr != nil {
		return nil, d.DialErr
	}

	d.mu.Lock()
	ch := &FakeAttributeChannel{
		id:      fmt.Sprintf("fake-%d", len(d.channels)+1),
		addr:    address,
		events:  events,
		profile: d.Profile,
		notify:  make(map[uuid.UUID]bool),
	}
	d.channels = append(d.channels, ch)
	auto, fail := d.AutoEstablish, d.AutoFail
	d.mu.Unlock()

	switch {
	case fail != nil:
		go ch.FailConnect(fail)
	case auto:
		go ch.Establish()
	}
	select {
	case d.dialed <- ch:
	default:
	}
	return ch, nil
}

// Dialed delivers each channel as it is created.
func (d *FakeAttributeDialer) Dialed() <-chan *FakeAttributeChannel { return d.dialed }

func (d *FakeAttributeDialer) Channels() []*FakeAttributeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeAttributeChannel(nil), d.channels...)
}

// NewFakeAttributeChannel creates a standalone, already discovered channel for
// transport tests. Events are ignored.
func NewFakeAttributeChannel(id string, profile []*device.Service) *FakeAttributeChannel {
	return &FakeAttributeChannel{
		id:         id,
		addr:       "AA:BB:CC:DD:EE:FF",
		profile:    profile,
		discovered: true,
		notify:     make(map[uuid.UUID]bool),
		events: device.AttributeEvents{
			OnConnectionState: func(device.AttributeChannel, bool, error) {},
			OnNotification:    func(device.AttributeChannel, uuid.UUID, []byte) {},
		},
	}
}
