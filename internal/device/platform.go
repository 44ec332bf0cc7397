package device

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// Channel is the opaque low-level link a Connector hands to a Transport. Close must be
// safe to call more than once.
type Channel interface {
	Address() string
	Close() error
}

// StreamChannel is a connected classic (RFCOMM-style) socket.
type StreamChannel interface {
	Channel
	io.Reader
	io.Writer
}

// StreamSocket is a classic socket that is not connected yet. A socket whose Connect
// fails must still be closed by its owner.
type StreamSocket interface {
	StreamChannel
	Connect(ctx context.Context) error
}

// Registry resolves classic peripherals by address.
type Registry interface {
	Resolve(address string) (Handle, error)
}

// Handle is a resolved classic peripheral.
type Handle interface {
	Device() Device
	SecureSocket() (StreamSocket, error)
	InsecureSocket() (StreamSocket, error)
}

// AlternateSocketProvider is an optional Handle capability: a last-resort socket on a
// fixed alternate channel. It reports false on any fault.
type AlternateSocketProvider interface {
	AlternateSocket() (StreamSocket, bool)
}

// Property is the characteristic property bit set.
type Property uint8

const (
	PropBroadcast   Property = 0x01
	PropRead        Property = 0x02
	PropWriteNoResp Property = 0x04
	PropWrite       Property = 0x08
	PropNotify      Property = 0x10
	PropIndicate    Property = 0x20
)

func (p Property) Has(flag Property) bool { return p&flag != 0 }

type Descriptor struct {
	UUID uuid.UUID
}

type Characteristic struct {
	UUID        uuid.UUID
	Properties  Property
	Descriptors []*Descriptor
}

// Descriptor returns the descriptor with the given UUID or nil.
func (c *Characteristic) Descriptor(u uuid.UUID) *Descriptor {
	for _, d := range c.Descriptors {
		if d.UUID == u {
			return d
		}
	}
	return nil
}

type Service struct {
	UUID            uuid.UUID
	Characteristics []*Characteristic
}

// FindCharacteristic searches every service for the characteristic UUID.
func FindCharacteristic(services []*Service, u uuid.UUID) *Characteristic {
	for _, s := range services {
		for _, c := range s.Characteristics {
			if c.UUID == u {
				return c
			}
		}
	}
	return nil
}

// AttributeEvents are the platform callbacks of one attribute connection.
type AttributeEvents struct {
	// OnConnectionState reports establishment (true, nil), failure to establish
	// (false, err) and loss of an established link (false, nil or err).
	OnConnectionState func(ch AttributeChannel, connected bool, err error)
	// OnNotification delivers a characteristic value change.
	OnNotification func(ch AttributeChannel, characteristic uuid.UUID, value []byte)
}

// AttributeDialer starts asynchronous attribute (GATT) connections. Dial returns a
// pending channel immediately; the outcome arrives through events.
type AttributeDialer interface {
	Dial(ctx context.Context, address string, events AttributeEvents) (AttributeChannel, error)
}

// AttributeChannel is a pending or established attribute connection.
type AttributeChannel interface {
	Channel
	// ID identifies the channel in the transport registry.
	ID() string
	DiscoverServices() error
	Services() []*Service
	SetNotify(c *Characteristic, enable bool) error
	WriteDescriptor(c *Characteristic, d *Descriptor, value []byte) error
	WriteCharacteristic(c *Characteristic, value []byte, withResponse bool) error
}

// DiscoveryEvents are the platform callbacks of one discovery session.
type DiscoveryEvents struct {
	OnFound    func(Device)
	OnFinished func()
}

// Discoverer runs inquiry/discovery sessions.
type Discoverer interface {
	StartDiscovery(events DiscoveryEvents) error
	CancelDiscovery() error
	BondedDevices() ([]Device, error)
}

// Bonder creates bonds and reports bond-state changes.
type Bonder interface {
	CreateBond(address string) error
	WatchBondState(fn func(Device, BondState)) (stop func(), err error)
}

// BondCanceller is the optional pair of non-public platform calls used to abort a
// pairing. Both report false on any fault.
type BondCanceller interface {
	CancelBondProcess(address string) bool
	RemoveBond(address string) bool
}

// AdapterMonitor exposes the local adapter power state.
type AdapterMonitor interface {
	AdapterStatus() (AdapterStatus, error)
	WatchAdapterStatus(fn func(AdapterStatus)) (stop func(), err error)
	BondedDevices() ([]Device, error)
}

// TryBestEffort runs a best-effort platform call, turning a panic into false.
func TryBestEffort(fn func() bool) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return fn()
}
