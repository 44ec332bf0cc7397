package device

import "fmt"

// Kind is the radio technology a peripheral speaks.
type Kind int

const (
	KindUnknown Kind = iota
	KindClassic
	KindAttribute
	KindDual
)

func (k Kind) String() string {
	switch k {
	case KindClassic:
		return "classic"
	case KindAttribute:
		return "attribute"
	case KindDual:
		return "dual"
	default:
		return "unknown"
	}
}

// BondState is the pairing state of a peripheral.
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
	BondFailed
)

func (s BondState) String() string {
	switch s {
	case BondBonding:
		return "bonding"
	case BondBonded:
		return "bonded"
	case BondFailed:
		return "failed"
	default:
		return "none"
	}
}

// Device is an immutable snapshot of a peripheral as the platform last reported it.
type Device struct {
	Address   string    `json:"address" codec:"address"`
	Name      string    `json:"name,omitempty" codec:"name,omitempty"`
	Kind      Kind      `json:"kind" codec:"kind"`
	BondState BondState `json:"bond_state" codec:"bond_state"`
}

// IsPaired reports whether the snapshot was taken in the bonded state.
func (d Device) IsPaired() bool {
	return d.BondState == BondBonded
}

// DisplayName returns the name, or the address for unnamed peripherals.
func (d Device) DisplayName() string {
	if d.Name == "" {
		return d.Address
	}
	return d.Name
}

func (d Device) String() string {
	return fmt.Sprintf("%s [%s, %s, %s]", d.DisplayName(), d.Address, d.Kind, d.BondState)
}

// PairingStatus is one observation of a bond-state change for a peripheral.
type PairingStatus struct {
	Device Device
	State  BondState
}

// IsFinal is true for bonded, none and failed; only bonding is transient.
func (p PairingStatus) IsFinal() bool {
	return p.State != BondBonding
}

func (p PairingStatus) IsPaired() bool {
	return p.State == BondBonded
}

// ConnectionStatus is the lifecycle state of a link owned by a Connector.
type ConnectionStatus int

const (
	StatusConnecting ConnectionStatus = iota
	StatusConnected
	StatusDisconnected
	StatusFailed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("ConnectionStatus(%d)", int(s))
	}
}

// AdapterStatus is the power state of the local adapter.
type AdapterStatus int

const (
	AdapterDisabled AdapterStatus = iota
	AdapterEnabling
	AdapterEnabled
	AdapterDisabling
)

func (s AdapterStatus) String() string {
	switch s {
	case AdapterEnabling:
		return "enabling"
	case AdapterEnabled:
		return "enabled"
	case AdapterDisabling:
		return "disabling"
	default:
		return "disabled"
	}
}
