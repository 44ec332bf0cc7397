package bluez

import (
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/srg/btlink/internal/device"
)

// devicePath maps "AA:BB:CC:DD:EE:FF" to "<adapter>/dev_AA_BB_CC_DD_EE_FF".
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(device.NormalizeAddress(address), ":", "_"))
}

func addressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return ""
	}
	return strings.ReplaceAll(s[i+len("/dev_"):], "_", ":")
}

func parentPath(path dbus.ObjectPath) dbus.ObjectPath {
	s := string(path)
	i := strings.LastIndex(s, "/")
	if i <= 0 {
		return "/"
	}
	return dbus.ObjectPath(s[:i])
}

func prop[T any](props map[string]dbus.Variant, name string) (T, bool) {
	var zero T
	v, ok := props[name]
	if !ok {
		return zero, false
	}
	t, ok := v.Value().(T)
	return t, ok
}

func bondStateOf(props map[string]dbus.Variant) device.BondState {
	if paired, _ := prop[bool](props, "Paired"); paired {
		return device.BondBonded
	}
	if bonded, _ := prop[bool](props, "Bonded"); bonded {
		return device.BondBonded
	}
	return device.BondNone
}

// kindOf infers the radio technology: a class of device means BR/EDR, an appearance
// or a random address means LE.
func kindOf(props map[string]dbus.Variant) device.Kind {
	_, classic := prop[uint32](props, "Class")
	_, appearance := prop[uint16](props, "Appearance")
	addrType, _ := prop[string](props, "AddressType")
	le := appearance || addrType == "random"

	switch {
	case classic && le:
		return device.KindDual
	case classic:
		return device.KindClassic
	case le:
		return device.KindAttribute
	default:
		return device.KindUnknown
	}
}

// deviceOf builds a snapshot from Device1 properties, falling back to the path for
// the address.
func deviceOf(path dbus.ObjectPath, props map[string]dbus.Variant) device.Device {
	addr, _ := prop[string](props, "Address")
	if addr == "" {
		addr = addressFromPath(path)
	}
	name, _ := prop[string](props, "Name")
	if name == "" {
		if alias, ok := prop[string](props, "Alias"); ok && !sameAsAddress(alias, addr) {
			name = alias
		}
	}
	return device.Device{
		Address:   device.NormalizeAddress(addr),
		Name:      name,
		Kind:      kindOf(props),
		BondState: bondStateOf(props),
	}
}

// BlueZ sets Alias to the dashed address for unnamed devices.
func sameAsAddress(alias, addr string) bool {
	return device.SameAddress(alias, addr)
}

// adapterStatusOf maps Adapter1 PowerState (BlueZ 5.64+) or Powered.
func adapterStatusOf(props map[string]dbus.Variant) (device.AdapterStatus, bool) {
	if ps, ok := prop[string](props, "PowerState"); ok {
		switch ps {
		case "on":
			return device.AdapterEnabled, true
		case "off-enabling":
			return device.AdapterEnabling, true
		case "on-disabling":
			return device.AdapterDisabling, true
		case "off", "off-blocked":
			return device.AdapterDisabled, true
		}
	}
	if powered, ok := prop[bool](props, "Powered"); ok {
		if powered {
			return device.AdapterEnabled, true
		}
		return device.AdapterDisabled, true
	}
	return device.AdapterDisabled, false
}
