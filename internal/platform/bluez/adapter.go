package bluez

import (
	"github.com/godbus/dbus/v5"

	"github.com/srg/btlink/internal/device"
)

// AdapterStatus reads the adapter power state.
func (b *Backend) AdapterStatus() (device.AdapterStatus, error) {
	props := make(map[string]dbus.Variant, 2)
	if v, err := b.adapterProperty("PowerState"); err == nil {
		props["PowerState"] = v
	}
	v, err := b.adapterProperty("Powered")
	if err != nil && len(props) == 0 {
		return device.AdapterDisabled, err
	}
	if err == nil {
		props["Powered"] = v
	}
	status, _ := adapterStatusOf(props)
	return status, nil
}

// WatchAdapterStatus reports power transitions of the adapter.
func (b *Backend) WatchAdapterStatus(fn func(device.AdapterStatus)) (func(), error) {
	return subscribe(b, b.events, topicAdapter, "bluez-adapter-watch", func(e event) {
		if status, ok := adapterStatusOf(e.changed); ok {
			fn(status)
		}
	})
}
