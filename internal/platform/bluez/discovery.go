package bluez

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/srg/btlink/internal/device"
)

type discoverySession struct {
	events device.DiscoveryEvents
	stop   []func()
	timer  *time.Timer
	once   sync.Once
}

func (s *discoverySession) finish() {
	s.once.Do(func() {
		if s.events.OnFinished != nil {
			s.events.OnFinished()
		}
	})
}

// StartDiscovery starts an adapter discovery session. Devices are reported when they
// first appear and whenever BlueZ sees them advertise again (an RSSI update). The
// session ends on CancelDiscovery, when the adapter stops discovering on its own, or
// after the discovery window.
func (b *Backend) StartDiscovery(events device.DiscoveryEvents) error {
	b.scanMu.Lock()
	defer b.scanMu.Unlock()

	if b.session != nil {
		return errors.New("discovery already running")
	}
	s := &discoverySession{events: events}

	stopDevices, err := subscribe(b, b.events, topicDevice, "bluez-discovery", func(e event) {
		b.reportFound(s, e)
	})
	if err != nil {
		return err
	}
	stopAdapter, err := subscribe(b, b.events, topicAdapter, "bluez-discovery-state", func(e event) {
		if discovering, ok := prop[bool](e.changed, "Discovering"); ok && !discovering {
			b.logger.Debug("Adapter stopped discovering")
			b.endSession(s, false)
		}
	})
	if err != nil {
		stopDevices()
		return err
	}
	s.stop = []func(){stopDevices, stopAdapter}

	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("auto")}
	if call := b.bus.Call(b.ctx, b.adapterPath, adapterIface+".SetDiscoveryFilter", filter); call.Err != nil {
		b.logger.WithError(call.Err).Debug("Discovery filter rejected")
	}
	if call := b.bus.Call(b.ctx, b.adapterPath, adapterIface+".StartDiscovery"); call.Err != nil {
		for _, fn := range s.stop {
			fn()
		}
		return wrapCall(call.Err, "start-discovery", "Cannot start discovery")
	}

	window := b.opts.DiscoveryWindow
	s.timer = time.AfterFunc(window, func() {
		b.logger.WithField("window", window).Debug("Discovery window elapsed")
		b.endSession(s, true)
	})
	b.session = s
	b.logger.WithField("adapter", b.opts.Adapter).Debug("Discovery started")
	return nil
}

func (b *Backend) reportFound(s *discoverySession, e event) {
	if e.removed || s.events.OnFound == nil {
		return
	}
	if _, seen := e.changed["RSSI"]; !e.added && !seen {
		return
	}
	s.events.OnFound(deviceOf(e.path, e.props))
}

// endSession closes s once. stopAdapter asks BlueZ to stop discovering.
func (b *Backend) endSession(s *discoverySession, stopAdapter bool) {
	b.scanMu.Lock()
	if b.session != s {
		b.scanMu.Unlock()
		return
	}
	b.session = nil
	b.scanMu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	for _, fn := range s.stop {
		fn()
	}
	if stopAdapter {
		if call := b.bus.Call(b.ctx, b.adapterPath, adapterIface+".StopDiscovery"); call.Err != nil {
			b.logger.WithError(call.Err).Debug("StopDiscovery failed")
		}
	}
	s.finish()
}

func (b *Backend) CancelDiscovery() error {
	b.scanMu.Lock()
	s := b.session
	b.scanMu.Unlock()
	if s != nil {
		b.endSession(s, true)
	}
	return nil
}

// BondedDevices lists the paired devices of the adapter ordered by address.
func (b *Backend) BondedDevices() ([]device.Device, error) {
	objects, err := b.managedObjects()
	if err != nil {
		return nil, err
	}
	var out []device.Device
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok || !b.ownsDevice(path) || bondStateOf(props) != device.BondBonded {
			continue
		}
		out = append(out, deviceOf(path, props))
	}
	slices.SortFunc(out, func(a, c device.Device) int { return strings.Compare(a.Address, c.Address) })
	return out, nil
}
