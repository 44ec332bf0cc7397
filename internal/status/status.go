// Package status reports the local adapter's power state and bond membership.
package status

import (
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/device"
)

// Manager tracks adapter power transitions and answers bond queries.
type Manager struct {
	monitor device.AdapterMonitor
	logger  *logrus.Logger

	mu     sync.Mutex
	stop   func()
	last   device.AdapterStatus
	known  bool
	closed bool

	listeners *device.Listeners[device.AdapterStatus]
}

// New subscribes to adapter transitions. A failed subscription is logged; IsEnabled
// keeps working by polling the monitor.
func New(monitor device.AdapterMonitor, logger *logrus.Logger) (*Manager, error) {
	if monitor == nil {
		return nil, errors.New("status: adapter monitor is required")
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	m := &Manager{
		monitor:   monitor,
		logger:    logger,
		listeners: device.NewListeners[device.AdapterStatus]("adapter-status", logger),
	}

	stop, err := monitor.WatchAdapterStatus(m.handle)
	if err != nil {
		logger.WithError(err).Warn("Adapter status updates unavailable")
	} else {
		m.stop = stop
	}
	return m, nil
}

func (m *Manager) handle(s device.AdapterStatus) {
	m.mu.Lock()
	if m.closed || (m.known && m.last == s) {
		m.mu.Unlock()
		return
	}
	m.last, m.known = s, true
	m.mu.Unlock()

	m.logger.WithField("status", s).Debug("Adapter status changed")
	m.listeners.Emit(s)
}

// IsEnabled reports whether the adapter is powered. Errors read as disabled.
func (m *Manager) IsEnabled() bool {
	s, err := m.monitor.AdapterStatus()
	if err != nil {
		m.logger.WithError(err).Debug("Failed to read adapter status")
		return false
	}
	return s == device.AdapterEnabled
}

func (m *Manager) OnStatusChanged(fn func(device.AdapterStatus)) func() {
	return m.listeners.Add(fn)
}

// IsDevicePaired reports whether d is in the adapter's bonded set.
func (m *Manager) IsDevicePaired(d device.Device) bool {
	if d.Address == "" {
		return false
	}
	bonded, err := m.monitor.BondedDevices()
	if err != nil {
		m.logger.WithError(err).Debug("Failed to read bonded devices")
		return false
	}
	for _, b := range bonded {
		if device.SameAddress(b.Address, d.Address) {
			return true
		}
	}
	return false
}

// Close stops watching the adapter and drops listeners. Safe to call twice.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.listeners.Clear()
}
