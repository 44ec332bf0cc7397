// Package scanner discovers peripherals and drives the pairing flow.
package scanner

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/btlink/internal/device"
)

// Platform is what the scanner needs from a backend.
type Platform interface {
	device.Discoverer
	device.Bonder
}

// Options configures discovery filtering.
type Options struct {
	AllowList []string // if set, only these addresses are reported
	BlockList []string // never reported
}

// DefaultOptions returns options that report every peripheral.
func DefaultOptions() *Options {
	return &Options{}
}

// Scanner runs discovery sessions and tracks one pairing at a time.
//
// Start and stop are idempotent. Within a session each address is reported at most
// once, and the finished event fires exactly once per session whether the platform ends
// it or StopScan does.
type Scanner struct {
	platform  Platform
	canceller device.BondCanceller
	opts      *Options
	logger    *logrus.Logger

	mu       sync.Mutex
	scanning bool
	session  uint64
	devices  *orderedmap.OrderedMap[string, device.Device]

	pairTarget    string
	pairDevice    device.Device
	stopBondWatch func()

	found    *device.Listeners[device.Device]
	finished *device.Listeners[struct{}]
	pairing  *device.Listeners[device.PairingStatus]
}

// New creates a scanner. The platform may also implement device.BondCanceller; without
// it CancelPairing still emits the final none status.
func New(platform Platform, opts *Options, logger *logrus.Logger) (*Scanner, error) {
	if platform == nil {
		return nil, errors.New("scanner: platform is required")
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	s := &Scanner{
		platform: platform,
		opts:     opts,
		logger:   logger,
		devices:  orderedmap.New[string, device.Device](),
		found:    device.NewListeners[device.Device]("device-found", logger),
		finished: device.NewListeners[struct{}]("discovery-finished", logger),
		pairing:  device.NewListeners[device.PairingStatus]("pairing-status", logger),
	}
	if c, ok := platform.(device.BondCanceller); ok {
		s.canceller = c
	}
	return s, nil
}

// StartScan opens a discovery session. It is a no-op while a session is running. A
// platform start failure opens no session and emits no finished event.
func (s *Scanner) StartScan() error {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		s.logger.Debug("Scan already running")
		return nil
	}
	s.scanning = true
	s.session++
	session := s.session
	s.devices = orderedmap.New[string, device.Device]()
	s.mu.Unlock()

	s.logger.WithField("session", session).Info("Starting discovery...")

	err := s.platform.StartDiscovery(device.DiscoveryEvents{
		OnFound:    func(d device.Device) { s.handleFound(session, d) },
		OnFinished: func() { s.finishSession(session) },
	})
	if err != nil {
		s.mu.Lock()
		if s.session == session {
			s.scanning = false
		}
		s.mu.Unlock()
		s.logger.WithError(err).Warn("Failed to start discovery")
		return device.NewConnectionError("start discovery", err)
	}
	return nil
}

// StopScan ends the running session and emits finished. It is a no-op when idle.
func (s *Scanner) StopScan() {
	s.mu.Lock()
	if !s.scanning {
		s.mu.Unlock()
		return
	}
	session := s.session
	s.mu.Unlock()

	if err := s.platform.CancelDiscovery(); err != nil {
		s.logger.WithError(err).Warn("Failed to cancel discovery")
	}
	s.finishSession(session)
}

// finishSession emits finished once for the given session.
func (s *Scanner) finishSession(session uint64) {
	s.mu.Lock()
	if !s.scanning || s.session != session {
		s.mu.Unlock()
		return
	}
	s.scanning = false
	count := s.devices.Len()
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"session":      session,
		"device_count": count,
	}).Info("Discovery finished")
	s.finished.Emit(struct{}{})
}

func (s *Scanner) handleFound(session uint64, d device.Device) {
	addr, err := device.ValidateAddress(d.Address)
	if err != nil {
		s.logger.WithError(err).Debug("Ignoring peripheral with invalid address")
		return
	}
	d.Address = addr

	s.mu.Lock()
	if !s.scanning || s.session != session {
		s.mu.Unlock()
		return
	}
	if _, seen := s.devices.Get(addr); seen || !s.shouldInclude(addr) {
		s.mu.Unlock()
		return
	}
	s.devices.Set(addr, d)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"device":  d.DisplayName(),
		"address": d.Address,
		"kind":    d.Kind,
	}).Info("Discovered new device")
	s.found.Emit(d)
}

// shouldInclude applies the allow and block lists.
func (s *Scanner) shouldInclude(addr string) bool {
	for _, blocked := range s.opts.BlockList {
		if device.SameAddress(addr, blocked) {
			return false
		}
	}
	if len(s.opts.AllowList) == 0 {
		return true
	}
	for _, a := range s.opts.AllowList {
		if device.SameAddress(addr, a) {
			return true
		}
	}
	return false
}

// IsScanning reports whether a session is open.
func (s *Scanner) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Devices returns the peripherals of the current or last session in discovery order.
func (s *Scanner) Devices() []device.Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	devs := make([]device.Device, 0, s.devices.Len())
	for pair := s.devices.Oldest(); pair != nil; pair = pair.Next() {
		devs = append(devs, pair.Value)
	}
	return devs
}

// PairedDevices returns the platform bonded set; platform errors yield an empty list.
func (s *Scanner) PairedDevices() []device.Device {
	devs, err := s.platform.BondedDevices()
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read bonded devices")
		return []device.Device{}
	}
	out := make([]device.Device, 0, len(devs))
	out = append(out, devs...)
	return out
}

func (s *Scanner) OnDeviceFound(fn func(device.Device)) func() {
	return s.found.Add(fn)
}

func (s *Scanner) OnDiscoveryFinished(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	return s.finished.Add(func(struct{}) { fn() })
}

func (s *Scanner) OnPairingStatusChanged(fn func(device.PairingStatus)) func() {
	return s.pairing.Add(fn)
}

// PairDevice starts bonding with d and tracks its bond state until a final state.
// A start failure emits a failed status and returns a PairingFailed error.
func (s *Scanner) PairDevice(d device.Device) error {
	addr, err := device.ValidateAddress(d.Address)
	if err != nil {
		return device.NewPairingError("pair", err)
	}
	d.Address = addr

	s.mu.Lock()
	s.pairTarget = addr
	s.pairDevice = d
	watching := s.stopBondWatch != nil
	s.mu.Unlock()

	if !watching {
		stop, err := s.platform.WatchBondState(s.handleBondState)
		if err != nil {
			return s.failPairing(d, device.NewPairingError("watch bond state", err))
		}
		s.mu.Lock()
		if s.stopBondWatch == nil && s.pairTarget != "" {
			s.stopBondWatch = stop
			stop = nil
		}
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
	}

	s.logger.WithField("address", addr).Info("Starting pairing...")
	if err := s.platform.CreateBond(addr); err != nil {
		return s.failPairing(d, device.NewPairingError("create bond", err))
	}
	return nil
}

func (s *Scanner) failPairing(d device.Device, err error) error {
	s.logger.WithError(err).WithField("address", d.Address).Warn("Pairing failed to start")
	d.BondState = device.BondFailed
	s.pairing.Emit(device.PairingStatus{Device: d, State: device.BondFailed})
	s.StopListeningForPairingStatus()
	return err
}

// handleBondState forwards platform bond changes for the pairing target.
func (s *Scanner) handleBondState(d device.Device, state device.BondState) {
	s.mu.Lock()
	target := s.pairTarget
	s.mu.Unlock()

	if target == "" || !device.SameAddress(target, d.Address) {
		return
	}

	d.Address = target
	d.BondState = state
	status := device.PairingStatus{Device: d, State: state}
	s.logger.WithFields(logrus.Fields{
		"address": target,
		"state":   state,
	}).Debug("Bond state changed")

	s.pairing.Emit(status)
	if status.IsFinal() {
		s.StopListeningForPairingStatus()
	}
}

// CancelPairing aborts the tracked pairing: a graceful cancel first, a forced unbind if
// that fails. A final none status is emitted and tracking released either way. No-op
// without an active pairing.
func (s *Scanner) CancelPairing() {
	s.mu.Lock()
	target := s.pairTarget
	d := s.pairDevice
	s.mu.Unlock()

	if target == "" {
		return
	}

	log := s.logger.WithField("address", target)
	if s.canceller == nil {
		log.Warn("Pairing cancellation is not supported by the platform")
	} else if device.TryBestEffort(func() bool { return s.canceller.CancelBondProcess(target) }) {
		log.Info("Pairing cancelled")
	} else if device.TryBestEffort(func() bool { return s.canceller.RemoveBond(target) }) {
		log.Info("Pairing aborted by removing the bond")
	} else {
		log.Warn("Failed to cancel pairing")
	}

	d.BondState = device.BondNone
	s.pairing.Emit(device.PairingStatus{Device: d, State: device.BondNone})
	s.StopListeningForPairingStatus()
}

// StopListeningForPairingStatus drops the pairing target and the platform watch.
func (s *Scanner) StopListeningForPairingStatus() {
	s.mu.Lock()
	s.pairTarget = ""
	s.pairDevice = device.Device{}
	stop := s.stopBondWatch
	s.stopBondWatch = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Close stops discovery and pairing tracking and drops all listeners.
func (s *Scanner) Close() {
	s.StopScan()
	s.StopListeningForPairingStatus()
	s.found.Clear()
	s.finished.Clear()
	s.pairing.Clear()
}

func (s *Scanner) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("Scanner{scanning: %t, devices: %d, pairing: %q}", s.scanning, s.devices.Len(), s.pairTarget)
}
