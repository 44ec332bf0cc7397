package testutils

import (
	"sync"

	"github.com/srg/btlink/internal/device"
)

// FakeDiscovery is an in-memory discovery and bonding backend. Tests drive it with
// Found, Finish and EmitBond.
type FakeDiscovery struct {
	mu sync.Mutex

	StartErr      error
	CancelErr     error
	BondedErr     error
	CreateBondErr error
	WatchErr      error
	Bonded        []device.Device

	CancelBondResult bool
	RemoveBondResult bool
	PanicOnCancel    bool

	events      *device.DiscoveryEvents
	watchers    map[int]func(device.Device, device.BondState)
	nextWatcher int
	calls       map[string]int
	bondTargets []string
}

func NewFakeDiscovery() *FakeDiscovery {
	return &FakeDiscovery{
		watchers: make(map[int]func(device.Device, device.BondState)),
		calls:    make(map[string]int),
	}
}

func (f *FakeDiscovery) count(name string) {
	f.calls[name]++
}

// Calls returns how many times the named method ran.
func (f *FakeDiscovery) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *FakeDiscovery) StartDiscovery(events device.DiscoveryEvents) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("StartDiscovery")
	if f.StartErr != nil {
		return f.StartErr
	}
	f.events = &events
	return nil
}

func (f *FakeDiscovery) CancelDiscovery() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("CancelDiscovery")
	return f.CancelErr
}

func (f *FakeDiscovery) BondedDevices() ([]device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("BondedDevices")
	if f.BondedErr != nil {
		return nil, f.BondedErr
	}
	out := make([]device.Device, len(f.Bonded))
	copy(out, f.Bonded)
	return out, nil
}

func (f *FakeDiscovery) currentEvents() *device.DiscoveryEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

// Found reports a peripheral to the latest discovery session.
func (f *FakeDiscovery) Found(d device.Device) {
	if ev := f.currentEvents(); ev != nil && ev.OnFound != nil {
		ev.OnFound(d)
	}
}

// Finish ends the latest discovery session from the platform side.
func (f *FakeDiscovery) Finish() {
	if ev := f.currentEvents(); ev != nil && ev.OnFinished != nil {
		ev.OnFinished()
	}
}

func (f *FakeDiscovery) CreateBond(address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("CreateBond")
	f.bondTargets = append(f.bondTargets, address)
	return f.CreateBondErr
}

// BondTargets returns the addresses CreateBond was called with.
func (f *FakeDiscovery) BondTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.bondTargets))
	copy(out, f.bondTargets)
	return out
}

func (f *FakeDiscovery) WatchBondState(fn func(device.Device, device.BondState)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("WatchBondState")
	if f.WatchErr != nil {
		return nil, f.WatchErr
	}
	f.nextWatcher++
	id := f.nextWatcher
	f.watchers[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.watchers, id)
		f.mu.Unlock()
	}, nil
}

// Watchers returns the number of active bond-state watches.
func (f *FakeDiscovery) Watchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

// EmitBond broadcasts a bond-state change to the active watches.
func (f *FakeDiscovery) EmitBond(d device.Device, state device.BondState) {
	f.mu.Lock()
	fns := make([]func(device.Device, device.BondState), 0, len(f.watchers))
	for _, fn := range f.watchers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(d, state)
	}
}

func (f *FakeDiscovery) CancelBondProcess(string) bool {
	f.mu.Lock()
	f.count("CancelBondProcess")
	panicking := f.PanicOnCancel
	result := f.CancelBondResult
	f.mu.Unlock()

	if panicking {
		panic("hidden API unavailable")
	}
	return result
}

func (f *FakeDiscovery) RemoveBond(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("RemoveBond")
	return f.RemoveBondResult
}
