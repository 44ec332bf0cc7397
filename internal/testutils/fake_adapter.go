package testutils

import (
	"sync"

	"github.com/srg/btlink/internal/device"
)

// FakeAdapter is an in-memory AdapterMonitor.
type FakeAdapter struct {
	mu        sync.Mutex
	status    device.AdapterStatus
	StatusErr error
	WatchErr  error
	Bonded    []device.Device
	BondedErr error
	watchers  map[int]func(device.AdapterStatus)
	next      int
}

func NewFakeAdapter(status device.AdapterStatus) *FakeAdapter {
	return &FakeAdapter{status: status, watchers: make(map[int]func(device.AdapterStatus))}
}

func (a *FakeAdapter) AdapterStatus() (device.AdapterStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, a.StatusErr
}

func (a *FakeAdapter) WatchAdapterStatus(fn func(device.AdapterStatus)) (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.WatchErr != nil {
		return nil, a.WatchErr
	}
	a.next++
	id := a.next
	a.watchers[id] = fn
	return func() {
		a.mu.Lock()
		delete(a.watchers, id)
		a.mu.Unlock()
	}, nil
}

func (a *FakeAdapter) BondedDevices() ([]device.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.BondedErr != nil {
		return nil, a.BondedErr
	}
	return append([]device.Device(nil), a.Bonded...), nil
}

// Set changes the power state and notifies watchers.
func (a *FakeAdapter) Set(status device.AdapterStatus) {
	a.mu.Lock()
	a.status = status
	fns := make([]func(device.AdapterStatus), 0, len(a.watchers))
	for _, fn := range a.watchers {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

func (a *FakeAdapter) Watchers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.watchers)
}
