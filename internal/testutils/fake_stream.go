package testutils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/srg/btlink/internal/device"
)

// FakeStreamSocket is an in-memory classic socket. Tests push inbound bytes with
// PushData, inspect outbound bytes with Written and simulate link loss with RemoteClose.
type FakeStreamSocket struct {
	Kind string

	addr       string
	connectErr error
	block      bool

	inR *io.PipeReader
	inW *io.PipeWriter

	mu       sync.Mutex
	out      bytes.Buffer
	WriteErr error

	closes    atomic.Int32
	connected atomic.Bool
}

func NewFakeStreamSocket(address, kind string) *FakeStreamSocket {
	r, w := io.Pipe()
	return &FakeStreamSocket{addr: address, Kind: kind, inR: r, inW: w}
}

func (s *FakeStreamSocket) Address() string { return s.addr }

func (s *FakeStreamSocket) Connect(ctx context.Context) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected.Store(true)
	return nil
}

func (s *FakeStreamSocket) Read(p []byte) (int, error) {
	return s.inR.Read(p)
}

func (s *FakeStreamSocket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return 0, s.WriteErr
	}
	if s.closes.Load() > 0 {
		return 0, io.ErrClosedPipe
	}
	return s.out.Write(p)
}

// Close counts every call; the first one ends pending reads.
func (s *FakeStreamSocket) Close() error {
	if s.closes.Add(1) == 1 {
		_ = s.inR.CloseWithError(io.ErrClosedPipe)
	}
	return nil
}

// Closes returns how many times Close was called.
func (s *FakeStreamSocket) Closes() int { return int(s.closes.Load()) }

func (s *FakeStreamSocket) Connected() bool { return s.connected.Load() }

// PushData delivers inbound bytes; it blocks until the reader consumes them.
func (s *FakeStreamSocket) PushData(p []byte) error {
	_, err := s.inW.Write(p)
	return err
}

// RemoteClose ends the inbound stream as a peer hang-up would.
func (s *FakeStreamSocket) RemoteClose() {
	_ = s.inW.Close()
}

// FailReads makes pending and future reads fail with err.
func (s *FakeStreamSocket) FailReads(err error) {
	_ = s.inW.CloseWithError(err)
}

func (s *FakeStreamSocket) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.out.Bytes()...)
}

// FakeHandle hands out FakeStreamSockets for one peripheral.
type FakeHandle struct {
	Dev device.Device

	SecureCreateErr     error
	SecureConnectErr    error
	InsecureCreateErr   error
	InsecureConnectErr  error
	AlternateAvailable  bool
	AlternateConnectErr error
	// BlockConnect makes every socket wait for context cancellation in Connect.
	BlockConnect bool

	mu      sync.Mutex
	sockets []*FakeStreamSocket
}

func NewFakeHandle(address string) *FakeHandle {
	return &FakeHandle{Dev: device.Device{Address: address, Kind: device.KindClassic, BondState: device.BondBonded}}
}

func (h *FakeHandle) Device() device.Device { return h.Dev }

func (h *FakeHandle) newSocket(kind string, connectErr error) *FakeStreamSocket {
	s := NewFakeStreamSocket(h.Dev.Address, kind)
	s.connectErr = connectErr
	s.block = h.BlockConnect
	h.mu.Lock()
	h.sockets = append(h.sockets, s)
	h.mu.Unlock()
	return s
}

func (h *FakeHandle) SecureSocket() (device.StreamSocket, error) {
	if h.SecureCreateErr != nil {
		return nil, h.SecureCreateErr
	}
	return h.newSocket("secure", h.SecureConnectErr), nil
}

func (h *FakeHandle) InsecureSocket() (device.StreamSocket, error) {
	if h.InsecureCreateErr != nil {
		return nil, h.InsecureCreateErr
	}
	return h.newSocket("insecure", h.InsecureConnectErr), nil
}

func (h *FakeHandle) AlternateSocket() (device.StreamSocket, bool) {
	if !h.AlternateAvailable {
		return nil, false
	}
	return h.newSocket("alternate", h.AlternateConnectErr), true
}

// Sockets returns every socket created so far, in creation order.
func (h *FakeHandle) Sockets() []*FakeStreamSocket {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*FakeStreamSocket, len(h.sockets))
	copy(out, h.sockets)
	return out
}

// Last returns the most recently created socket or nil.
func (h *FakeHandle) Last() *FakeStreamSocket {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sockets) == 0 {
		return nil
	}
	return h.sockets[len(h.sockets)-1]
}

// FakeRegistry resolves addresses to FakeHandles.
type FakeRegistry struct {
	mu         sync.Mutex
	handles    map[string]*FakeHandle
	resolved   []string
	ResolveErr error
}

func NewFakeRegistry(handles ...*FakeHandle) *FakeRegistry {
	r := &FakeRegistry{handles: make(map[string]*FakeHandle)}
	for _, h := range handles {
		r.handles[device.NormalizeAddress(h.Dev.Address)] = h
	}
	return r
}

func (r *FakeRegistry) Resolve(address string) (device.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, device.NormalizeAddress(address))
	if r.ResolveErr != nil {
		return nil, r.ResolveErr
	}
	h, ok := r.handles[device.NormalizeAddress(address)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrNotFound, address)
	}
	return h, nil
}

// Resolved returns every address passed to Resolve, normalized, in call order.
func (r *FakeRegistry) Resolved() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.resolved...)
}

// Add registers another handle.
func (r *FakeRegistry) Add(h *FakeHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[device.NormalizeAddress(h.Dev.Address)] = h
}
