// Package client composes a scanner, a connector, a transport and a status manager into
// one Bluetooth client with automatic reconnection.
package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/connector"
	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/executor"
	"github.com/srg/btlink/internal/groutine"
	"github.com/srg/btlink/internal/transport"
)

// Scanner drives discovery and pairing.
type Scanner interface {
	StartScan() error
	StopScan()
	Devices() []device.Device
	PairedDevices() []device.Device
	OnDeviceFound(fn func(device.Device)) func()
	OnDiscoveryFinished(fn func()) func()
	OnPairingStatusChanged(fn func(device.PairingStatus)) func()
	PairDevice(d device.Device) error
	CancelPairing()
	StopListeningForPairingStatus()
}

// StatusManager reports adapter state.
type StatusManager interface {
	IsEnabled() bool
	OnStatusChanged(fn func(device.AdapterStatus)) func()
	IsDevicePaired(d device.Device) bool
}

// Options tune timing and callback delivery.
type Options struct {
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	PairTimeout        time.Duration
	MinScanTimeout     time.Duration
	// Executor delivers every user callback. Defaults to executor.Direct.
	Executor executor.Executor
}

func DefaultOptions() Options {
	return Options{
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  15 * time.Second,
		PairTimeout:        30 * time.Second,
		MinScanTimeout:     100 * time.Millisecond,
		Executor:           executor.Direct{},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if o.PairTimeout <= 0 {
		o.PairTimeout = d.PairTimeout
	}
	if o.MinScanTimeout <= 0 {
		o.MinScanTimeout = d.MinScanTimeout
	}
	if o.Executor == nil {
		o.Executor = d.Executor
	}
	return o
}

// Client is the single entry point for scanning, pairing, connecting and data exchange.
type Client struct {
	scanner   Scanner
	connector connector.Connector
	transport transport.Transport
	status    StatusManager
	opts      Options
	exec      executor.Executor
	io        *executor.Serial
	logger    *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu            sync.Mutex
	lastTarget    string
	autoReconnect bool
	reconnect     *reconnectTask

	opsMu   sync.Mutex
	nextOp  uint64
	pending map[uint64]func() // abandons an in-flight async operation
}

// New wires the components together. Every argument except logger is required.
func New(sc Scanner, conn connector.Connector, tr transport.Transport, st StatusManager, opts Options, logger *logrus.Logger) (*Client, error) {
	switch {
	case sc == nil:
		return nil, errors.New("client: scanner is required")
	case conn == nil:
		return nil, errors.New("client: connector is required")
	case tr == nil:
		return nil, errors.New("client: transport is required")
	case st == nil:
		return nil, errors.New("client: status manager is required")
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		scanner:       sc,
		connector:     conn,
		transport:     tr,
		status:        st,
		opts:          opts,
		exec:          opts.Executor,
		io:            executor.NewSerial("bt-client-io", logger),
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		autoReconnect: true,
		pending:       make(map[uint64]func()),
	}

	tr.OnClosed(c.handleTransportClosed)
	conn.OnStatusChanged(c.handleStatus)
	return c, nil
}

// handleTransportClosed feeds a dead channel back into the connector, unless a newer
// link has replaced it.
func (c *Client) handleTransportClosed(ch device.Channel) {
	if cur := c.connector.LowLevelChannel(); cur == nil || cur != ch {
		c.logger.Debug("Stale channel closed, ignoring")
		return
	}
	c.logger.Info("Link closed by peer")
	c.connector.Disconnect()
}

func (c *Client) handleStatus(s device.ConnectionStatus) {
	c.logger.WithField("status", s).Debug("Connection status")
	switch s {
	case device.StatusConnected:
		if err := c.transport.Attach(c.connector.LowLevelChannel()); err != nil {
			c.logger.WithError(err).Warn("Transport attach failed")
		}
	case device.StatusConnecting:
	default:
		c.transport.Detach()
		c.maybeScheduleReconnect()
	}
}

// ---- scanning ----

func (c *Client) StartScan() error { return c.scanner.StartScan() }
func (c *Client) StopScan()        { c.scanner.StopScan() }

func (c *Client) Devices() []device.Device       { return c.scanner.Devices() }
func (c *Client) PairedDevices() []device.Device { return c.scanner.PairedDevices() }

func (c *Client) OnDeviceFound(fn func(device.Device)) func() {
	if fn == nil {
		return func() {}
	}
	return c.scanner.OnDeviceFound(func(d device.Device) {
		c.exec.Post(func() { fn(d) })
	})
}

func (c *Client) OnDiscoveryFinished(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	return c.scanner.OnDiscoveryFinished(func() { c.exec.Post(fn) })
}

// ---- pairing ----

func (c *Client) PairDevice(d device.Device) error { return c.scanner.PairDevice(d) }
func (c *Client) CancelPairing()                   { c.scanner.CancelPairing() }
func (c *Client) StopListeningForPairingStatus()   { c.scanner.StopListeningForPairingStatus() }

func (c *Client) OnPairingStatusChanged(fn func(device.PairingStatus)) func() {
	if fn == nil {
		return func() {}
	}
	return c.scanner.OnPairingStatusChanged(func(ps device.PairingStatus) {
		c.exec.Post(func() { fn(ps) })
	})
}

// ---- connection ----

// Connect makes address the reconnect target, re-enables auto-reconnect, stops any
// reconnect loop and connects. It blocks until the connector settles.
func (c *Client) Connect(address string) error {
	if c.closed.Load() {
		return device.NewCancelledError("client is shut down")
	}
	addr, err := device.ValidateAddress(address)
	if err != nil {
		return device.NewConnectionError("connect", err)
	}

	c.mu.Lock()
	c.lastTarget = addr
	c.autoReconnect = true
	task := c.cancelReconnectLocked()
	c.mu.Unlock()

	task.wait()
	return c.connector.Connect(c.ctx, addr)
}

// Disconnect turns auto-reconnect off, stops the reconnect loop, detaches the transport
// and disconnects. No connect attempt starts after it returns.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.autoReconnect = false
	task := c.cancelReconnectLocked()
	c.mu.Unlock()

	task.wait()
	c.transport.Detach()
	c.connector.Disconnect()
}

func (c *Client) IsConnected() bool { return c.connector.IsConnected() }

func (c *Client) OnConnectionStatusChanged(fn func(device.ConnectionStatus)) func() {
	if fn == nil {
		return func() {}
	}
	return c.connector.OnStatusChanged(func(s device.ConnectionStatus) {
		c.exec.Post(func() { fn(s) })
	})
}

// ---- transport ----

// Send writes data through the attached transport. A non-nil error means nothing was
// sent.
func (c *Client) Send(data []byte) error { return c.transport.Send(data) }

func (c *Client) OnDataReceived(fn func([]byte)) func() {
	if fn == nil {
		return func() {}
	}
	return c.transport.OnData(func(b []byte) {
		chunk := make([]byte, len(b))
		copy(chunk, b)
		c.exec.Post(func() { fn(chunk) })
	})
}

// ---- adapter ----

func (c *Client) IsBluetoothEnabled() bool { return c.status.IsEnabled() }

func (c *Client) IsDevicePaired(d device.Device) bool { return c.status.IsDevicePaired(d) }

func (c *Client) OnBluetoothStatusChanged(fn func(device.AdapterStatus)) func() {
	if fn == nil {
		return func() {}
	}
	return c.status.OnStatusChanged(func(s device.AdapterStatus) {
		c.exec.Post(func() { fn(s) })
	})
}

// ---- lifecycle ----

// Shutdown stops scanning and pairing, drops the link and cancels all background work.
// Async operations still in flight complete with a cancelled result. Safe to call any
// number of times.
func (c *Client) Shutdown() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.logger.Debug("Shutting down client")

	c.mu.Lock()
	c.autoReconnect = false
	task := c.cancelReconnectLocked()
	c.mu.Unlock()

	c.quietly("stop scan", c.scanner.StopScan)
	c.quietly("cancel pairing", c.scanner.CancelPairing)
	c.quietly("stop pairing listener", c.scanner.StopListeningForPairingStatus)
	c.cancel()
	task.wait()
	c.quietly("detach transport", c.transport.Detach)
	c.quietly("disconnect", c.connector.Disconnect)
	c.abandonPending()
	c.io.Close()
}

// quietly runs a teardown step, logging instead of propagating a panic.
func (c *Client) quietly(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"step":  step,
				"panic": r,
			}).Warn("Shutdown step failed")
		}
	}()
	fn()
}

// trackOp registers abandon for an in-flight async operation and returns its id.
// Shutdown calls every abandon still registered.
func (c *Client) trackOp(abandon func()) uint64 {
	c.opsMu.Lock()
	defer c.opsMu.Unlock()
	c.nextOp++
	c.pending[c.nextOp] = abandon
	return c.nextOp
}

func (c *Client) releaseOp(id uint64) {
	c.opsMu.Lock()
	delete(c.pending, id)
	c.opsMu.Unlock()
}

func (c *Client) abandonPending() {
	c.opsMu.Lock()
	fns := make([]func(), 0, len(c.pending))
	for id, fn := range c.pending {
		fns = append(fns, fn)
		delete(c.pending, id)
	}
	c.opsMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// goTimer runs fn after d on a named goroutine unless stopped or the client shuts
// down first.
func (c *Client) goTimer(name string, d time.Duration, fn func()) (stop func()) {
	ctx, cancel := context.WithCancel(c.ctx)
	groutine.Go(ctx, name, func(ctx context.Context) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			fn()
		}
	})
	return cancel
}
