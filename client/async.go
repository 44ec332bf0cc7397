package client

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/device"
)

// once delivers a single Result through the client executor.
type once[T any] struct {
	done atomic.Bool
	post func(func())
	cb   func(device.Result[T])
}

func (o *once[T]) deliver(r device.Result[T]) bool {
	if !o.done.CompareAndSwap(false, true) {
		return false
	}
	o.post(func() { o.cb(r) })
	return true
}

// ScanOnce runs one discovery session and delivers the devices found when it finishes,
// naturally or by the forced stop after timeout (never less than the minimum scan
// timeout).
func (c *Client) ScanOnce(timeout time.Duration, cb func(device.Result[[]device.Device])) {
	if cb == nil {
		return
	}
	result := &once[[]device.Device]{post: c.exec.Post, cb: cb}
	if c.closed.Load() {
		result.deliver(device.CancelledResult[[]device.Device]())
		return
	}
	if timeout < c.opts.MinScanTimeout {
		timeout = c.opts.MinScanTimeout
	}

	var (
		mu     sync.Mutex
		bucket []device.Device
		unsubs []func()
		stop   func()
	)
	release := func() {
		mu.Lock()
		fns := unsubs
		unsubs = nil
		stopTimer := stop
		mu.Unlock()
		for _, fn := range fns {
			fn()
		}
		if stopTimer != nil {
			stopTimer()
		}
	}

	var op atomic.Uint64
	finish := func(r device.Result[[]device.Device]) {
		if result.deliver(r) {
			release()
			c.releaseOp(op.Load())
		}
	}
	op.Store(c.trackOp(func() { finish(device.CancelledResult[[]device.Device]()) }))

	mu.Lock()
	unsubs = append(unsubs,
		c.scanner.OnDeviceFound(func(d device.Device) {
			mu.Lock()
			bucket = append(bucket, d)
			mu.Unlock()
		}),
		c.scanner.OnDiscoveryFinished(func() {
			mu.Lock()
			devices := append([]device.Device(nil), bucket...)
			mu.Unlock()
			c.logger.WithField("devices", len(devices)).Debug("Scan finished")
			finish(device.Success(devices))
		}),
	)
	mu.Unlock()

	if err := c.scanner.StartScan(); err != nil {
		c.logger.WithError(err).Warn("Scan start failed")
		finish(device.Failure[[]device.Device](device.NewConnectionError("scan start failed", err)))
		return
	}

	timer := c.goTimer("bt-scan-timeout", timeout, func() {
		if result.done.Load() {
			return
		}
		c.logger.WithField("timeout", timeout).Debug("Scan timeout, stopping discovery")
		c.scanner.StopScan()
	})
	mu.Lock()
	if result.done.Load() {
		mu.Unlock()
		timer()
		return
	}
	stop = timer
	mu.Unlock()
}

// PairAsync pairs with d and delivers d on a final bonded status, a PairingFailed
// failure on any other final status, or a cancelled result when no final status arrives
// within the pair timeout.
func (c *Client) PairAsync(d device.Device, cb func(device.Result[device.Device])) {
	if cb == nil {
		return
	}
	result := &once[device.Device]{post: c.exec.Post, cb: cb}
	if c.closed.Load() {
		result.deliver(device.CancelledResult[device.Device]())
		return
	}
	target, err := device.ValidateAddress(d.Address)
	if err != nil {
		result.deliver(device.Failure[device.Device](device.NewPairingError("pair", err)))
		return
	}

	log := c.logger.WithField("address", target)

	var (
		mu    sync.Mutex
		unsub func()
		stop  func()
	)
	release := func() {
		mu.Lock()
		u, s := unsub, stop
		unsub, stop = nil, nil
		mu.Unlock()
		if u != nil {
			u()
		}
		if s != nil {
			s()
		}
		c.scanner.StopListeningForPairingStatus()
	}

	var op atomic.Uint64
	finish := func(r device.Result[device.Device]) {
		if result.deliver(r) {
			log.WithField("result", r).Debug("Pairing finished")
			release()
			c.releaseOp(op.Load())
		}
	}
	op.Store(c.trackOp(func() { finish(device.CancelledResult[device.Device]()) }))

	remove := c.scanner.OnPairingStatusChanged(func(ps device.PairingStatus) {
		if !device.SameAddress(ps.Device.Address, target) || !ps.IsFinal() {
			return
		}
		if ps.IsPaired() {
			finish(device.Success(d))
			return
		}
		finish(device.Failure[device.Device](device.NewPairingError("pairing ended with state "+ps.State.String(), nil)))
	})
	mu.Lock()
	unsub = remove
	mu.Unlock()

	if err := c.scanner.PairDevice(d); err != nil {
		finish(device.Failure[device.Device](device.NewPairingError("pairing start failed", err)))
		return
	}

	timer := c.goTimer("bt-pair-timeout", c.opts.PairTimeout, func() {
		log.WithField("timeout", c.opts.PairTimeout).Warn("Pairing timed out")
		finish(device.CancelledResult[device.Device]())
	})
	mu.Lock()
	if result.done.Load() {
		mu.Unlock()
		timer()
		return
	}
	stop = timer
	mu.Unlock()
}

// ConnectAsync runs Connect on the client's background worker and delivers the outcome.
func (c *Client) ConnectAsync(address string, cb func(device.Result[struct{}])) {
	if cb == nil {
		return
	}
	result := &once[struct{}]{post: c.exec.Post, cb: cb}

	accepted := !c.closed.Load() && c.io.TryPost(func() {
		if c.closed.Load() {
			result.deliver(device.CancelledResult[struct{}]())
			return
		}
		err := c.Connect(address)
		switch {
		case err == nil:
			result.deliver(device.Success(struct{}{}))
		case device.IsKind(err, device.Cancelled):
			result.deliver(device.CancelledResult[struct{}]())
		default:
			c.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Debug("Async connect failed")
			result.deliver(device.Failure[struct{}](err))
		}
	})
	if !accepted {
		result.deliver(device.CancelledResult[struct{}]())
	}
}
