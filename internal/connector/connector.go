// Package connector establishes and tears down links to a single peripheral.
package connector

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/srg/btlink/internal/device"
)

// Connector owns at most one link at a time and reports its lifecycle.
type Connector interface {
	// Connect publishes CONNECTING, then CONNECTED or FAILED. A nil error means
	// the link is up. Attempts run one at a time; a caller whose ctx ends while
	// waiting for its turn gets a Cancelled error and publishes nothing. The
	// terminal status is delivered after the attempt has ended, so listeners may
	// call back into the connector.
	Connect(ctx context.Context, address string) error
	// Disconnect releases the link, if any, and publishes DISCONNECTED.
	Disconnect()
	IsConnected() bool
	OnStatusChanged(fn func(device.ConnectionStatus)) func()
	// LowLevelChannel returns the current link for a Transport, or nil.
	LowLevelChannel() device.Channel
}

// publisher delivers statuses in publish order. A publish made while another delivery
// is running, including one from inside a listener, is queued and delivered by the
// goroutine already draining the queue.
type publisher struct {
	mu        sync.Mutex
	queue     []statusEvent
	draining  bool
	connected atomic.Bool
	listeners *device.Listeners[device.ConnectionStatus]
	logger    *logrus.Logger
	name      string
}

type statusEvent struct {
	status  device.ConnectionStatus
	address string
}

func newPublisher(name string, logger *logrus.Logger) *publisher {
	return &publisher{
		name:      name,
		logger:    logger,
		listeners: device.NewListeners[device.ConnectionStatus](name+"-status", logger),
	}
}

func (p *publisher) publish(status device.ConnectionStatus, address string) {
	p.enqueue(status, address)
	p.drain()
}

// enqueue records status without delivering it.
func (p *publisher) enqueue(status device.ConnectionStatus, address string) {
	p.mu.Lock()
	p.connected.Store(status == device.StatusConnected)
	p.queue = append(p.queue, statusEvent{status: status, address: address})
	p.mu.Unlock()
}

// drain delivers queued statuses unless another call is already doing so.
func (p *publisher) drain() {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true

	for len(p.queue) > 0 {
		ev := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.logger.WithFields(logrus.Fields{
			"connector": p.name,
			"status":    ev.status,
			"address":   ev.address,
		}).Debug("Connection status changed")
		p.listeners.Emit(ev.status)

		p.mu.Lock()
	}
	p.draining = false
	p.mu.Unlock()
}

func (p *publisher) isConnected() bool {
	return p.connected.Load()
}

// connectSlot admits one Connect at a time. Waiting for it honours the caller's context.
type connectSlot struct {
	sem *semaphore.Weighted
}

func newConnectSlot() connectSlot {
	return connectSlot{sem: semaphore.NewWeighted(1)}
}

func (s connectSlot) acquire(ctx context.Context) error {
	if s.sem.TryAcquire(1) {
		return nil
	}
	return s.sem.Acquire(ctx, 1)
}

func (s connectSlot) release() {
	s.sem.Release(1)
}

// closeOnce makes Close of a wrapped channel idempotent; the underlying Close runs once
// no matter how many owners call it.
type closeOnce struct {
	once sync.Once
	err  error
}

func (c *closeOnce) do(fn func() error) error {
	c.once.Do(func() { c.err = fn() })
	return c.err
}

// streamLink is a connected classic socket with idempotent Close.
type streamLink struct {
	device.StreamChannel
	closer closeOnce
	kind   string
}

func (l *streamLink) Close() error {
	return l.closer.do(l.StreamChannel.Close)
}

// attributeLink is an attribute channel with idempotent Close.
type attributeLink struct {
	device.AttributeChannel
	closer closeOnce
}

func (l *attributeLink) Close() error {
	return l.closer.do(l.AttributeChannel.Close)
}

func nopLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
