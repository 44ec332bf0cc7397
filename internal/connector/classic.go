package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/device"
)

// Classic connects over stream sockets: secure first, then insecure, then the
// platform's alternate channel when available.
type Classic struct {
	registry device.Registry
	logger   *logrus.Logger
	pub      *publisher

	slot connectSlot

	mu      sync.Mutex
	link    *streamLink
	address string
	gen     uint64 // bumped by Disconnect to void in-flight attempts
}

// NewClassic creates a stream connector over registry.
func NewClassic(registry device.Registry, logger *logrus.Logger) (*Classic, error) {
	if registry == nil {
		return nil, errors.New("connector: registry is required")
	}
	if logger == nil {
		logger = nopLogger()
	}
	return &Classic{
		registry: registry,
		logger:   logger,
		pub:      newPublisher("classic", logger),
		slot:     newConnectSlot(),
	}, nil
}

func (c *Classic) Connect(ctx context.Context, address string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := c.slot.acquire(ctx); err != nil {
		return device.NewCancelledError("connect")
	}
	err := c.connect(ctx, address)
	c.slot.release()
	c.pub.drain()
	return err
}

// connect runs one attempt while holding the slot. Terminal statuses are only
// enqueued here.
func (c *Classic) connect(ctx context.Context, address string) error {
	c.pub.publish(device.StatusConnecting, address)
	c.release()

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	addr, err := device.ValidateAddress(address)
	if err != nil {
		return c.fail(address, device.NewConnectionError("connect", err))
	}
	if ctx.Err() != nil {
		return c.fail(addr, device.NewCancelledError("connect"))
	}

	log := c.logger.WithField("address", addr)
	log.Info("Connecting...")

	handle, err := c.registry.Resolve(addr)
	if err != nil {
		return c.fail(addr, device.NewConnectionError("resolve peripheral", err))
	}

	link, err := c.open(ctx, handle)
	if err != nil {
		if ctx.Err() != nil {
			return c.fail(addr, device.NewCancelledError("connect"))
		}
		return c.fail(addr, device.NewConnectionError("open socket", err))
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = link.Close()
		return c.fail(addr, device.NewCancelledError("disconnected while connecting"))
	}
	c.link = link
	c.address = addr
	c.mu.Unlock()

	log.WithField("mode", link.kind).Info("Connected")
	c.pub.enqueue(device.StatusConnected, addr)
	return nil
}

// open tries each socket flavour in order. Every socket that fails to connect is
// closed before the next attempt.
func (c *Classic) open(ctx context.Context, h device.Handle) (*streamLink, error) {
	attempts := []struct {
		kind   string
		create func() (device.StreamSocket, error)
	}{
		{kind: "secure", create: h.SecureSocket},
		{kind: "insecure", create: h.InsecureSocket},
	}

	var errs []error
	for _, a := range attempts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		sock, err := a.create()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s socket: %w", a.kind, err))
			continue
		}
		link, err := c.connectSocket(ctx, sock, a.kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return link, nil
	}

	alt, ok := h.(device.AlternateSocketProvider)
	if !ok || ctx.Err() != nil {
		return nil, errors.Join(errs...)
	}

	var sock device.StreamSocket
	if !device.TryBestEffort(func() bool {
		s, ok := alt.AlternateSocket()
		sock = s
		return ok && s != nil
	}) {
		errs = append(errs, fmt.Errorf("alternate socket: %w", device.ErrUnsupported))
		return nil, errors.Join(errs...)
	}
	link, err := c.connectSocket(ctx, sock, "alternate")
	if err != nil {
		errs = append(errs, err)
		return nil, errors.Join(errs...)
	}
	return link, nil
}

func (c *Classic) connectSocket(ctx context.Context, sock device.StreamSocket, kind string) (*streamLink, error) {
	if err := sock.Connect(ctx); err != nil {
		if cerr := sock.Close(); cerr != nil {
			c.logger.WithError(cerr).Debug("Failed to close socket after failed connect")
		}
		c.logger.WithFields(logrus.Fields{
			"mode":  kind,
			"error": err,
		}).Debug("Socket connect failed")
		return nil, fmt.Errorf("%s connect: %w", kind, err)
	}
	return &streamLink{StreamChannel: sock, kind: kind}, nil
}

func (c *Classic) fail(address string, err error) error {
	c.logger.WithError(err).WithField("address", address).Warn("Connection failed")
	c.pub.enqueue(device.StatusFailed, address)
	return err
}

// release closes the current link without publishing.
func (c *Classic) release() {
	c.mu.Lock()
	link := c.link
	c.link = nil
	c.mu.Unlock()

	if link != nil {
		if err := link.Close(); err != nil {
			c.logger.WithError(err).Debug("Failed to close previous link")
		}
	}
}

func (c *Classic) Disconnect() {
	c.mu.Lock()
	c.gen++
	address := c.address
	c.mu.Unlock()

	c.release()
	c.logger.WithField("address", address).Info("Disconnected")
	c.pub.publish(device.StatusDisconnected, address)
}

func (c *Classic) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil && c.pub.isConnected()
}

func (c *Classic) OnStatusChanged(fn func(device.ConnectionStatus)) func() {
	return c.pub.listeners.Add(fn)
}

func (c *Classic) LowLevelChannel() device.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil
	}
	return c.link
}
