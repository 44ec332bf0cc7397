//go:build linux || darwin

// Package bridge exposes a Bluetooth serial link as a pseudo terminal, so programs that
// expect a serial port can talk to the peripheral.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/ptyio"
)

// Link is the connected side of the bridge. *client.Client satisfies it.
type Link interface {
	Connect(address string) error
	Disconnect()
	Send(data []byte) error
	OnDataReceived(fn func([]byte)) func()
	OnConnectionStatusChanged(fn func(device.ConnectionStatus)) func()
}

// Options configure a bridge run.
type Options struct {
	Address string
	// TTYSymlinkPath optionally names a symlink to the slave, e.g. /tmp/btlink.
	TTYSymlinkPath string
	PTY            ptyio.Options
	Logger         *logrus.Logger
}

// ProgressCallback is called when the bridge phase changes.
type ProgressCallback func(phase string)

// Callback runs with the bridge up. The bridge is torn down when it returns.
type Callback[R any] func(*Bridge) (R, error)

// Bridge is a running link-to-PTY bridge.
type Bridge struct {
	port    *ptyio.Port
	link    Link
	symlink string
	logger  *logrus.Logger

	sendFailures atomic.Uint64
}

func (b *Bridge) TTYName() string { return b.port.Name() }

// TTYSymlink returns the symlink path, empty when none was requested.
func (b *Bridge) TTYSymlink() string { return b.symlink }

func (b *Bridge) Stats() ptyio.Stats { return b.port.Stats() }

// SendFailures counts terminal input chunks the link refused, typically while it was
// reconnecting.
func (b *Bridge) SendFailures() uint64 { return b.sendFailures.Load() }

func (b *Bridge) toLink(data []byte) {
	if err := b.link.Send(data); err != nil {
		b.sendFailures.Add(1)
		b.logger.WithError(err).WithField("bytes", len(data)).Warn("Dropped terminal input")
	}
}

func (b *Bridge) toTerminal(data []byte) {
	if _, err := b.port.Write(data); err != nil {
		b.logger.WithError(err).Debug("Terminal write after close")
	}
}

// Run connects the link, opens a PTY, pipes bytes both ways and executes cb with the
// running bridge. Everything it set up is released before it returns.
func Run[R any](ctx context.Context, link Link, opts *Options, progress ProgressCallback, cb Callback[R]) (R, error) {
	var zero R

	if opts == nil {
		return zero, errors.New("failed to execute bridge: options are required")
	}
	if opts.Address == "" {
		return zero, errors.New("failed to execute bridge: device address is required")
	}
	if link == nil {
		return zero, errors.New("failed to execute bridge: link is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if progress == nil {
		progress = func(string) {}
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	log := logger.WithField("address", opts.Address)
	progress("Connecting")
	if err := link.Connect(opts.Address); err != nil {
		progress("Failed")
		return zero, fmt.Errorf("failed to connect to device %s: %w", opts.Address, err)
	}
	defer link.Disconnect()
	progress("Connected")

	stopStatus := link.OnConnectionStatusChanged(func(s device.ConnectionStatus) {
		log.WithField("status", s).Info("Link status changed")
	})
	defer stopStatus()

	progress("Setting up PTY")
	ptyOpts := opts.PTY
	if ptyOpts.Logger == nil {
		ptyOpts.Logger = logger
	}
	port, err := ptyio.Open(ptyOpts)
	if err != nil {
		progress("Failed")
		return zero, err
	}
	defer func() {
		if err := port.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close PTY")
		}
	}()
	log.WithField("tty", port.Name()).Info("Created PTY device")

	b := &Bridge{port: port, link: link, logger: logger}

	if opts.TTYSymlinkPath != "" {
		if err := os.Symlink(port.Name(), opts.TTYSymlinkPath); err != nil {
			progress("Failed")
			return zero, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.TTYSymlinkPath, port.Name(), err)
		}
		b.symlink = opts.TTYSymlinkPath
		defer func() {
			if err := os.Remove(b.symlink); err != nil {
				logger.WithError(err).WithField("ttySymlink", b.symlink).Warn("Failed to remove tty symlink")
			}
		}()
		logger.WithFields(logrus.Fields{
			"ttySymlink": b.symlink,
			"target":     port.Name(),
		}).Info("Created PTY symlink")
	}

	stopData := link.OnDataReceived(b.toTerminal)
	defer stopData()
	port.OnInput(b.toLink)
	defer port.OnInput(nil)

	progress("Running")
	started := time.Now()
	res, err := cb(b)
	log.WithFields(logrus.Fields{
		"uptime":   time.Since(started).Round(time.Millisecond),
		"received": b.Stats().Received,
		"sent":     b.Stats().Sent,
	}).Info("Bridge stopped")
	return res, err
}

// UntilDone is a Callback that keeps the bridge up until ctx is cancelled.
func UntilDone(ctx context.Context) Callback[struct{}] {
	return func(*Bridge) (struct{}, error) {
		<-ctx.Done()
		return struct{}{}, nil
	}
}
