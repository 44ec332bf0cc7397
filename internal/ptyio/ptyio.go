//go:build linux || darwin

// Package ptyio exposes a pseudo terminal whose master side is pumped by background
// goroutines. Programs open the slave (Name) like a serial port; bytes they write are
// handed to the input handler and bytes given to Write are queued for them to read.
//
//	port, err := ptyio.Open(ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer port.Close()
//	port.OnInput(func(b []byte) { _ = link.Send(b) })
//	_, _ = port.Write([]byte("hello\r\n"))
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/btlink/internal/groutine"
)

// Options tune a Port. Zero fields take the default tag.
type Options struct {
	// BufferSize bounds the bytes queued for the slave and the size of one input chunk.
	BufferSize int `default:"4096"`
	// PollTimeout is how long the pumps block in poll before rechecking for Close.
	PollTimeout time.Duration `default:"50ms"`
	Logger      *logrus.Logger
	// OnError is called at most once when a pump stops on an unexpected error.
	OnError func(error)
}

// Stats is a snapshot of the port counters.
type Stats struct {
	Received uint64 // bytes read from the slave side
	Sent     uint64 // bytes written towards the slave side
	Dropped  uint64 // bytes lost to a full queue or a missing input handler
	Queued   int    // bytes waiting for the output pump
}

// Port is an open pseudo terminal.
type Port struct {
	master *os.File
	slave  *os.File
	fd     int
	name   string
	pollMs int
	logger *logrus.Logger

	out  *ringbuffer.RingBuffer
	wake chan struct{}

	input atomic.Pointer[func([]byte)]

	received atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	pumps   []*groutine.Routine
	closed  atomic.Bool
	onError func(error)
	errOnce sync.Once
}

// Open creates a raw-mode pseudo terminal and starts its pumps.
func Open(opts Options) (*Port, error) {
	defaults.SetDefaults(&opts)
	if opts.BufferSize <= 0 {
		return nil, fmt.Errorf("ptyio: buffer size must be positive, got %d", opts.BufferSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, closeBoth(master, slave, fmt.Errorf("raw mode on %s: %w", slave.Name(), err))
	}
	fd := int(master.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, closeBoth(master, slave, fmt.Errorf("non-blocking master for %s: %w", slave.Name(), err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Port{
		master:  master,
		slave:   slave, // held open so the master never sees a hangup between clients
		fd:      fd,
		name:    slave.Name(),
		pollMs:  int(opts.PollTimeout / time.Millisecond),
		logger:  logger,
		out:     ringbuffer.New(opts.BufferSize),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		onError: opts.OnError,
	}
	if p.pollMs <= 0 {
		p.pollMs = 1
	}

	p.pumps = []*groutine.Routine{
		groutine.Go(ctx, "pty-input", func(ctx context.Context) { p.pumpInput(ctx, opts.BufferSize) }),
		groutine.Go(ctx, "pty-output", func(ctx context.Context) { p.pumpOutput(ctx, opts.BufferSize) }),
	}
	logger.WithField("tty", p.name).Debug("PTY opened")
	return p, nil
}

func closeBoth(master, slave *os.File, cause error) error {
	return errors.Join(cause, master.Close(), slave.Close())
}

// Name returns the slave device path, e.g. /dev/pts/3.
func (p *Port) Name() string { return p.name }

// OnInput sets the handler for bytes written by the program on the slave side. The
// handler runs on the input pump and owns the slice. Nil removes it.
func (p *Port) OnInput(fn func([]byte)) {
	if fn == nil {
		p.input.Store(nil)
		return
	}
	p.input.Store(&fn)
}

// Write queues data for the slave side and never blocks. When the queue is full the
// tail of data is dropped and n reports what was queued.
func (p *Port) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	n, err := p.out.Write(data)
	if n < len(data) {
		p.dropped.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{
			"queued":  n,
			"dropped": len(data) - n,
			"error":   err,
		}).Warn("PTY output queue full")
	}
	if n > 0 {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	return n, nil
}

func (p *Port) Stats() Stats {
	return Stats{
		Received: p.received.Load(),
		Sent:     p.sent.Load(),
		Dropped:  p.dropped.Load(),
		Queued:   p.out.Length(),
	}
}

// Close stops the pumps and releases both sides. Safe to call more than once.
func (p *Port) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	for _, r := range p.pumps {
		r.Wait()
	}
	err := errors.Join(p.master.Close(), p.slave.Close())
	p.logger.WithField("tty", p.name).Debug("PTY closed")
	return err
}

func (p *Port) fail(op string, err error) {
	p.logger.WithError(err).WithField("op", op).Warn("PTY pump stopped")
	if p.onError == nil {
		return
	}
	p.errOnce.Do(func() { p.onError(fmt.Errorf("pty %s: %w", op, err)) })
}

func (p *Port) pumpInput(ctx context.Context, size int) {
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	buf := make([]byte, size)

	for ctx.Err() == nil {
		ready, err := unix.Poll(fds, p.pollMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			p.fail("poll input", err)
			return
		}
		if ready == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			p.fail("poll input", fmt.Errorf("revents %#x", fds[0].Revents))
			return
		}

		n, err := unix.Read(p.fd, buf)
		if n > 0 {
			p.received.Add(uint64(n))
			p.deliver(buf[:n])
		}
		switch {
		case err == nil, errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EIO):
			// no slave open at the moment
			time.Sleep(time.Duration(p.pollMs) * time.Millisecond)
		default:
			p.fail("read", err)
			return
		}
	}
}

func (p *Port) deliver(b []byte) {
	fn := p.input.Load()
	if fn == nil {
		p.dropped.Add(uint64(len(b)))
		return
	}
	chunk := make([]byte, len(b))
	copy(chunk, b)
	(*fn)(chunk)
}

func (p *Port) pumpOutput(ctx context.Context, size int) {
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLOUT}}
	buf := make([]byte, size)

	for {
		if p.out.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			}
			continue
		}

		n, err := p.out.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Debug("PTY output dequeue failed")
		}
		for off := 0; off < n; {
			w, err := unix.Write(p.fd, buf[off:n])
			if w > 0 {
				off += w
				p.sent.Add(uint64(w))
			}
			switch {
			case err == nil, errors.Is(err, unix.EINTR):
			case errors.Is(err, unix.EAGAIN):
				if ctx.Err() != nil {
					return
				}
				if _, perr := unix.Poll(fds, p.pollMs); perr != nil && !errors.Is(perr, unix.EINTR) {
					p.fail("poll output", perr)
					return
				}
			default:
				p.fail("write", err)
				return
			}
		}
	}
}
