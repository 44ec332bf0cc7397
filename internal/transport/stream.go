package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/groutine"
)

// DefaultReadBufferSize is the receive chunk size.
const DefaultReadBufferSize = 1024

// Stream runs one receive goroutine per attachment over a stream channel.
type Stream struct {
	logger  *logrus.Logger
	bufSize int

	mu  sync.Mutex
	att *streamAttachment

	data   *device.Listeners[[]byte]
	closed *device.Listeners[device.Channel]
}

type streamAttachment struct {
	ch      device.StreamChannel
	writeMu sync.Mutex
	out     *bufio.Writer
	state   atomic.Int32
	once    sync.Once
}

// close releases the channel exactly once.
func (a *streamAttachment) close(logger *logrus.Logger) {
	a.once.Do(func() {
		if err := a.ch.Close(); err != nil {
			logger.WithError(err).Debug("Failed to close stream channel")
		}
	})
}

// NewStream creates a stream transport. bufSize <= 0 uses DefaultReadBufferSize.
func NewStream(bufSize int, logger *logrus.Logger) *Stream {
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}
	if logger == nil {
		logger = nopLogger()
	}
	return &Stream{
		logger:  logger,
		bufSize: bufSize,
		data:    device.NewListeners[[]byte]("stream-data", logger),
		closed:  device.NewListeners[device.Channel]("stream-closed", logger),
	}
}

func (t *Stream) Attach(ch device.Channel) error {
	sc, ok := ch.(device.StreamChannel)
	if !ok || sc == nil {
		return fmt.Errorf("%w: stream transport needs a stream channel, got %T", device.ErrUnsupported, ch)
	}

	t.Detach()

	att := &streamAttachment{ch: sc, out: bufio.NewWriter(sc)}
	t.mu.Lock()
	t.att = att
	t.mu.Unlock()

	t.logger.WithField("address", sc.Address()).Debug("Stream transport attached")
	groutine.Go(context.Background(), "bt-stream-rx", func(context.Context) {
		t.receive(att)
	})
	return nil
}

func (t *Stream) receive(att *streamAttachment) {
	log := t.logger.WithField("address", att.ch.Address())
	buf := make([]byte, t.bufSize)

	for {
		n, err := att.ch.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.data.Emit(chunk)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug("Stream ended")
			} else if att.state.Load() == stateAttached {
				log.WithError(err).Debug("Stream read failed")
			}
			break
		}
	}

	lost := att.state.CompareAndSwap(stateAttached, stateLost)
	att.close(t.logger)

	t.mu.Lock()
	if t.att == att {
		t.att = nil
	}
	t.mu.Unlock()

	if lost {
		log.Info("Stream channel closed")
		t.closed.Emit(att.ch)
	}
}

// Detach closes the channel, which ends the receive goroutine. It does not wait for it.
func (t *Stream) Detach() {
	t.mu.Lock()
	att := t.att
	t.att = nil
	t.mu.Unlock()

	if att == nil {
		return
	}
	att.state.CompareAndSwap(stateAttached, stateDetached)
	att.close(t.logger)
	t.logger.WithField("address", att.ch.Address()).Debug("Stream transport detached")
}

func (t *Stream) Send(data []byte) error {
	t.mu.Lock()
	att := t.att
	t.mu.Unlock()

	if att == nil {
		return device.ErrNotAttached
	}

	att.writeMu.Lock()
	defer att.writeMu.Unlock()

	if _, err := att.out.Write(data); err != nil {
		t.logger.WithError(err).Warn("Send failed")
		return fmt.Errorf("send: %w", err)
	}
	if err := att.out.Flush(); err != nil {
		t.logger.WithError(err).Warn("Flush failed")
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (t *Stream) OnData(fn func([]byte)) func() {
	return t.data.Add(fn)
}

func (t *Stream) OnClosed(fn func(device.Channel)) func() {
	return t.closed.Add(fn)
}
