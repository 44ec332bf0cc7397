package bluez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/srg/btlink/internal/device"
)

const (
	solBluetooth = 274 // SOL_BLUETOOTH
	btSecurity   = 4   // BT_SECURITY

	connectPollMillis = 100
)

var (
	errSocketClosed       = errors.New("rfcomm socket closed")
	errSocketNotConnected = errors.New("rfcomm socket not connected")
)

// rfcommSocket is a non-blocking RFCOMM socket. Once connected it is wrapped in an
// os.File so Close unblocks a pending Read.
type rfcommSocket struct {
	address string
	sa      *unix.SockaddrRFCOMM

	mu     sync.Mutex
	fd     int
	file   *os.File
	closed bool
}

func newRFCOMMSocket(address string, mac [6]byte, channel, level uint8) (device.StreamSocket, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", device.NormalizeError(err))
	}
	// struct bt_security { uint8_t level; uint8_t key_size; }
	if err := unix.SetsockoptString(fd, solBluetooth, btSecurity, string([]byte{level, 0})); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rfcomm security level %d: %w", level, err)
	}

	// bdaddr_t is little-endian.
	var bd [6]uint8
	for i := range mac {
		bd[i] = mac[5-i]
	}
	return &rfcommSocket{
		address: address,
		sa:      &unix.SockaddrRFCOMM{Addr: bd, Channel: channel},
		fd:      fd,
	}, nil
}

func (s *rfcommSocket) Address() string { return s.address }

func (s *rfcommSocket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSocketClosed
	}
	fd := s.fd
	s.mu.Unlock()

	err := unix.Connect(fd, s.sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		return fmt.Errorf("rfcomm connect channel %d: %w", s.sa.Channel, device.NormalizeError(err))
	}
	if err != nil {
		if err := s.awaitWritable(ctx, fd); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSocketClosed
	}
	s.file = os.NewFile(uintptr(fd), "rfcomm:"+s.address)
	return nil
}

func (s *rfcommSocket) awaitWritable(ctx context.Context, fd int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return errSocketClosed
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, connectPollMillis)
		if errors.Is(err, unix.EINTR) || n == 0 {
			continue
		}
		if err != nil {
			return fmt.Errorf("rfcomm poll: %w", err)
		}

		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return fmt.Errorf("rfcomm connect status: %w", err)
		}
		if soErr != 0 {
			return fmt.Errorf("rfcomm connect channel %d: %w", s.sa.Channel, device.NormalizeError(unix.Errno(soErr)))
		}
		return nil
	}
}

func (s *rfcommSocket) conn() (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSocketClosed
	}
	if s.file == nil {
		return nil, errSocketNotConnected
	}
	return s.file, nil
}

func (s *rfcommSocket) Read(p []byte) (int, error) {
	f, err := s.conn()
	if err != nil {
		return 0, err
	}
	return f.Read(p)
}

func (s *rfcommSocket) Write(p []byte) (int, error) {
	f, err := s.conn()
	if err != nil {
		return 0, err
	}
	return f.Write(p)
}

func (s *rfcommSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file != nil {
		return s.file.Close()
	}
	return unix.Close(s.fd)
}
