package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/groutine"
)

type connectFlags struct {
	send        string
	wait        time.Duration
	noReconnect bool
}

func newConnectCmd() *cobra.Command {
	f := &connectFlags{}
	cmd := &cobra.Command{
		Use:   "connect <device-address>",
		Short: "Open a serial link to a device",
		Long: fmt.Sprintf(`Connects to a device and exchanges data with it.

Without --send the session is interactive: standard input is sent to the device and
data from the device is written to standard output until Ctrl+C or end of input.
The link is re-established automatically unless --no-reconnect is set.

With --send the data is sent once (Go escapes such as \r\n are honoured) and the
replies arriving within --wait are printed.

Example:
  btlink connect %s
  btlink connect --send 'AT\r\n' --wait 2s %s

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error { return runConnect(cmd, args[0], f) },
	}
	cmd.Flags().StringVar(&f.send, "send", "", "Send this data once and exit")
	cmd.Flags().DurationVar(&f.wait, "wait", time.Second, "How long to collect replies after --send (0 exits at once)")
	cmd.Flags().BoolVar(&f.noReconnect, "no-reconnect", false, "Exit when the link drops instead of reconnecting")
	return cmd
}

// lockedWriter serializes writes from data callbacks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
	n  int
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.w.Write(p)
	l.n += n
	return n, err
}

func (l *lockedWriter) written() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

func runConnect(cmd *cobra.Command, target string, f *connectFlags) error {
	address, err := device.ValidateAddress(target)
	if err != nil {
		return err
	}
	var payload []byte
	if f.send != "" {
		s, err := strconv.Unquote(`"` + f.send + `"`)
		if err != nil {
			return fmt.Errorf("invalid --send data %q: %w", f.send, err)
		}
		payload = []byte(s)
	}

	sess, err := startSession(cmd, nil)
	if err != nil {
		return err
	}
	defer sess.Close()
	c := sess.client

	ctx, cancel := interruptible(cmd)
	defer cancel()

	out := &lockedWriter{w: cmd.OutOrStdout()}
	stderr := cmd.ErrOrStderr()
	stopData := c.OnDataReceived(func(b []byte) { _, _ = out.Write(b) })
	defer stopData()

	lost := make(chan struct{})
	var lostOnce sync.Once
	stopStatus := c.OnConnectionStatusChanged(func(s device.ConnectionStatus) {
		fmt.Fprintf(stderr, "[%s] %s\n", address, statusColor(s))
		if s == device.StatusDisconnected && !c.AutoReconnectEnabled() {
			lostOnce.Do(func() { close(lost) })
		}
	})
	defer stopStatus()

	if err := connectWithin(ctx, c.ConnectAsync, address); err != nil {
		return err
	}
	if f.noReconnect {
		c.EnableAutoReconnect(false)
	}

	if payload != nil {
		if err := c.Send(payload); err != nil {
			return err
		}
		if f.wait <= 0 {
			return nil
		}
		select {
		case <-time.After(f.wait):
		case <-ctx.Done():
		case <-lost:
		}
		if out.written() == 0 {
			return fmt.Errorf("%w within %s", ErrNoResponse, f.wait)
		}
		return nil
	}

	return pumpInput(ctx, cmd.InOrStdin(), c.Send, lost, sess.logger)
}

// connectWithin runs an async connect and gives up when ctx ends.
func connectWithin(ctx context.Context, connect func(string, func(device.Result[struct{}])), address string) error {
	results := make(chan device.Result[struct{}], 1)
	connect(address, func(r device.Result[struct{}]) { results <- r })
	select {
	case r := <-results:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pumpInput sends everything read from in until end of input, ctx ends or the link is
// lost for good.
func pumpInput(ctx context.Context, in io.Reader, send func([]byte) error, lost <-chan struct{}, logger *logrus.Logger) error {
	readErr := make(chan error, 1)
	groutine.Go(ctx, "stdin-pump", func(context.Context) {
		buf := make([]byte, 1024)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				if sendErr := send(chunk); sendErr != nil {
					logger.WithError(sendErr).WithField("bytes", n).Warn("Dropped input")
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	})

	select {
	case err := <-readErr:
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-lost:
		return ErrLinkLost
	}
}
