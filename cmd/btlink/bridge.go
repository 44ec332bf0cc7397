//go:build linux || darwin

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/btlink/bridge"
	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/ptyio"
)

func init() {
	platformCommands = append(platformCommands, newBridgeCmd)
}

type bridgeFlags struct {
	symlink    string
	bufferSize int
}

func newBridgeCmd() *cobra.Command {
	f := &bridgeFlags{}
	cmd := &cobra.Command{
		Use:   "bridge <device-address>",
		Short: "Expose a device link as a PTY",
		Long: fmt.Sprintf(`Creates a pseudo terminal (e.g. /dev/pts/3) bridged to a device link, so
applications that expect a serial port can talk to the device. Bytes written to the
PTY are sent to the device and data from the device is written to the PTY.

The link reconnects automatically; input typed while it is down is dropped.

Example:
  btlink bridge %s
  btlink bridge --symlink /tmp/btlink %s

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error { return runBridge(cmd, args[0], f) },
	}
	cmd.Flags().StringVar(&f.symlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/btlink)")
	cmd.Flags().IntVar(&f.bufferSize, "buffer-size", 0, "PTY output queue size in bytes (default 4096)")
	return cmd
}

func runBridge(cmd *cobra.Command, target string, f *bridgeFlags) error {
	address, err := device.ValidateAddress(target)
	if err != nil {
		return err
	}
	if f.bufferSize < 0 {
		return fmt.Errorf("invalid --buffer-size %d", f.bufferSize)
	}
	sess, err := startSession(cmd, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := interruptible(cmd)
	defer cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Starting bridge for "+address, "Connecting", "Running", "Failed")
	progress.Start()
	defer progress.Stop()

	_, err = bridge.Run(ctx, sess.client, &bridge.Options{
		Address:        address,
		TTYSymlinkPath: f.symlink,
		PTY:            ptyio.Options{BufferSize: f.bufferSize},
		Logger:         sess.logger,
	}, progress.Callback(), func(b *bridge.Bridge) (struct{}, error) {
		fmt.Fprintf(cmd.OutOrStdout(), "Bridge running: %s", color.CyanString(b.TTYName()))
		if b.TTYSymlink() != "" {
			fmt.Fprintf(cmd.OutOrStdout(), " (%s)", b.TTYSymlink())
		}
		fmt.Fprintln(cmd.OutOrStdout(), "\nPress Ctrl+C to stop")
		return bridge.UntilDone(ctx)(b)
	})
	return err
}
