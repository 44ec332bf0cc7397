package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// platformCommands are added by build-specific files.
var platformCommands []func() *cobra.Command

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "btlink",
		Short: "Bluetooth serial link tool",
		Long: `Bluetooth serial link tool that provides:

- Scan for nearby peripherals and list paired ones
- Pair with a peripheral
- Open a serial link over RFCOMM (classic) or a UART-style GATT service (attribute)
- Keep the link up with automatic reconnection
- Bridge the link to a PTY for serial-port applications`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "YAML configuration file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("verbose", false, "Verbose output (same as --log-level=debug)")
	flags.String("transport", "", "Link type: classic or attribute (overrides the configuration)")
	flags.String("adapter", "", "Adapter id, e.g. hci0 (overrides the configuration)")

	root.AddCommand(
		newScanCmd(),
		newDevicesCmd(),
		newPairCmd(),
		newConnectCmd(),
		newStatusCmd(),
	)
	for _, fn := range platformCommands {
		root.AddCommand(fn())
	}
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s %s\n", color.New(color.FgRed, color.Bold).Sprint("ERROR:"), FormatUserError(err))
		os.Exit(1)
	}
}
