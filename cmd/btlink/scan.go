package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/scanner"
)

type scanFlags struct {
	duration time.Duration
	json     bool
	allow    []string
	block    []string
}

func newScanCmd() *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for nearby Bluetooth devices",
		Long: `Runs one discovery session and prints the devices found.

The session ends after --duration (the configured scan_timeout by default) or on
Ctrl+C; either way the devices seen so far are printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error { return runScan(cmd, f) },
	}
	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "Scan duration (default: scan_timeout from the configuration)")
	cmd.Flags().BoolVar(&f.json, "json", false, "Print JSON instead of a table")
	cmd.Flags().StringSliceVar(&f.allow, "allow", nil, "Only report these addresses")
	cmd.Flags().StringSliceVar(&f.block, "block", nil, "Never report these addresses")
	return cmd
}

func runScan(cmd *cobra.Command, f *scanFlags) error {
	if f.duration < 0 {
		return fmt.Errorf("invalid duration %s", f.duration)
	}
	sess, err := startSession(cmd, &scanner.Options{AllowList: f.allow, BlockList: f.block})
	if err != nil {
		return err
	}
	defer sess.Close()

	timeout := f.duration
	if timeout == 0 {
		timeout = sess.cfg.ScanTimeout
	}

	ctx, cancel := interruptible(cmd)
	defer cancel()

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for devices", "Scanning", timeout, "Done")
	progress.Start()
	defer progress.Stop()

	results := make(chan device.Result[[]device.Device], 1)
	sess.client.ScanOnce(timeout, func(r device.Result[[]device.Device]) { results <- r })

	var res device.Result[[]device.Device]
	select {
	case res = <-results:
	case <-ctx.Done():
		sess.logger.Debug("Interrupted, stopping scan")
		sess.client.StopScan()
		res = <-results
	}
	progress.Callback()("Done")

	devices, ok := res.Value()
	if !ok {
		return res.Err()
	}
	return writeDevices(cmd.OutOrStdout(), devices, f.json)
}
